// Package s3 adapts an S3-compatible object store to the coordinator's
// ObjectStore and Signer interfaces.
//
// This adapter supports AWS S3, MinIO, LocalStack, Cloudflare R2,
// and other S3-compatible object stores.
//
// # Consistency
//
// AWS S3 provides strong read-after-write consistency (since Dec 2020).
// Other S3-compatible backends (MinIO, LocalStack, R2) may have different
// consistency guarantees — consult their documentation.
package s3

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/justapithecus/haul/haul"
)

// API defines the subset of the S3 client interface used by the store.
// This enables testing with mock implementations.
type API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
}

// PresignAPI defines the subset of the S3 presign client used by the store.
type PresignAPI interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store implements haul.ObjectStore and haul.Signer over an S3-compatible
// backend.
type Store struct {
	client    API
	presigner PresignAPI
}

// New creates a new S3 store with the given client and presigner.
//
// The client must be pre-configured with credentials, region, and endpoint.
// Use github.com/aws/aws-sdk-go-v2/config to load configuration.
//
// Example:
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	client := s3.NewFromConfig(cfg)
//	store, err := s3store.New(client, s3.NewPresignClient(client))
func New(client API, presigner PresignAPI) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if presigner == nil {
		return nil, errors.New("s3: presigner is required")
	}
	return &Store{client: client, presigner: presigner}, nil
}

// NewFromClient creates a Store from a concrete S3 client, deriving the
// presigner from it.
func NewFromClient(client *s3.Client) (*Store, error) {
	return New(client, s3.NewPresignClient(client))
}

// CreateUpload starts a multipart upload and returns the upload ID.
func (s *Store) CreateUpload(ctx context.Context, bucket, key, contentType string, metadata map[string]string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if len(metadata) > 0 {
		input.Metadata = metadata
	}

	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", storeErr("create", err)
	}
	return aws.ToString(out.UploadId), nil
}

// CompleteUpload assembles the uploaded parts into the final object.
// Tokens map directly to S3 part ETags and must be ascending by part number.
func (s *Store) CompleteUpload(ctx context.Context, bucket, key, uploadID string, parts []haul.CompletedPart) (string, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(part.PartNumber),
			ETag:       aws.String(part.Token),
		})
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return "", storeErr("complete", err)
	}

	location := aws.ToString(out.Location)
	if location == "" {
		location = "s3://" + bucket + "/" + key
	}
	return location, nil
}

// AbortUpload cancels a multipart upload. Aborting an upload S3 has already
// cleaned up (NoSuchUpload) succeeds, so aborts are safe to retry.
func (s *Store) AbortUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		if isNoSuchUpload(err) {
			return nil
		}
		return storeErr("abort", err)
	}
	return nil
}

// ObjectExists checks whether the assembled object is present.
func (s *Store) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, storeErr("head", err)
	}
	return true, nil
}

// PresignUploadPart returns a presigned URL allowing one HTTP PUT of the
// given part, valid for the given duration.
func (s *Store) PresignUploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, expires time.Duration) (haul.PartCredential, error) {
	req, err := s.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return haul.PartCredential{}, storeErr("presign", err)
	}

	return haul.PartCredential{
		PartNumber: partNumber,
		URL:        req.URL,
		ExpiresAt:  time.Now().UTC().Add(expires),
	}, nil
}

// Upload describes one in-progress multipart upload, for reconciliation
// against the coordinator's session records.
type Upload struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// ListUploads returns the in-progress multipart uploads in a bucket.
// Pagination is handled automatically; all uploads are returned.
func (s *Store) ListUploads(ctx context.Context, bucket string) ([]Upload, error) {
	var uploads []Upload
	var keyMarker, uploadIDMarker *string

	for {
		out, err := s.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
			Bucket:         aws.String(bucket),
			KeyMarker:      keyMarker,
			UploadIdMarker: uploadIDMarker,
		})
		if err != nil {
			return nil, storeErr("list", err)
		}

		for _, u := range out.Uploads {
			uploads = append(uploads, Upload{
				Key:       aws.ToString(u.Key),
				UploadID:  aws.ToString(u.UploadId),
				Initiated: aws.ToTime(u.Initiated),
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		keyMarker = out.NextKeyMarker
		uploadIDMarker = out.NextUploadIdMarker
	}

	return uploads, nil
}

// storeErr wraps an S3 error, preserving its service error code when one
// is present.
func storeErr(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &haul.StoreError{Op: op, Code: apiErr.ErrorCode(), Err: err}
	}
	return &haul.StoreError{Op: op, Err: err}
}

// isNoSuchUpload checks if an error indicates the multipart upload is gone.
func isNoSuchUpload(err error) bool {
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchUpload"
	}
	return false
}

// isNotFound checks if an error indicates the object was not found.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}

// -----------------------------------------------------------------------------
// Mock S3 Client for Testing
// -----------------------------------------------------------------------------

// mockUpload tracks one in-progress multipart upload.
type mockUpload struct {
	key       string
	etags     map[int32]string
	initiated time.Time
}

// MockClient is a test double for API.
type MockClient struct {
	mu       sync.RWMutex
	objects  map[string]struct{}
	uploads  map[string]*mockUpload // uploadID -> upload
	uploadID int

	// Call counters for test assertions
	CreateMultipartUploadCalls   int
	CompleteMultipartUploadCalls int
	AbortMultipartUploadCalls    int

	// CompleteErrCode causes CompleteMultipartUpload to fail with the
	// given service error code. Empty disables the failure (default).
	CompleteErrCode string
}

// NewMockClient creates a new mock S3 client for testing.
func NewMockClient() *MockClient {
	return &MockClient{
		objects: make(map[string]struct{}),
		uploads: make(map[string]*mockUpload),
	}
}

// RecordPartETag registers an ETag for a part, simulating a client's direct
// part upload via a presigned URL.
func (m *MockClient) RecordPartETag(uploadID string, partNumber int32, etag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if upload, exists := m.uploads[uploadID]; exists {
		upload.etags[partNumber] = etag
	}
}

// CreateMultipartUpload implements API.CreateMultipartUpload for testing.
func (m *MockClient) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateMultipartUploadCalls++
	m.uploadID++
	uploadID := fmt.Sprintf("upload-%d", m.uploadID)

	m.uploads[uploadID] = &mockUpload{
		key:       aws.ToString(params.Key),
		etags:     make(map[int32]string),
		initiated: time.Now().UTC(),
	}

	return &s3.CreateMultipartUploadOutput{
		Bucket:   params.Bucket,
		Key:      params.Key,
		UploadId: aws.String(uploadID),
	}, nil
}

// CompleteMultipartUpload implements API.CompleteMultipartUpload for testing.
func (m *MockClient) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	uploadID := aws.ToString(params.UploadId)
	bucket := aws.ToString(params.Bucket)
	key := aws.ToString(params.Key)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompleteMultipartUploadCalls++

	if m.CompleteErrCode != "" {
		return nil, &smithyAPIError{code: m.CompleteErrCode, message: "simulated completion failure"}
	}

	upload, exists := m.uploads[uploadID]
	if !exists {
		return nil, &smithyAPIError{code: "NoSuchUpload", message: "upload not found"}
	}

	// Parts must be ascending and match the registered ETags.
	prev := int32(0)
	for _, part := range params.MultipartUpload.Parts {
		num := aws.ToInt32(part.PartNumber)
		if num <= prev {
			return nil, &smithyAPIError{code: "InvalidPartOrder", message: "parts not ascending"}
		}
		if etag, ok := upload.etags[num]; ok && etag != aws.ToString(part.ETag) {
			return nil, &smithyAPIError{code: "InvalidPart", message: fmt.Sprintf("etag mismatch for part %d", num)}
		}
		prev = num
	}

	m.objects[key] = struct{}{}
	delete(m.uploads, uploadID)

	return &s3.CompleteMultipartUploadOutput{
		Location: aws.String(fmt.Sprintf("https://%s.s3.example.com/%s", bucket, key)),
	}, nil
}

// AbortMultipartUpload implements API.AbortMultipartUpload for testing.
func (m *MockClient) AbortMultipartUpload(_ context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	uploadID := aws.ToString(params.UploadId)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.AbortMultipartUploadCalls++
	if _, exists := m.uploads[uploadID]; !exists {
		return nil, &smithyAPIError{code: "NoSuchUpload", message: "upload not found"}
	}
	delete(m.uploads, uploadID)

	return &s3.AbortMultipartUploadOutput{}, nil
}

// HeadObject implements API.HeadObject for testing.
func (m *MockClient) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.RLock()
	_, exists := m.objects[key]
	m.mu.RUnlock()

	if !exists {
		return nil, &types.NoSuchKey{}
	}

	return &s3.HeadObjectOutput{}, nil
}

// ListMultipartUploads implements API.ListMultipartUploads for testing.
func (m *MockClient) ListMultipartUploads(_ context.Context, _ *s3.ListMultipartUploadsInput, _ ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var uploads []types.MultipartUpload
	for id, u := range m.uploads {
		uploadID := id
		key := u.key
		initiated := u.initiated
		uploads = append(uploads, types.MultipartUpload{
			Key:       &key,
			UploadId:  &uploadID,
			Initiated: &initiated,
		})
	}

	return &s3.ListMultipartUploadsOutput{
		Uploads:     uploads,
		IsTruncated: aws.Bool(false),
	}, nil
}

// MockPresigner is a test double for PresignAPI. It produces syntactically
// valid URLs without signing anything.
type MockPresigner struct {
	mu    sync.Mutex
	Calls int
}

// PresignUploadPart implements PresignAPI.PresignUploadPart for testing.
func (m *MockPresigner) PresignUploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()

	q := url.Values{}
	q.Set("partNumber", fmt.Sprint(aws.ToInt32(params.PartNumber)))
	q.Set("uploadId", aws.ToString(params.UploadId))

	u := url.URL{
		Scheme:   "https",
		Host:     aws.ToString(params.Bucket) + ".s3.example.com",
		Path:     "/" + strings.TrimPrefix(aws.ToString(params.Key), "/"),
		RawQuery: q.Encode(),
	}

	return &v4.PresignedHTTPRequest{
		URL:    u.String(),
		Method: "PUT",
	}, nil
}

// smithyAPIError implements smithy.APIError for testing.
type smithyAPIError struct {
	code    string
	message string
}

func (e *smithyAPIError) Error() string {
	return e.message
}

func (e *smithyAPIError) ErrorCode() string {
	return e.code
}

func (e *smithyAPIError) ErrorMessage() string {
	return e.message
}

func (e *smithyAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}
