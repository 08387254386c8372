package s3

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/justapithecus/haul/haul"
)

func newTestStore(t *testing.T) (*Store, *MockClient, *MockPresigner) {
	t.Helper()
	client := NewMockClient()
	presigner := &MockPresigner{}
	store, err := New(client, presigner)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return store, client, presigner
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, &MockPresigner{}); err == nil {
		t.Error("expected an error for a nil client")
	}
	if _, err := New(NewMockClient(), nil); err == nil {
		t.Error("expected an error for a nil presigner")
	}
}

func TestCreateUpload(t *testing.T) {
	ctx := context.Background()
	store, client, _ := newTestStore(t)

	uploadID, err := store.CreateUpload(ctx, "b", "k", "application/json", map[string]string{"origin": "survey"})
	if err != nil {
		t.Fatalf("CreateUpload failed: %v", err)
	}
	if uploadID == "" {
		t.Fatal("expected an upload ID")
	}
	if client.CreateMultipartUploadCalls != 1 {
		t.Errorf("expected 1 CreateMultipartUpload call, got %d", client.CreateMultipartUploadCalls)
	}
}

func TestCompleteUploadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, client, _ := newTestStore(t)

	uploadID, err := store.CreateUpload(ctx, "b", "k", "", nil)
	if err != nil {
		t.Fatalf("CreateUpload failed: %v", err)
	}

	client.RecordPartETag(uploadID, 1, "etag-1")
	client.RecordPartETag(uploadID, 2, "etag-2")

	location, err := store.CompleteUpload(ctx, "b", "k", uploadID, []haul.CompletedPart{
		{PartNumber: 1, Token: "etag-1"},
		{PartNumber: 2, Token: "etag-2"},
	})
	if err != nil {
		t.Fatalf("CompleteUpload failed: %v", err)
	}
	if !strings.Contains(location, "k") {
		t.Errorf("expected a location naming the key, got %q", location)
	}

	exists, err := store.ObjectExists(ctx, "b", "k")
	if err != nil {
		t.Fatalf("ObjectExists failed: %v", err)
	}
	if !exists {
		t.Error("expected the assembled object to exist")
	}
}

func TestCompleteUploadTokenMismatch(t *testing.T) {
	ctx := context.Background()
	store, client, _ := newTestStore(t)

	uploadID, err := store.CreateUpload(ctx, "b", "k", "", nil)
	if err != nil {
		t.Fatalf("CreateUpload failed: %v", err)
	}
	client.RecordPartETag(uploadID, 1, "etag-1")

	_, err = store.CompleteUpload(ctx, "b", "k", uploadID, []haul.CompletedPart{
		{PartNumber: 1, Token: "etag-wrong"},
	})

	var storeErr *haul.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if storeErr.Code != "InvalidPart" {
		t.Errorf("expected code InvalidPart, got %q", storeErr.Code)
	}
	if storeErr.Op != "complete" {
		t.Errorf("expected op complete, got %q", storeErr.Op)
	}
}

func TestCompleteUploadErrorCodePreserved(t *testing.T) {
	ctx := context.Background()
	store, client, _ := newTestStore(t)

	uploadID, err := store.CreateUpload(ctx, "b", "k", "", nil)
	if err != nil {
		t.Fatalf("CreateUpload failed: %v", err)
	}

	client.CompleteErrCode = "EntityTooSmall"
	_, err = store.CompleteUpload(ctx, "b", "k", uploadID, []haul.CompletedPart{
		{PartNumber: 1, Token: "etag-1"},
	})

	var storeErr *haul.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if storeErr.Code != "EntityTooSmall" {
		t.Errorf("expected code EntityTooSmall, got %q", storeErr.Code)
	}
}

func TestAbortUpload(t *testing.T) {
	ctx := context.Background()
	store, client, _ := newTestStore(t)

	uploadID, err := store.CreateUpload(ctx, "b", "k", "", nil)
	if err != nil {
		t.Fatalf("CreateUpload failed: %v", err)
	}

	if err := store.AbortUpload(ctx, "b", "k", uploadID); err != nil {
		t.Fatalf("AbortUpload failed: %v", err)
	}
	if client.AbortMultipartUploadCalls != 1 {
		t.Errorf("expected 1 AbortMultipartUpload call, got %d", client.AbortMultipartUploadCalls)
	}

	// S3 forgets the upload after the first abort; the retry still succeeds.
	if err := store.AbortUpload(ctx, "b", "k", uploadID); err != nil {
		t.Errorf("re-abort: expected nil, got %v", err)
	}
}

func TestObjectExistsMissing(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	exists, err := store.ObjectExists(ctx, "b", "no-such-key")
	if err != nil {
		t.Fatalf("ObjectExists failed: %v", err)
	}
	if exists {
		t.Error("expected the object to be missing")
	}
}

func TestPresignUploadPart(t *testing.T) {
	ctx := context.Background()
	store, _, presigner := newTestStore(t)

	cred, err := store.PresignUploadPart(ctx, "b", "reports/k.bin", "upload-1", 3, 15*time.Minute)
	if err != nil {
		t.Fatalf("PresignUploadPart failed: %v", err)
	}
	if cred.PartNumber != 3 {
		t.Errorf("expected part 3, got %d", cred.PartNumber)
	}
	if !strings.Contains(cred.URL, "partNumber=3") || !strings.Contains(cred.URL, "uploadId=upload-1") {
		t.Errorf("URL missing part parameters: %q", cred.URL)
	}
	if !cred.ExpiresAt.After(time.Now()) {
		t.Errorf("expected a future expiry, got %v", cred.ExpiresAt)
	}
	if presigner.Calls != 1 {
		t.Errorf("expected 1 presign call, got %d", presigner.Calls)
	}
}

func TestListUploads(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	id1, err := store.CreateUpload(ctx, "b", "k1", "", nil)
	if err != nil {
		t.Fatalf("CreateUpload failed: %v", err)
	}
	id2, err := store.CreateUpload(ctx, "b", "k2", "", nil)
	if err != nil {
		t.Fatalf("CreateUpload failed: %v", err)
	}

	uploads, err := store.ListUploads(ctx, "b")
	if err != nil {
		t.Fatalf("ListUploads failed: %v", err)
	}
	if len(uploads) != 2 {
		t.Fatalf("expected 2 uploads, got %d", len(uploads))
	}

	seen := make(map[string]string, len(uploads))
	for _, u := range uploads {
		seen[u.UploadID] = u.Key
	}
	if seen[id1] != "k1" || seen[id2] != "k2" {
		t.Errorf("unexpected uploads: %v", seen)
	}
}

func TestStoreImplementsCoordinatorInterfaces(t *testing.T) {
	var _ haul.ObjectStore = (*Store)(nil)
	var _ haul.Signer = (*Store)(nil)
}
