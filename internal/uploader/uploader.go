// Package uploader transfers part bytes for an upload session.
//
// It is the data-plane counterpart to the coordinator: given a session's
// part plan and presigned credentials, it PUTs each part directly to the
// object store and collects the completion tokens to report back.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/justapithecus/haul/haul"
)

// DefaultConcurrency is the number of parts transferred at once.
const DefaultConcurrency = 4

// Uploader PUTs part bytes to presigned URLs.
type Uploader struct {
	client      *http.Client
	concurrency int
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithHTTPClient overrides the HTTP client used for part transfers.
func WithHTTPClient(client *http.Client) Option {
	return func(u *Uploader) { u.client = client }
}

// WithConcurrency sets how many parts are transferred at once.
func WithConcurrency(n int) Option {
	return func(u *Uploader) { u.concurrency = n }
}

// New creates an Uploader.
func New(opts ...Option) *Uploader {
	u := &Uploader{
		client:      http.DefaultClient,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.concurrency < 1 {
		u.concurrency = 1
	}
	return u
}

// UploadParts transfers every part of the object and returns the completion
// tokens ascending by part number. The source must support concurrent reads
// at arbitrary offsets; os.File qualifies.
//
// Each credential covers exactly one part. The first failed transfer cancels
// the rest.
func (u *Uploader) UploadParts(ctx context.Context, src io.ReaderAt, session *haul.Session, creds []haul.PartCredential) ([]haul.CompletedPart, error) {
	byPart := make(map[int32]haul.PartCredential, len(creds))
	for _, cred := range creds {
		byPart[cred.PartNumber] = cred
	}
	for n := int32(1); n <= session.PartCount; n++ {
		if _, ok := byPart[n]; !ok {
			return nil, fmt.Errorf("uploader: no credential for part %d", n)
		}
	}

	plan := haul.PartPlan{PartSize: session.PartSize, PartCount: session.PartCount}

	var mu sync.Mutex
	parts := make([]haul.CompletedPart, 0, session.PartCount)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)

	for n := int32(1); n <= session.PartCount; n++ {
		cred := byPart[n]
		g.Go(func() error {
			token, err := u.uploadPart(ctx, src, plan, session.TotalSize, cred)
			if err != nil {
				return err
			}
			mu.Lock()
			parts = append(parts, haul.CompletedPart{PartNumber: cred.PartNumber, Token: token})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// uploadPart PUTs one part and returns the store's completion token.
func (u *Uploader) uploadPart(ctx context.Context, src io.ReaderAt, plan haul.PartPlan, totalSize int64, cred haul.PartCredential) (string, error) {
	length := plan.PartLength(cred.PartNumber, totalSize)
	if length <= 0 {
		return "", fmt.Errorf("uploader: part %d has no bytes", cred.PartNumber)
	}
	offset := int64(cred.PartNumber-1) * plan.PartSize

	body := io.NewSectionReader(src, offset, length)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, cred.URL, body)
	if err != nil {
		return "", fmt.Errorf("uploader: building request for part %d: %w", cred.PartNumber, err)
	}
	req.ContentLength = length

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploader: uploading part %d: %w", cred.PartNumber, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("uploader: part %d rejected with status %d", cred.PartNumber, resp.StatusCode)
	}

	token := resp.Header.Get("ETag")
	if token == "" {
		return "", errors.New("uploader: store returned no completion token")
	}
	return token, nil
}
