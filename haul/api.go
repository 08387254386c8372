// Package haul coordinates multipart uploads of very large objects into an
// S3-compatible object store.
//
// Haul owns the control plane only: part sizing, upload session state,
// presigned per-part credentials, and the completion/abort protocol. Object
// bytes never pass through the coordinator; they flow directly between the
// uploading client and the object store.
package haul

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// SessionID uniquely identifies an upload session and is stable for its
// lifetime.
type SessionID string

// SessionState describes where a session is in its lifecycle.
type SessionState string

// Session lifecycle states.
const (
	// StateCreated is the initial state: the session record and the store's
	// multipart upload exist, but no part has been reported.
	StateCreated SessionState = "created"

	// StateInProgress means at least one part completion has been reported.
	StateInProgress SessionState = "in_progress"

	// StateCompleted is terminal: every part was reported and the store
	// assembled the object.
	StateCompleted SessionState = "completed"

	// StateAborted is terminal: the session was discarded and the store's
	// multipart upload cancelled.
	StateAborted SessionState = "aborted"

	// StateFailed is terminal: completion was attempted and the store
	// rejected it, or the session expired before finalization. Bytes may
	// have been transferred but the object was never created; callers
	// should start a new session rather than reuse this one.
	StateFailed SessionState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// Session is the coordinator's record of one multipart upload.
//
// Bucket, Key, TotalSize, PartSize, and PartCount are immutable after
// creation. Parts gains entries only while the session is live and an entry
// is never rewritten with a different token.
type Session struct {
	// ID is the opaque session identifier assigned at creation.
	ID SessionID `json:"id"`

	// Bucket and Key name the target location in the object store.
	Bucket string `json:"bucket"`
	Key    string `json:"key"`

	// UploadID is the object store's identifier for the multipart upload.
	UploadID string `json:"upload_id"`

	// ContentType is forwarded to the store when the upload is created.
	ContentType string `json:"content_type"`

	// Metadata holds optional object metadata recorded at creation.
	Metadata map[string]string `json:"metadata,omitempty"`

	// TotalSize is the object size in bytes. Always > 0.
	TotalSize int64 `json:"total_size"`

	// PartSize is the planned size of every part except possibly the last.
	PartSize int64 `json:"part_size"`

	// PartCount is ceil(TotalSize / PartSize).
	PartCount int32 `json:"part_count"`

	// State is the current lifecycle state.
	State SessionState `json:"state"`

	// Parts maps part number (1..PartCount) to the completion token the
	// object store returned for that part.
	Parts map[int32]string `json:"parts"`

	// StoreError preserves the store's diagnostic when State is failed.
	StoreError string `json:"store_error,omitempty"`

	// CreatedAt and ExpiresAt bound the session's validity. Operations on
	// the session fail closed after ExpiresAt.
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// Version supports optimistic-concurrency updates in session stores.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	out := *s
	if s.Parts != nil {
		out.Parts = make(map[int32]string, len(s.Parts))
		for n, tok := range s.Parts {
			out.Parts[n] = tok
		}
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// AllPartsReported reports whether every part number in [1, PartCount] has a
// recorded completion token.
func (s *Session) AllPartsReported() bool {
	if int32(len(s.Parts)) != s.PartCount {
		return false
	}
	for n := int32(1); n <= s.PartCount; n++ {
		if _, ok := s.Parts[n]; !ok {
			return false
		}
	}
	return true
}

// CompletedParts returns the recorded parts in ascending part-number order,
// the order the object store requires for assembly.
func (s *Session) CompletedParts() []CompletedPart {
	parts := make([]CompletedPart, 0, len(s.Parts))
	for n := int32(1); n <= s.PartCount; n++ {
		if tok, ok := s.Parts[n]; ok {
			parts = append(parts, CompletedPart{PartNumber: n, Token: tok})
		}
	}
	return parts
}

// Location returns the object's location as "bucket/key".
func (s *Session) Location() string {
	return s.Bucket + "/" + s.Key
}

// CompletedPart pairs a part number with the completion token the object
// store returned for it.
type CompletedPart struct {
	PartNumber int32  `json:"part_number"`
	Token      string `json:"token"`
}

// PartCredential is a time-boxed grant allowing a client to upload exactly
// one numbered part without holding long-lived credentials.
type PartCredential struct {
	PartNumber int32     `json:"part_number"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// CreateRequest describes a new upload session.
type CreateRequest struct {
	Bucket      string
	Key         string
	TotalSize   int64
	ContentType string
	Metadata    map[string]string
}

// CreateResult is returned from Coordinator.Create.
type CreateResult struct {
	// Session is a snapshot of the freshly created session.
	Session *Session

	// Credentials holds one upload credential per part, ascending by part
	// number.
	Credentials []PartCredential
}

// CompleteResult is returned from a successful Coordinator.Complete.
type CompleteResult struct {
	State SessionState

	// Location is where the assembled object lives, as reported by the
	// store (falling back to "bucket/key").
	Location string
}

// -----------------------------------------------------------------------------
// ObjectStore interface
// -----------------------------------------------------------------------------

// ObjectStore abstracts the object store's multipart-upload control plane.
//
// Implementations target S3 or any store offering equivalent primitives.
// Part bytes are out of scope; clients transfer them directly using
// credentials from a Signer.
type ObjectStore interface {
	// CreateUpload starts a multipart upload and returns the store's
	// upload identifier.
	CreateUpload(ctx context.Context, bucket, key, contentType string, metadata map[string]string) (string, error)

	// CompleteUpload assembles the uploaded parts into the final object.
	// Parts must be ascending and contiguous by part number. Returns the
	// object's location.
	CompleteUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) (string, error)

	// AbortUpload cancels a multipart upload and releases any transferred
	// part bytes. Must be idempotent: aborting an upload the store has
	// already cleaned up succeeds.
	AbortUpload(ctx context.Context, bucket, key, uploadID string) error

	// ObjectExists checks whether the assembled object is present.
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)
}

// Signer issues presigned, single-operation upload credentials.
//
// Re-issuing a credential for a part is always permitted and does not
// invalidate credentials previously issued for other parts.
type Signer interface {
	// PresignUploadPart returns a credential allowing one HTTP PUT of the
	// given part number, valid for the given duration.
	PresignUploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, expires time.Duration) (PartCredential, error)
}

// -----------------------------------------------------------------------------
// SessionStore interface
// -----------------------------------------------------------------------------

// SessionStore persists session records keyed by session ID.
//
// Update is version-checked so multi-instance deployments can rely on
// optimistic concurrency instead of in-process locking.
type SessionStore interface {
	// Put stores a new session. Returns ErrSessionExists if the ID is
	// already present.
	Put(ctx context.Context, s *Session) error

	// Get returns a copy of the session, or ErrSessionNotFound.
	Get(ctx context.Context, id SessionID) (*Session, error)

	// Update replaces the stored session if s.Version matches the stored
	// version, then increments s.Version. Returns ErrVersionConflict on a
	// stale version and ErrSessionNotFound for unknown IDs.
	Update(ctx context.Context, s *Session) error

	// List returns the IDs of all stored sessions.
	List(ctx context.Context) ([]SessionID, error)

	// Delete removes the session if present (idempotent).
	Delete(ctx context.Context, id SessionID) error
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrSessionNotFound indicates the session ID is unknown.
	ErrSessionNotFound = errSessionNotFound{}

	// ErrSessionExists indicates a Put for an already-stored session ID.
	ErrSessionExists = errSessionExists{}

	// ErrInvalidState indicates an operation attempted on a session whose
	// state does not permit it (terminal, expired, or incomplete).
	ErrInvalidState = errInvalidState{}

	// ErrSessionExpired indicates the session is past its expiry. Matches
	// ErrInvalidState under errors.Is so callers may treat both alike.
	ErrSessionExpired = errSessionExpired{}

	// ErrPartConflict indicates a part number was re-reported with a
	// different completion token than the one already recorded.
	ErrPartConflict = errPartConflict{}

	// ErrInvalidPart indicates a part number outside [1, PartCount] or a
	// missing completion token.
	ErrInvalidPart = errInvalidPart{}

	// ErrVersionConflict indicates a version-checked Update lost the race.
	ErrVersionConflict = errVersionConflict{}
)

// ErrInvalidTarget indicates a create request without a bucket or key.
var ErrInvalidTarget = errors.New("haul: bucket and key are required")

type errSessionNotFound struct{}

func (errSessionNotFound) Error() string { return "session not found" }

type errSessionExists struct{}

func (errSessionExists) Error() string { return "session exists" }

type errInvalidState struct{}

func (errInvalidState) Error() string { return "invalid session state" }

type errSessionExpired struct{}

func (errSessionExpired) Error() string { return "session expired" }

// Is folds expiry into the invalid-state class: operations on an expired
// session fail closed exactly like operations on a terminal one.
func (errSessionExpired) Is(target error) bool { return target == ErrInvalidState }

type errPartConflict struct{}

func (errPartConflict) Error() string { return "part already recorded with a different token" }

type errInvalidPart struct{}

func (errInvalidPart) Error() string { return "invalid part" }

type errVersionConflict struct{}

func (errVersionConflict) Error() string { return "session version conflict" }

// StoreError wraps a rejection from the object store, preserving the store's
// diagnostic code for callers and logs.
type StoreError struct {
	// Op is the coordinator operation that failed: "create", "presign",
	// "complete", or "abort".
	Op string

	// Code is the store's error code when one was provided (for example
	// "NoSuchUpload" or "InvalidPart").
	Code string

	// Err is the underlying store error.
	Err error
}

func (e *StoreError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("haul: %s: store rejected operation (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("haul: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
