package haul

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default lifetimes for sessions and presigned credentials.
const (
	// DefaultSessionTTL bounds how long a session accepts operations.
	// Sized for terabyte-scale uploads over slow links.
	DefaultSessionTTL = 24 * time.Hour

	// DefaultCredentialTTL bounds each presigned part credential.
	DefaultCredentialTTL = time.Hour
)

// Config carries coordinator construction options. The zero value selects
// defaults for every field.
type Config struct {
	// SessionTTL is how long a new session remains valid for operations.
	SessionTTL time.Duration

	// CredentialTTL is the lifetime of each presigned part credential.
	// Credentials are always clamped so they never outlive the session.
	CredentialTTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Coordinator owns upload-session lifecycles.
//
// It is stateless per request and safe for concurrent use: many sessions,
// and many concurrent part reports for one session, may proceed at once.
// Mutations to a single session are serialized by a per-session lock so a
// completion always observes a consistent part set.
type Coordinator struct {
	objects  ObjectStore
	signer   Signer
	sessions SessionStore

	sessionTTL    time.Duration
	credentialTTL time.Duration
	now           func() time.Time

	mu    sync.Mutex
	locks map[SessionID]*sync.Mutex
}

// New creates a Coordinator over the given object store, signer, and
// session store.
func New(objects ObjectStore, signer Signer, sessions SessionStore, cfg Config) (*Coordinator, error) {
	if objects == nil {
		return nil, errors.New("haul: object store is required")
	}
	if signer == nil {
		return nil, errors.New("haul: signer is required")
	}
	if sessions == nil {
		return nil, errors.New("haul: session store is required")
	}

	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.CredentialTTL <= 0 {
		cfg.CredentialTTL = DefaultCredentialTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Coordinator{
		objects:       objects,
		signer:        signer,
		sessions:      sessions,
		sessionTTL:    cfg.SessionTTL,
		credentialTTL: cfg.CredentialTTL,
		now:           cfg.Now,
		locks:         make(map[SessionID]*sync.Mutex),
	}, nil
}

// Create plans part sizing, starts a multipart upload in the object store,
// persists a new session, and issues one upload credential per part.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.Bucket == "" || req.Key == "" {
		return nil, ErrInvalidTarget
	}

	plan, err := PlanParts(req.TotalSize)
	if err != nil {
		return nil, err
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	uploadID, err := c.objects.CreateUpload(ctx, req.Bucket, req.Key, contentType, req.Metadata)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	session := &Session{
		ID:          SessionID(uuid.NewString()),
		Bucket:      req.Bucket,
		Key:         req.Key,
		UploadID:    uploadID,
		ContentType: contentType,
		Metadata:    req.Metadata,
		TotalSize:   req.TotalSize,
		PartSize:    plan.PartSize,
		PartCount:   plan.PartCount,
		State:       StateCreated,
		Parts:       make(map[int32]string),
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.sessionTTL),
	}

	if err := c.sessions.Put(ctx, session); err != nil {
		c.abortUploadBestEffort(session)
		return nil, fmt.Errorf("haul: persisting session: %w", err)
	}

	creds := make([]PartCredential, 0, plan.PartCount)
	for n := int32(1); n <= plan.PartCount; n++ {
		cred, err := c.presignPart(ctx, session, n)
		if err != nil {
			c.abortUploadBestEffort(session)
			_ = c.sessions.Delete(ctx, session.ID)
			return nil, err
		}
		creds = append(creds, cred)
	}

	return &CreateResult{Session: session.Clone(), Credentials: creds}, nil
}

// Get returns a snapshot of the session.
func (c *Coordinator) Get(ctx context.Context, id SessionID) (*Session, error) {
	return c.sessions.Get(ctx, id)
}

// ReportPart records the completion token the object store returned for one
// transferred part.
//
// The first report moves the session from created to in_progress. Reporting
// the same (part, token) pair again is a no-op; reporting a different token
// for an already-recorded part returns ErrPartConflict and retains the
// original token.
func (c *Coordinator) ReportPart(ctx context.Context, id SessionID, partNumber int32, token string) (SessionState, error) {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return "", err
	}

	// Idempotent re-report of an already-recorded token is a no-op in any
	// state, terminal and expired included.
	if recorded, ok := s.Parts[partNumber]; ok {
		if recorded == token {
			return s.State, nil
		}
		if s.State.Terminal() {
			return s.State, ErrInvalidState
		}
		if s.Expired(c.now()) {
			return s.State, ErrSessionExpired
		}
		return s.State, ErrPartConflict
	}

	if s.State.Terminal() {
		return s.State, ErrInvalidState
	}
	if s.Expired(c.now()) {
		return s.State, ErrSessionExpired
	}
	if partNumber < 1 || partNumber > s.PartCount {
		return s.State, fmt.Errorf("haul: part %d out of range [1, %d]: %w", partNumber, s.PartCount, ErrInvalidPart)
	}
	if token == "" {
		return s.State, fmt.Errorf("haul: completion token is required: %w", ErrInvalidPart)
	}

	s.Parts[partNumber] = token
	if s.State == StateCreated {
		s.State = StateInProgress
	}

	if err := c.sessions.Update(ctx, s); err != nil {
		return "", fmt.Errorf("haul: recording part %d: %w", partNumber, err)
	}
	return s.State, nil
}

// ReissuePartCredential returns a fresh upload credential for one part,
// for clients whose earlier credential expired or whose transfer failed.
// Previously issued credentials for other parts remain valid.
func (c *Coordinator) ReissuePartCredential(ctx context.Context, id SessionID, partNumber int32) (PartCredential, error) {
	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return PartCredential{}, err
	}
	if s.State.Terminal() {
		return PartCredential{}, ErrInvalidState
	}
	if s.Expired(c.now()) {
		return PartCredential{}, ErrSessionExpired
	}
	if partNumber < 1 || partNumber > s.PartCount {
		return PartCredential{}, fmt.Errorf("haul: part %d out of range [1, %d]: %w", partNumber, s.PartCount, ErrInvalidPart)
	}
	return c.presignPart(ctx, s, partNumber)
}

// Complete finalizes the session against the object store.
//
// Every part number in [1, PartCount] must have a recorded token; the token
// list is sent ascending, the order the store requires for assembly. Store
// success transitions the session to completed. Store rejection transitions
// it to failed with the diagnostic preserved; the caller should start a new
// session rather than retry this one.
func (c *Coordinator) Complete(ctx context.Context, id SessionID) (*CompleteResult, error) {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.State.Terminal() {
		return nil, ErrInvalidState
	}
	if s.Expired(c.now()) {
		return nil, ErrSessionExpired
	}
	if s.State != StateInProgress || !s.AllPartsReported() {
		return nil, fmt.Errorf("haul: %d of %d parts reported: %w", len(s.Parts), s.PartCount, ErrInvalidState)
	}

	location, storeErr := c.objects.CompleteUpload(ctx, s.Bucket, s.Key, s.UploadID, s.CompletedParts())
	if storeErr != nil {
		s.State = StateFailed
		s.StoreError = storeErr.Error()
		if err := c.sessions.Update(ctx, s); err != nil {
			return nil, fmt.Errorf("haul: recording failed completion (%v): %w", storeErr, err)
		}
		c.forgetLock(id)
		return nil, storeErr
	}

	if location == "" {
		location = s.Location()
	}
	s.State = StateCompleted
	if err := c.sessions.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("haul: recording completion: %w", err)
	}
	c.forgetLock(id)

	return &CompleteResult{State: StateCompleted, Location: location}, nil
}

// Abort discards the session and cancels the store's multipart upload,
// releasing any transferred part bytes.
//
// Valid from created, in_progress, and failed. Aborting an already-aborted
// session is a no-op so callers can safely retry. If the store rejects the
// abort the session keeps its prior state and the abort may be retried.
func (c *Coordinator) Abort(ctx context.Context, id SessionID) (SessionState, error) {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return "", err
	}

	switch s.State {
	case StateAborted:
		return StateAborted, nil
	case StateCompleted:
		// The object exists; removing it is a delete, not an abort.
		return s.State, ErrInvalidState
	}

	if err := c.objects.AbortUpload(ctx, s.Bucket, s.Key, s.UploadID); err != nil {
		return s.State, err
	}

	s.State = StateAborted
	if err := c.sessions.Update(ctx, s); err != nil {
		return s.State, fmt.Errorf("haul: recording abort: %w", err)
	}
	c.forgetLock(id)

	return StateAborted, nil
}

// SweepExpired fails every expired, non-terminal session and best-effort
// aborts its store upload. The object store's own incomplete-upload expiry
// runs independently, so abort failures here are ignored; the local record
// still transitions so later operations fail closed.
//
// Returns the number of sessions transitioned.
func (c *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	ids, err := c.sessions.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("haul: listing sessions: %w", err)
	}

	swept := 0
	for _, id := range ids {
		lock := c.lockFor(id)
		lock.Lock()

		s, err := c.sessions.Get(ctx, id)
		if err != nil || s.State.Terminal() || !s.Expired(c.now()) {
			lock.Unlock()
			continue
		}

		c.abortUploadBestEffort(s)
		s.State = StateFailed
		s.StoreError = "session expired before completion"
		if err := c.sessions.Update(ctx, s); err != nil {
			lock.Unlock()
			return swept, fmt.Errorf("haul: failing expired session %s: %w", id, err)
		}
		swept++

		lock.Unlock()
		c.forgetLock(id)
	}
	return swept, nil
}

// presignPart issues a credential for one part, clamped so it never outlives
// the session.
func (c *Coordinator) presignPart(ctx context.Context, s *Session, partNumber int32) (PartCredential, error) {
	ttl := c.credentialTTL
	if remaining := s.ExpiresAt.Sub(c.now()); remaining < ttl {
		ttl = remaining
	}
	return c.signer.PresignUploadPart(ctx, s.Bucket, s.Key, s.UploadID, partNumber, ttl)
}

// abortUploadBestEffort cancels the store upload during cleanup paths.
// Uses a background context so cleanup proceeds even if the request's
// context was already canceled.
func (c *Coordinator) abortUploadBestEffort(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = c.objects.AbortUpload(ctx, s.Bucket, s.Key, s.UploadID)
}

// lockFor returns the mutex serializing mutations of one session.
func (c *Coordinator) lockFor(id SessionID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

// forgetLock drops the per-session mutex once the session is terminal.
// A goroutine acquiring a fresh mutex for the same ID afterwards observes
// the terminal state and fails closed, so the handover is safe.
func (c *Coordinator) forgetLock(id SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, id)
}
