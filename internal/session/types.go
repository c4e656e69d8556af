// Package session implements the per-user conversation state machine.
// All event handling for one user is serialized behind a logical lock;
// the storage contract's optimistic versioning is the backstop against
// lost updates, not the primary mechanism.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State identifies a conversation step.
type State string

const (
	// StateIdle is the implicit state for users that were never seen.
	StateIdle State = "idle"
	// StateNavigating means normal menu traversal.
	StateNavigating State = "navigating"
	// StateAwaitingMedia means a media-consuming action was selected and the
	// machine is waiting for a submission or for a queued job to finish.
	StateAwaitingMedia State = "awaiting_media"
	// StateError marks an unreconcilable session; only Cancel recovers it.
	StateError State = "error"
)

var (
	// ErrInvalidInput marks user-recoverable mistakes: bad menu selections and
	// out-of-state events. The session is never mutated on this error.
	ErrInvalidInput = errors.New("session: invalid input")
	// ErrNotFound is returned by Store.LoadSession for unseen users.
	ErrNotFound = errors.New("session: not found")
	// ErrVersionConflict signals a lost optimistic-versioning race on save.
	ErrVersionConflict = errors.New("session: version conflict")
	// ErrCorrupted marks a session stuck in the error state.
	ErrCorrupted = errors.New("session: corrupted state")
)

// Session is the durable per-user conversation record.
type Session struct {
	UserID      int64     `db:"user_id"`
	State       State     `db:"state"`
	CurrentNode string    `db:"current_node"`
	History     []string  `db:"-"`
	// PendingJobID is set while a media job is outstanding. A non-empty value
	// implies StateAwaitingMedia; the reverse does not hold while the machine
	// waits for the media submission itself.
	PendingJobID string `db:"pending_job_id"`
	// ActionTarget is the node reached after the pending media action succeeds.
	ActionTarget string `db:"action_target"`
	// LastEventKey and LastReply make redelivered events idempotent: replaying
	// the identical event from the same state returns the cached reply without
	// further mutation. The key carries the state the event was applied in, so
	// an identical choice made after the session moved on applies normally.
	LastEventKey string    `db:"last_event_key"`
	LastReply    *Reply    `db:"-"`
	Version      int64     `db:"version"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// New returns the default session for a first-time user.
func New(userID int64) *Session {
	return &Session{UserID: userID, State: StateIdle}
}

// Clone returns a deep copy so apply steps never alias stored state.
func (s *Session) Clone() *Session {
	cp := *s
	cp.History = append([]string(nil), s.History...)
	if s.LastReply != nil {
		r := *s.LastReply
		r.Options = append([]string(nil), s.LastReply.Options...)
		cp.LastReply = &r
	}
	return &cp
}

// Reply is the transport-agnostic answer handed back to the dispatcher.
type Reply struct {
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// Event is an inbound conversation event.
type Event interface {
	// Fingerprint identifies the event for duplicate-delivery detection.
	Fingerprint() string
}

// SelectOption picks a menu option by its label or 1-based index.
type SelectOption struct {
	Choice string
}

// Fingerprint implements Event.
func (e SelectOption) Fingerprint() string { return "select:" + e.Choice }

// SubmitMedia hands over an opaque reference to submitted media.
type SubmitMedia struct {
	InputRef string
}

// Fingerprint implements Event.
func (e SubmitMedia) Fingerprint() string { return "media:" + e.InputRef }

// Back pops one entry from the navigation history.
type Back struct{}

// Fingerprint implements Event.
func (Back) Fingerprint() string { return "back" }

// Cancel aborts a pending job or resets navigation to root.
type Cancel struct{}

// Fingerprint implements Event.
func (Cancel) Fingerprint() string { return "cancel" }

// Store is the persistence contract the machine depends on.
// SaveSession performs a compare-and-swap on Session.Version and returns
// ErrVersionConflict when the stored version moved underneath the caller.
type Store interface {
	LoadSession(ctx context.Context, userID int64) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
}

// Submitter enqueues media work. Submit fails fast with the pipeline's
// resource-exhausted error when the queue is saturated; Cancel is best-effort.
type Submitter interface {
	Submit(ctx context.Context, userID int64, inputRef string) (string, error)
	Cancel(jobID string) bool
}

// JobResult describes a finished media job delivered back into the machine.
type JobResult struct {
	JobID     string
	OutputRef string
	Err       string
}

// OK reports whether the job succeeded.
func (r JobResult) OK() bool { return r.Err == "" }

func lockKey(userID int64) string {
	return fmt.Sprintf("session:%d", userID)
}
