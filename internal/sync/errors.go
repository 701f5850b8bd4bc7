package sync

import (
	"errors"
	"fmt"
)

// Stage names a step of the sync cycle.
type Stage string

const (
	StageIdle          Stage = "Idle"
	StageLease         Stage = "Lease"
	StageTokenRefresh  Stage = "TokenRefresh"
	StageFetch         Stage = "Fetch"
	StageClassify      Stage = "Classify"
	StageRelevance     Stage = "Relevance"
	StageSummarize     Stage = "Summarize"
	StageMerge         Stage = "Merge"
	StageMetaSummarize Stage = "MetaSummarize"
	StagePersist       Stage = "Persist"
)

var (
	// ErrCycleInProgress is returned when another cycle holds the user's lease.
	ErrCycleInProgress = errors.New("sync cycle already in progress")
	// ErrNoRefreshToken is returned for users without stored credentials.
	ErrNoRefreshToken = errors.New("no refresh token")
)

// AuthError is a token refresh failure.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProviderError is a mailbox listing or fetch failure.
type ProviderError struct {
	Op        string
	MessageID string
	Err       error
}

func (e *ProviderError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("mailbox %s %s: %v", e.Op, e.MessageID, e.Err)
	}
	return fmt.Sprintf("mailbox %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// MalformedResponseError is generation output that does not have the
// required JSON shape.
type MalformedResponseError struct {
	Op     string
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	msg := fmt.Sprintf("malformed %s response: %s", e.Op, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// GenerationError is a transport failure talking to the text-generation
// service, including timeouts.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// PersistenceError is a durable store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CycleError is how every per-user failure leaves the orchestrator.
type CycleError struct {
	UserID string
	Stage  Stage
	Err    error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("sync %s failed at %s: %v", e.UserID, e.Stage, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsMalformed reports whether err is or wraps a *MalformedResponseError.
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}

// StageOf returns the stage recorded in a *CycleError, or StageIdle.
func StageOf(err error) Stage {
	var ce *CycleError
	if errors.As(err, &ce) {
		return ce.Stage
	}
	return StageIdle
}
