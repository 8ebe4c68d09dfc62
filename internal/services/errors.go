package services

import (
	"errors"
	"fmt"

	"github.com/FernandoVinha/TheManager/internal/services/gitea"
)

var (
	// ErrConfiguration marks failures that need an operator fix before any
	// retry can succeed: a missing repository owner, a missing fork, an
	// unknown role.
	ErrConfiguration = errors.New("configuration error")

	ErrLastOwner         = errors.New("a project must keep at least one owner")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyMember     = errors.New("user is already a member of this project")
	ErrInvalidInput      = errors.New("invalid input")

	// ErrNotReady means a dependency (repository, remote account) has not
	// been synchronised yet. It is retried like a transient network error.
	ErrNotReady = errors.New("dependency not synchronised yet")

	// ErrKeyBusy is returned by a drain that found another holder on the key.
	ErrKeyBusy = errors.New("key is being drained by another worker")

	// ErrLeaseLost means a drain lost its lease mid-delivery. It is a busy key
	// to the queues.
	ErrLeaseLost = fmt.Errorf("lease lost: %w", ErrKeyBusy)
)

// ConfigurationError carries actionable detail about a fatal setup problem.
type ConfigurationError struct {
	Entity string
	ID     uint
	Detail string
}

func (e *ConfigurationError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("%s: %s", e.Entity, e.Detail)
	}
	return fmt.Sprintf("%s %d: %s", e.Entity, e.ID, e.Detail)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

func configErr(entity string, id uint, format string, args ...interface{}) error {
	return &ConfigurationError{Entity: entity, ID: id, Detail: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether retrying err cannot help.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrLastOwner), errors.Is(err, ErrInvalidInput):
		return true
	case errors.Is(err, gitea.ErrAuth), errors.Is(err, gitea.ErrValidation),
		errors.Is(err, gitea.ErrNotFound), errors.Is(err, gitea.ErrConflict):
		return true
	}
	return false
}

// remotePayload extracts the diagnostic body of a remote error for audit
// messages and system logs.
func remotePayload(err error) map[string]interface{} {
	var apiErr *gitea.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Payload()
	}
	return map[string]interface{}{"error": err.Error()}
}
