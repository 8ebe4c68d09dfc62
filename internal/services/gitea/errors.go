package gitea

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failed remote call.
type Kind int

const (
	KindTransient Kind = iota
	KindAuth
	KindNotFound
	KindConflict
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	}
	return "transient"
}

// Sentinels for errors.Is. Every *APIError matches exactly one of them.
var (
	ErrAuth       = errors.New("gitea: authentication failed")
	ErrNotFound   = errors.New("gitea: not found")
	ErrConflict   = errors.New("gitea: conflict")
	ErrTransient  = errors.New("gitea: transient network error")
	ErrValidation = errors.New("gitea: validation failed")
)

// APIError is returned by every Client method on failure.
type APIError struct {
	Kind       Kind
	StatusCode int // 0 when no response was received
	Method     string
	Path       string
	Message    string
	Body       json.RawMessage // raw error body when it was JSON
	Err        error           // underlying transport error
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "gitea %s %s", e.Method, e.Path)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Err }

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrValidation:
		return e.Kind == KindValidation
	}
	return false
}

// Payload returns a diagnostic map suitable for an audit message.
func (e *APIError) Payload() map[string]interface{} {
	p := map[string]interface{}{
		"kind":   e.Kind.String(),
		"status": e.StatusCode,
		"method": e.Method,
		"path":   e.Path,
		"error":  e.Message,
	}
	if len(e.Body) > 0 {
		p["body"] = e.Body
	}
	return p
}

// KindOf returns the classification for err, treating anything that is not
// an *APIError as transient.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTransient
}

// IsRetryable reports whether repeating the call may succeed.
func IsRetryable(err error) bool {
	return err != nil && errors.Is(err, ErrTransient)
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return KindTransient
	}
	// 400, 403, 405, 422 and the rest of 4xx
	return KindValidation
}

// newStatusError builds an APIError from a non-2xx response body.
func newStatusError(method, path string, status int, body []byte) *APIError {
	e := &APIError{
		Kind:       kindForStatus(status),
		StatusCode: status,
		Method:     method,
		Path:       path,
	}

	var parsed struct {
		Message string   `json:"message"`
		Errors  []string `json:"errors"`
	}
	trimmed := strings.TrimSpace(string(body))
	if json.Valid(body) && len(trimmed) > 0 {
		e.Body = json.RawMessage(trimmed)
		if err := json.Unmarshal(body, &parsed); err == nil {
			e.Message = parsed.Message
			if e.Message == "" && len(parsed.Errors) > 0 {
				e.Message = strings.Join(parsed.Errors, "; ")
			}
		}
	}
	if e.Message == "" {
		e.Message = trimmed
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
