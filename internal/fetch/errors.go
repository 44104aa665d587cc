package fetch

import (
	"errors"
	"fmt"
)

// TransportError is a network failure or a 5xx response. It is retried.
type TransportError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// QueryErrorKind classifies why upstream rejected a query.
type QueryErrorKind int

const (
	// KindStatus is a 4xx response other than 429.
	KindStatus QueryErrorKind = iota
	// KindInvalidValue is a validation failure marker in the body.
	KindInvalidValue
	// KindNoMatches is a "no matching" marker in the body.
	KindNoMatches
	// KindRateLimited is a 429 response or the automated-tool notice.
	KindRateLimited
)

func (k QueryErrorKind) String() string {
	switch k {
	case KindInvalidValue:
		return "invalid value"
	case KindNoMatches:
		return "no matches"
	case KindRateLimited:
		return "rate limited"
	default:
		return "status"
	}
}

// QueryError is an upstream rejection of the request itself. Only the
// rate-limited kind is retried.
type QueryError struct {
	URL        string
	StatusCode int
	Kind       QueryErrorKind
	Message    string
}

func (e *QueryError) Error() string {
	msg := fmt.Sprintf("query %s: %s (HTTP %d)", e.URL, e.Kind, e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// IsRateLimited reports whether upstream asked the caller to slow down.
func (e *QueryError) IsRateLimited() bool { return e.Kind == KindRateLimited }

// IsNoMatches reports whether err is a QueryError of kind KindNoMatches.
func IsNoMatches(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe) && qe.Kind == KindNoMatches
}

// retryable reports whether err is worth another attempt.
func retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.IsRateLimited()
	}
	return false
}
