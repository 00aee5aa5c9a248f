// Package ccerrors is the council proxy's error taxonomy (spec §7),
// following core.FrameworkError's sentinel-plus-wrapper pattern exactly:
// a fixed set of sentinel errors compared with errors.Is, wrapped in a
// CouncilError carrying operation/member/message context.
package ccerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per §7 taxonomy kind.
var (
	ErrAuthError           = errors.New("authentication failed")
	ErrRateLimit           = errors.New("rate limited")
	ErrServiceUnavailable  = errors.New("service unavailable")
	ErrTimeout             = errors.New("operation timed out")
	ErrNetworkError        = errors.New("network error")
	ErrValidation          = errors.New("validation failed")
	ErrBudgetExceeded      = errors.New("budget exceeded")
	ErrNoSurvivors         = errors.New("no surviving member responses")
	ErrDeadlock            = errors.New("negotiation deadlocked")
	ErrEmbeddingFailure    = errors.New("embedding service failed")
	ErrIdempotencyConflict = errors.New("idempotency key already exists")
	ErrInsufficientCouncil = errors.New("insufficient council size")
	ErrKeyAlreadyExists    = errors.New("key already exists")
	ErrRequestNoLongerInCache = errors.New("request no longer in cache")
	ErrWaitTimeout         = errors.New("wait for completion timed out")
)

// Kind names the §7 taxonomy entry a CouncilError belongs to.
type Kind string

const (
	KindAuthError           Kind = "AuthError"
	KindRateLimit           Kind = "RateLimit"
	KindServiceUnavailable  Kind = "ServiceUnavailable"
	KindTimeout             Kind = "Timeout"
	KindNetworkError        Kind = "NetworkError"
	KindValidationError     Kind = "ValidationError"
	KindBudgetExceeded      Kind = "BudgetExceeded"
	KindNoSurvivorsError    Kind = "NoSurvivorsError"
	KindDeadlockError       Kind = "DeadlockError"
	KindEmbeddingFailure    Kind = "EmbeddingFailure"
	KindIdempotencyConflict Kind = "IdempotencyConflict"
	KindInsufficientCouncil Kind = "InsufficientCouncil"
)

// CouncilError carries structured context around a sentinel, mirroring
// core.FrameworkError{Op,Kind,ID,Message,Err}.
type CouncilError struct {
	Op       string // operation that failed, e.g. "orchestrator.Execute"
	Kind     Kind
	MemberID string // optional, the council member involved
	Message  string
	Err      error
}

func (e *CouncilError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.MemberID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.MemberID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *CouncilError) Unwrap() error {
	return e.Err
}

// New constructs a CouncilError. If err is nil, the kind's own sentinel is
// used so errors.Is(result, Sentinel(kind)) always holds.
func New(op string, kind Kind, memberID, message string, err error) *CouncilError {
	if err == nil {
		err = Sentinel(kind)
	}
	return &CouncilError{Op: op, Kind: kind, MemberID: memberID, Message: message, Err: err}
}

// Sentinel returns the sentinel error associated with a Kind, for
// constructing a CouncilError whose Err should wrap the right sentinel.
func Sentinel(k Kind) error {
	switch k {
	case KindAuthError:
		return ErrAuthError
	case KindRateLimit:
		return ErrRateLimit
	case KindServiceUnavailable:
		return ErrServiceUnavailable
	case KindTimeout:
		return ErrTimeout
	case KindNetworkError:
		return ErrNetworkError
	case KindValidationError:
		return ErrValidation
	case KindBudgetExceeded:
		return ErrBudgetExceeded
	case KindNoSurvivorsError:
		return ErrNoSurvivors
	case KindDeadlockError:
		return ErrDeadlock
	case KindEmbeddingFailure:
		return ErrEmbeddingFailure
	case KindIdempotencyConflict:
		return ErrIdempotencyConflict
	case KindInsufficientCouncil:
		return ErrInsufficientCouncil
	default:
		return nil
	}
}

// IsRetryable reports whether err (a CouncilError or one of its
// sentinels) is retryable at the per-call provider layer (§7's "Retried?"
// column). RateLimit, ServiceUnavailable, Timeout and NetworkError are the
// only retryable kinds; everything else is fatal at the point it occurs.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetworkError)
}

// IsFatal reports whether err is request-fatal: it should be cached under
// the idempotency key as `failed` rather than absorbed and retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNoSurvivors) ||
		errors.Is(err, ErrBudgetExceeded) ||
		errors.Is(err, ErrInsufficientCouncil) ||
		errors.Is(err, ErrIdempotencyConflict) ||
		errors.Is(err, ErrValidation)
}

// IsDegraded reports whether err reflects synthesizer degradation that
// should be reflected on the decision (confidence, fallbackReason) rather
// than surfaced as a request failure (§7).
func IsDegraded(err error) bool {
	return errors.Is(err, ErrDeadlock) || errors.Is(err, ErrEmbeddingFailure)
}
