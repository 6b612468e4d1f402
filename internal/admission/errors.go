package admission

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrQuotaExceeded     = errors.New("rate limit exceeded")
	ErrIPBlocked         = errors.New("ip address is blocked")
	ErrCredentialRevoked = errors.New("credential has been revoked")
	// ErrStoreUnavailable is never surfaced to callers; gates absorb it.
	ErrStoreUnavailable = errors.New("admission store unavailable")
	ErrInvalidInput     = errors.New("invalid input")
)

// Application error codes carried in rejection bodies.
const (
	CodeCredentialRevoked = 1010
	CodeQuotaExceeded     = 7001
	CodeIPBlocked         = 7002
)

// Rejection is a genuine deny produced by one of the gates.
type Rejection struct {
	Err        error
	Status     int
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Err, r.Message)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// QuotaExceeded builds the rejection for a denied sliding window check.
func QuotaExceeded(p Policy, d Decision) *Rejection {
	return &Rejection{
		Err:        ErrQuotaExceeded,
		Status:     http.StatusTooManyRequests,
		Code:       CodeQuotaExceeded,
		Message:    p.RejectMessage(),
		RetryAfter: d.RetryAfter,
	}
}

func IPBlocked() *Rejection {
	return &Rejection{
		Err:     ErrIPBlocked,
		Status:  http.StatusForbidden,
		Code:    CodeIPBlocked,
		Message: "Access from your IP address has been restricted",
	}
}

func CredentialRevoked() *Rejection {
	return &Rejection{
		Err:     ErrCredentialRevoked,
		Status:  http.StatusForbidden,
		Code:    CodeCredentialRevoked,
		Message: "Token is no longer valid, please sign in again",
	}
}

// AsRejection extracts a *Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
