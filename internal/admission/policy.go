// Package admission holds the request admission model shared by the gates:
// rate limit policies, key construction, decisions and rejection errors.
package admission

import (
	"fmt"
	"math"
	"time"
)

// Dimension is the identity axis a policy counts against.
type Dimension int

const (
	DimensionIP Dimension = iota
	DimensionIdentity
	DimensionIPAndEndpoint
)

// Tag returns the key segment used for the dimension.
func (d Dimension) Tag() string {
	switch d {
	case DimensionIdentity:
		return "user"
	case DimensionIPAndEndpoint:
		return "ip_api"
	default:
		return "ip"
	}
}

func (d Dimension) String() string {
	switch d {
	case DimensionIdentity:
		return "IDENTITY"
	case DimensionIPAndEndpoint:
		return "IP_AND_ENDPOINT"
	default:
		return "IP"
	}
}

const DefaultRejectMessage = "Too many requests, please try again later"

// Policy is attached to a route when it is registered and never changes afterwards.
type Policy struct {
	MaxRequests int
	Window      time.Duration
	Dimension   Dimension
	// KeyPrefix replaces the endpoint signature in the key, grouping routes
	// under one counter (e.g. "login").
	KeyPrefix string
	Message   string
}

// Validate reports whether the policy can be enforced.
func (p Policy) Validate() error {
	if p.MaxRequests <= 0 {
		return fmt.Errorf("max requests must be positive, got %d", p.MaxRequests)
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", p.Window)
	}
	return nil
}

// RejectMessage returns the operator supplied message or the default one.
func (p Policy) RejectMessage() string {
	if p.Message == "" {
		return DefaultRejectMessage
	}
	return p.Message
}

// ResetSeconds is the window length in whole seconds, rounded up.
func (p Policy) ResetSeconds() int64 {
	return int64(math.Ceil(p.Window.Seconds()))
}

// Decision is the outcome of one sliding window check.
type Decision struct {
	Allowed   bool
	Limit     int
	Count     int
	Remaining int
	Window    time.Duration
	// RetryAfter is the time until the oldest counted entry leaves the window.
	// Only set when the request was denied.
	RetryAfter time.Duration
	// Degraded marks a fail-open decision taken because the store failed.
	Degraded bool
}

// ResetSeconds is the value surfaced in X-RateLimit-Reset.
func (d Decision) ResetSeconds() int64 {
	return int64(math.Ceil(d.Window.Seconds()))
}

// FailOpen builds the decision used when the counting store cannot be reached.
func FailOpen(p Policy) Decision {
	return Decision{
		Allowed:   true,
		Limit:     p.MaxRequests,
		Remaining: p.MaxRequests,
		Window:    p.Window,
		Degraded:  true,
	}
}
