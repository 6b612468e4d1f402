package admission

import (
	"testing"
	"time"
)

func TestBuildKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy Policy
		id     RequestIdentity
		want   string
	}{
		{
			name:   "ip with prefix override",
			policy: Policy{MaxRequests: 5, Window: time.Minute, Dimension: DimensionIP, KeyPrefix: "login"},
			id:     RequestIdentity{IP: "1.2.3.4", Endpoint: "POST /api/auth/login"},
			want:   "ratelimit:ip:1.2.3.4:login",
		},
		{
			name:   "ip and endpoint uses route signature",
			policy: Policy{MaxRequests: 60, Window: time.Minute, Dimension: DimensionIPAndEndpoint},
			id:     RequestIdentity{IP: "10.0.0.1", Endpoint: "GET /api/articles/{id}"},
			want:   "ratelimit:ip_api:10.0.0.1:GET /api/articles/{id}",
		},
		{
			name:   "identity with subject",
			policy: Policy{MaxRequests: 10, Window: time.Minute, Dimension: DimensionIdentity},
			id:     RequestIdentity{IP: "10.0.0.1", Subject: "42", Endpoint: "POST /api/comments"},
			want:   "ratelimit:user:42:POST /api/comments",
		},
		{
			name:   "identity without subject falls back to anonymous ip",
			policy: Policy{MaxRequests: 10, Window: time.Minute, Dimension: DimensionIdentity},
			id:     RequestIdentity{IP: "10.0.0.1", Endpoint: "POST /api/comments"},
			want:   "ratelimit:user:anonymous:10.0.0.1:POST /api/comments",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := BuildKey(tt.policy, tt.id); got != tt.want {
				t.Errorf("BuildKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildKey_Deterministic(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRequests: 1, Window: time.Second, Dimension: DimensionIPAndEndpoint}
	id := RequestIdentity{IP: "192.168.1.7", Endpoint: "GET /x"}

	first := BuildKey(p, id)
	for i := 0; i < 100; i++ {
		if got := BuildKey(p, id); got != first {
			t.Fatalf("BuildKey() changed between calls: %q vs %q", first, got)
		}
	}
}

func TestEndpointSignature(t *testing.T) {
	t.Parallel()

	if got := EndpointSignature("GET", "/api/articles/{id}", "/api/articles/9"); got != "GET /api/articles/{id}" {
		t.Errorf("EndpointSignature() = %q", got)
	}
	if got := EndpointSignature("POST", "", "/raw"); got != "POST /raw" {
		t.Errorf("EndpointSignature() fallback = %q", got)
	}
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	if err := (Policy{MaxRequests: 0, Window: time.Second}).Validate(); err == nil {
		t.Error("expected error for zero max requests")
	}
	if err := (Policy{MaxRequests: 1}).Validate(); err == nil {
		t.Error("expected error for zero window")
	}
	if err := (Policy{MaxRequests: 1, Window: time.Second}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPolicyResetSeconds(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRequests: 1, Window: 1500 * time.Millisecond}
	if got := p.ResetSeconds(); got != 2 {
		t.Errorf("ResetSeconds() = %d, want 2", got)
	}
}
