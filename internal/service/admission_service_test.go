package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"admission-service/internal/admission"
	"admission-service/internal/config"
	"admission-service/internal/events"
	"admission-service/internal/hashing"
	"admission-service/internal/metrics"
	redisrepo "admission-service/internal/repository/redis"
)

var errStoreDown = fmt.Errorf("%w: connection refused", admission.ErrStoreUnavailable)

// fakeLimiter counts calls per key and admits up to the policy limit.
type fakeLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{counts: map[string]int{}}
}

func (f *fakeLimiter) Allow(_ context.Context, key string, p admission.Policy) (admission.Decision, error) {
	if err := p.Validate(); err != nil {
		return admission.Decision{}, fmt.Errorf("%w: %v", admission.ErrInvalidInput, err)
	}
	if f.err != nil {
		return admission.FailOpen(p), f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.counts[key]++
	n := f.counts[key]
	d := admission.Decision{Limit: p.MaxRequests, Count: min(n, p.MaxRequests), Window: p.Window}
	if n <= p.MaxRequests {
		d.Allowed = true
		d.Remaining = p.MaxRequests - n
		return d, nil
	}
	d.RetryAfter = p.Window / 2
	return d, nil
}

func (f *fakeLimiter) Reset(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.counts[key]
	delete(f.counts, key)
	return ok, nil
}

type tempBan struct {
	ip       string
	duration time.Duration
	reason   string
}

type fakeReputation struct {
	blocked map[string]bool
	err     error
	bans    []tempBan
}

func (f *fakeReputation) IsBlocked(_ context.Context, ip string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.blocked[ip], nil
}

func (f *fakeReputation) BanTemporary(_ context.Context, ip string, d time.Duration, reason string) error {
	f.bans = append(f.bans, tempBan{ip: ip, duration: d, reason: reason})
	return nil
}

type fakeRevocations struct {
	revoked map[string]bool
	err     error
	calls   int
}

func (f *fakeRevocations) IsRevoked(_ context.Context, tokenHash string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.revoked[tokenHash], nil
}

type fakeRecorder struct {
	events []redisrepo.DenialEvent
	err    error
}

func (f *fakeRecorder) RecordDenial(_ context.Context, key, ip string) (redisrepo.DenialEvent, error) {
	ev := redisrepo.DenialEvent{ID: fmt.Sprintf("ev-%d", len(f.events)+1), Timestamp: time.Now(), Key: key, IP: ip}
	if f.err != nil {
		return ev, f.err
	}
	f.events = append(f.events, ev)
	return ev, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	msgs   []events.Message
	err    error
	closed bool
}

func (p *recordingPublisher) Publish(_ context.Context, msg events.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.err
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return nil
}

type admissionFixture struct {
	svc         *AdmissionService
	limiter     *fakeLimiter
	reputation  *fakeReputation
	revocations *fakeRevocations
	recorder    *fakeRecorder
	publisher   *recordingPublisher
	hasher      *hashing.Hasher
	metrics     *metrics.Metrics
}

func newAdmissionFixture(t *testing.T, esc config.EscalationConfig) *admissionFixture {
	t.Helper()

	hasher, err := hashing.NewHasherWithPepper("test-pepper")
	if err != nil {
		t.Fatalf("NewHasherWithPepper: %v", err)
	}
	f := &admissionFixture{
		limiter:     newFakeLimiter(),
		reputation:  &fakeReputation{blocked: map[string]bool{}},
		revocations: &fakeRevocations{revoked: map[string]bool{}},
		recorder:    &fakeRecorder{},
		publisher:   &recordingPublisher{},
		hasher:      hasher,
		metrics:     metrics.New(prometheus.NewRegistry()),
	}
	f.svc = NewAdmissionService(f.limiter, f.reputation, f.revocations, f.recorder,
		f.publisher, hasher, f.metrics, esc, zap.NewNop())
	return f
}

var loginPolicy = admission.Policy{
	MaxRequests: 5,
	Window:      time.Minute,
	Dimension:   admission.DimensionIP,
	KeyPrefix:   "login",
	Message:     "Too many login attempts",
}

func TestCheckIP(t *testing.T) {
	f := newAdmissionFixture(t, config.EscalationConfig{})
	f.reputation.blocked["10.0.0.9"] = true
	ctx := context.Background()

	if err := f.svc.CheckIP(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("CheckIP(clean) = %v, want nil", err)
	}

	err := f.svc.CheckIP(ctx, "10.0.0.9")
	rej, ok := admission.AsRejection(err)
	if !ok {
		t.Fatalf("CheckIP(blocked) = %v, want rejection", err)
	}
	if rej.Status != http.StatusForbidden || rej.Code != admission.CodeIPBlocked {
		t.Errorf("rejection = %d/%d, want 403/%d", rej.Status, rej.Code, admission.CodeIPBlocked)
	}
	if !errors.Is(err, admission.ErrIPBlocked) {
		t.Errorf("errors.Is(err, ErrIPBlocked) = false")
	}

	if got := testutil.ToFloat64(f.metrics.Decisions.WithLabelValues(metrics.GateIP, metrics.ResultDeny)); got != 1 {
		t.Errorf("deny decisions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.Decisions.WithLabelValues(metrics.GateIP, metrics.ResultAdmit)); got != 1 {
		t.Errorf("admit decisions = %v, want 1", got)
	}
}

func TestCheckIPFailsOpen(t *testing.T) {
	f := newAdmissionFixture(t, config.EscalationConfig{})
	f.reputation.err = errStoreDown

	if err := f.svc.CheckIP(context.Background(), "10.0.0.9"); err != nil {
		t.Fatalf("CheckIP with store down = %v, want nil", err)
	}
	if got := testutil.ToFloat64(f.metrics.StoreErrors.WithLabelValues(metrics.GateIP)); got != 1 {
		t.Errorf("store errors = %v, want 1", got)
	}
}

func TestCheckCredential(t *testing.T) {
	f := newAdmissionFixture(t, config.EscalationConfig{})
	f.revocations.revoked[f.hasher.HashToken("revoked-token")] = true
	ctx := context.Background()

	if err := f.svc.CheckCredential(ctx, ""); err != nil {
		t.Fatalf("CheckCredential(empty) = %v, want nil", err)
	}
	if f.revocations.calls != 0 {
		t.Errorf("empty token reached the store %d times", f.revocations.calls)
	}

	if err := f.svc.CheckCredential(ctx, "valid-token"); err != nil {
		t.Fatalf("CheckCredential(valid) = %v, want nil", err)
	}

	err := f.svc.CheckCredential(ctx, "revoked-token")
	rej, ok := admission.AsRejection(err)
	if !ok {
		t.Fatalf("CheckCredential(revoked) = %v, want rejection", err)
	}
	if rej.Status != http.StatusForbidden || rej.Code != admission.CodeCredentialRevoked {
		t.Errorf("rejection = %d/%d, want 403/%d", rej.Status, rej.Code, admission.CodeCredentialRevoked)
	}
}

func TestCheckCredentialFailsOpen(t *testing.T) {
	f := newAdmissionFixture(t, config.EscalationConfig{})
	f.revocations.err = errStoreDown

	if err := f.svc.CheckCredential(context.Background(), "some-token"); err != nil {
		t.Fatalf("CheckCredential with store down = %v, want nil", err)
	}
	if got := testutil.ToFloat64(f.metrics.StoreErrors.WithLabelValues(metrics.GateCredential)); got != 1 {
		t.Errorf("store errors = %v, want 1", got)
	}
}

func TestCheckRateDeniesAfterLimit(t *testing.T) {
	f := newAdmissionFixture(t, config.EscalationConfig{})
	ctx := context.Background()
	id := admission.RequestIdentity{IP: "1.2.3.4", Endpoint: "POST /api/auth/login"}

	for i := 1; i <= loginPolicy.MaxRequests; i++ {
		d, err := f.svc.CheckRate(ctx, loginPolicy, id)
		if err != nil {
			t.Fatalf("request %d: CheckRate = %v, want admit", i, err)
		}
		if d.Remaining != loginPolicy.MaxRequests-i {
			t.Errorf("request %d: remaining = %d, want %d", i, d.Remaining, loginPolicy.MaxRequests-i)
		}
	}

	d, err := f.svc.CheckRate(ctx, loginPolicy, id)
	rej, ok := admission.AsRejection(err)
	if !ok {
		t.Fatalf("request 6: CheckRate = %v, want rejection", err)
	}
	if rej.Status != http.StatusTooManyRequests || rej.Code != admission.CodeQuotaExceeded {
		t.Errorf("rejection = %d/%d, want 429/%d", rej.Status, rej.Code, admission.CodeQuotaExceeded)
	}
	if rej.Message != "Too many login attempts" {
		t.Errorf("message = %q, want the policy message", rej.Message)
	}
	if rej.RetryAfter != d.RetryAfter || d.RetryAfter <= 0 {
		t.Errorf("retry after = %v (decision %v), want positive and equal", rej.RetryAfter, d.RetryAfter)
	}
	if d.Remaining != 0 || d.Allowed {
		t.Errorf("decision = %+v, want denied with remaining 0", d)
	}

	wantKey := "ratelimit:ip:1.2.3.4:login"
	if len(f.recorder.events) != 1 || f.recorder.events[0].Key != wantKey {
		t.Fatalf("recorded denials = %+v, want one for %s", f.recorder.events, wantKey)
	}
	if len(f.publisher.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(f.publisher.msgs))
	}
	msg := f.publisher.msgs[0]
	if msg.Type != events.TypeDenial || msg.Key != wantKey || msg.IP != "1.2.3.4" || msg.ID != "ev-1" {
		t.Errorf("published message = %+v", msg)
	}
}

func TestCheckRateFailsOpen(t *testing.T) {
	f := newAdmissionFixture(t, config.EscalationConfig{})
	f.limiter.err = errStoreDown

	d, err := f.svc.CheckRate(context.Background(), loginPolicy, admission.RequestIdentity{IP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("CheckRate with store down = %v, want nil", err)
	}
	if !d.Allowed || !d.Degraded || d.Remaining != loginPolicy.MaxRequests {
		t.Errorf("decision = %+v, want degraded admit with full remaining", d)
	}
	if len(f.recorder.events) != 0 {
		t.Errorf("degraded admit recorded a denial")
	}
	if got := testutil.ToFloat64(f.metrics.StoreErrors.WithLabelValues(metrics.GateRate)); got != 1 {
		t.Errorf("store errors = %v, want 1", got)
	}
}

func TestCheckRateInvalidPolicyAdmits(t *testing.T) {
	f := newAdmissionFixture(t, config.EscalationConfig{})

	d, err := f.svc.CheckRate(context.Background(), admission.Policy{Window: time.Minute}, admission.RequestIdentity{IP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("CheckRate(invalid policy) = %v, want nil", err)
	}
	if !d.Allowed || !d.Degraded {
		t.Errorf("decision = %+v, want degraded admit", d)
	}
}

func TestCheckRateRecorderFailureStillDenies(t *testing.T) {
	f := newAdmissionFixture(t, config.EscalationConfig{})
	f.recorder.err = errStoreDown
	p := admission.Policy{MaxRequests: 1, Window: time.Minute}
	id := admission.RequestIdentity{IP: "1.2.3.4", Endpoint: "GET /api/x"}
	ctx := context.Background()

	if _, err := f.svc.CheckRate(ctx, p, id); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := f.svc.CheckRate(ctx, p, id); !errors.Is(err, admission.ErrQuotaExceeded) {
		t.Fatalf("second request = %v, want ErrQuotaExceeded", err)
	}
	if len(f.publisher.msgs) != 1 {
		t.Errorf("published %d messages, want the denial to be published anyway", len(f.publisher.msgs))
	}
	if got := testutil.ToFloat64(f.metrics.StoreErrors.WithLabelValues(metrics.GateRecorder)); got != 1 {
		t.Errorf("recorder store errors = %v, want 1", got)
	}
}

func TestCheckRatePublishFailureIsIgnored(t *testing.T) {
	f := newAdmissionFixture(t, config.EscalationConfig{})
	f.publisher.err = errors.New("broker unreachable")
	p := admission.Policy{MaxRequests: 1, Window: time.Minute}
	id := admission.RequestIdentity{IP: "1.2.3.4"}
	ctx := context.Background()

	_, _ = f.svc.CheckRate(ctx, p, id)
	if _, err := f.svc.CheckRate(ctx, p, id); !errors.Is(err, admission.ErrQuotaExceeded) {
		t.Fatalf("CheckRate = %v, want ErrQuotaExceeded", err)
	}
	if got := testutil.ToFloat64(f.metrics.EventsPublished.WithLabelValues(string(events.TypeDenial), "error")); got != 1 {
		t.Errorf("failed publishes = %v, want 1", got)
	}
}

func TestEscalationBansRepeatedViolator(t *testing.T) {
	esc := config.EscalationConfig{Enabled: true, Violations: 2, Window: 10 * time.Minute, BanDuration: time.Hour}
	f := newAdmissionFixture(t, esc)
	p := admission.Policy{MaxRequests: 1, Window: time.Minute}
	id := admission.RequestIdentity{IP: "9.9.9.9", Endpoint: "GET /api/x"}
	ctx := context.Background()

	// One admitted request, then three violations: the third exceeds the budget of two.
	for i := 0; i < 4; i++ {
		_, _ = f.svc.CheckRate(ctx, p, id)
	}

	if len(f.reputation.bans) != 1 {
		t.Fatalf("temporary bans = %+v, want exactly one", f.reputation.bans)
	}
	ban := f.reputation.bans[0]
	if ban.ip != "9.9.9.9" || ban.duration != time.Hour || ban.reason != escalationBanReason {
		t.Errorf("ban = %+v", ban)
	}
	if f.limiter.counts[redisrepo.ViolationKey("9.9.9.9")] != 3 {
		t.Errorf("violations counted = %d, want 3", f.limiter.counts[redisrepo.ViolationKey("9.9.9.9")])
	}

	var reputationMsgs int
	for _, msg := range f.publisher.msgs {
		if msg.Type == events.TypeReputation {
			reputationMsgs++
			if msg.Action != string(redisrepo.ActionBanTemporary) || msg.DurationSeconds != 3600 {
				t.Errorf("reputation message = %+v", msg)
			}
		}
	}
	if reputationMsgs != 1 {
		t.Errorf("reputation messages = %d, want 1", reputationMsgs)
	}
}

func TestEscalationDisabledByDefault(t *testing.T) {
	f := newAdmissionFixture(t, config.EscalationConfig{})
	p := admission.Policy{MaxRequests: 1, Window: time.Minute}
	id := admission.RequestIdentity{IP: "9.9.9.9"}

	for i := 0; i < 50; i++ {
		_, _ = f.svc.CheckRate(context.Background(), p, id)
	}
	if len(f.reputation.bans) != 0 {
		t.Errorf("bans = %+v, want none", f.reputation.bans)
	}
}

func TestCleanupClosesPublisher(t *testing.T) {
	f := newAdmissionFixture(t, config.EscalationConfig{})
	f.svc.Cleanup()
	if !f.publisher.closed {
		t.Error("publisher not closed")
	}
}
