package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bdomain "github.com/KanopusDev/Kale/internal/bounces/domain"
	ddomain "github.com/KanopusDev/Kale/internal/deliveries/domain"
	edomain "github.com/KanopusDev/Kale/internal/email/domain"
	evdomain "github.com/KanopusDev/Kale/internal/events/domain"
	"github.com/KanopusDev/Kale/internal/quota"
	rdomain "github.com/KanopusDev/Kale/internal/relay/domain"
	"github.com/KanopusDev/Kale/internal/relay/pool"
	tpldomain "github.com/KanopusDev/Kale/internal/templates/domain"
	tdomain "github.com/KanopusDev/Kale/internal/tenants/domain"
)

const testKey = "kale_test"

type fakeTenants struct {
	tdomain.Service
	mu      sync.Mutex
	tenant  tdomain.Tenant
	counted int
}

func (f *fakeTenants) ResolveByCredential(ctx context.Context, key string) (tdomain.Tenant, error) {
	if key != testKey {
		return tdomain.Tenant{}, tdomain.ErrInvalidCredential
	}
	return f.tenant, nil
}

func (f *fakeTenants) TouchAPICall(ctx context.Context, id uuid.UUID) error { return nil }

func (f *fakeTenants) IncrementSendCounters(ctx context.Context, id uuid.UUID, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counted += n
	return nil
}

type fakeTemplates struct {
	tpldomain.Service
	byID map[string]tpldomain.Template
}

func (f *fakeTemplates) Resolve(ctx context.Context, tenantID uuid.UUID, id string) (tpldomain.Template, error) {
	t, ok := f.byID[id]
	if !ok {
		return tpldomain.Template{}, tpldomain.ErrNotFound
	}
	return t, nil
}

type fakeRelays struct {
	cred rdomain.Credential
	err  error
}

func (f *fakeRelays) Active(ctx context.Context, tenantID uuid.UUID) (rdomain.Credential, error) {
	return f.cred, f.err
}

type fakeDeliveries struct {
	mu       sync.Mutex
	attempts []ddomain.Attempt
	daily    int64
}

func (f *fakeDeliveries) Record(ctx context.Context, a ddomain.Attempt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
}

func (f *fakeDeliveries) DailyCount(ctx context.Context, tenantID uuid.UUID, date time.Time) (int64, error) {
	return f.daily, nil
}

func (f *fakeDeliveries) recorded() []ddomain.Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ddomain.Attempt(nil), f.attempts...)
}

type fakeBounces struct{ suppressed map[string]bool }

func (f *fakeBounces) Suppressed(ctx context.Context, addr string) (bool, error) {
	return f.suppressed[strings.ToLower(addr)], nil
}

func (f *fakeBounces) Add(ctx context.Context, addr string, t bdomain.Type, reason string) error {
	return nil
}

type captured struct {
	from string
	to   []string
	msg  string
}

type relayConn struct{ r *fakeRelay }

func (c *relayConn) Noop() error  { return nil }
func (c *relayConn) Reset() error { return nil }
func (c *relayConn) Close() error { return nil }

func (c *relayConn) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if strings.HasPrefix(to[0], "slow") {
		<-ctx.Done()
		return ctx.Err()
	}
	if strings.HasPrefix(to[0], "fail") {
		return &rdomain.Error{Kind: rdomain.KindProtocol, Op: "rcpt", Code: 550, Err: errors.New("no such user")}
	}
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	c.r.sent = append(c.r.sent, captured{from: from, to: to, msg: string(msg)})
	return nil
}

type fakeRelay struct {
	mu    sync.Mutex
	dials int
	sent  []captured
}

func (r *fakeRelay) Dial(ctx context.Context, cfg rdomain.Config) (pool.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dials++
	return &relayConn{r: r}, nil
}

func (r *fakeRelay) messages() []captured {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]captured(nil), r.sent...)
}

type memIdempotency struct {
	mu   sync.Mutex
	vals map[string][]byte
}

func (m *memIdempotency) Begin(ctx context.Context, tenantID uuid.UUID, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	if !ok {
		m.vals[key] = nil
		return nil, true, nil
	}
	return v, false, nil
}

func (m *memIdempotency) Complete(ctx context.Context, tenantID uuid.UUID, key string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = result
	return nil
}

func (m *memIdempotency) Abort(ctx context.Context, tenantID uuid.UUID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, key)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []evdomain.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e evdomain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type harness struct {
	svc        *Service
	tenants    *fakeTenants
	templates  *fakeTemplates
	relays     *fakeRelays
	deliveries *fakeDeliveries
	relay      *fakeRelay
	quota      *quota.Controller
	events     *recordingPublisher
	idem       *memIdempotency
}

func newHarness(t *testing.T, daily int64) *harness {
	t.Helper()
	now := func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) }
	h := &harness{
		tenants: &fakeTenants{tenant: tdomain.Tenant{ID: uuid.New(), Username: "acme", Tier: tdomain.TierUnverified, Active: true}},
		templates: &fakeTemplates{byID: map[string]tpldomain.Template{
			"welcome": {
				ID:               "welcome",
				Subject:          "Welcome {{name}}",
				HTMLBody:         "<p>Hi {{name}}</p>",
				TextBody:         "Hi {{name}}, code {{missing_var}}",
				DefaultVariables: map[string]string{"name": "friend"},
			},
		}},
		relays: &fakeRelays{cred: rdomain.Credential{
			Host: "smtp.relay.test", Port: 587, Mode: rdomain.ModeStartTLS,
			Username: "u", Password: "p", FromAddress: "noreply@acme.test", FromName: "Acme",
		}},
		deliveries: &fakeDeliveries{},
		relay:      &fakeRelay{},
		events:     &recordingPublisher{},
		idem:       &memIdempotency{vals: map[string][]byte{}},
	}
	h.quota = quota.New(quota.NewMemoryStore(now), quota.WithClock(now))
	p := pool.New(h.relay, pool.Options{Logger: zerolog.Nop()})
	t.Cleanup(p.Close)

	h.svc = New(Deps{
		Tenants:     h.tenants,
		Templates:   h.templates,
		Relays:      h.relays,
		Deliveries:  h.deliveries,
		Bounces:     &fakeBounces{suppressed: map[string]bool{"gone@example.com": true}},
		Quota:       h.quota,
		Pool:        p,
		Events:      h.events,
		Idempotency: h.idem,
	}, Options{
		Limits: Limits{
			UnverifiedDaily: daily,
			VerifiedDaily:   quota.Unlimited,
			EnterpriseDaily: quota.Unlimited,
			EmailBurst:      quota.Unlimited,
			APIPerMinute:    quota.Unlimited,
			APIPerHour:      quota.Unlimited,
			APIPerDay:       quota.Unlimited,
			IPPerMinute:     quota.Unlimited,
			IPPerHour:       quota.Unlimited,
		},
		MaxRecipients:    10,
		RecipientTimeout: 5 * time.Second,
		Hostname:         "mx.kale.test",
		Logger:           zerolog.Nop(),
		Now:              now,
	})
	return h
}

func (h *harness) request(recipients ...string) edomain.SendRequest {
	return edomain.SendRequest{
		Username:   "acme",
		TemplateID: "welcome",
		APIKey:     testKey,
		Recipients: recipients,
		Variables:  map[string]string{"name": "Ada"},
	}
}

func (h *harness) dailyUsed(t *testing.T) int64 {
	t.Helper()
	st, err := h.quota.Status(context.Background(), quota.ResourceEmail, h.tenants.tenant.ID.String(), []quota.Limit{{Window: quota.Day, Max: 100}})
	require.NoError(t, err)
	return st[0].Used
}

func requireKind(t *testing.T, err error, kind edomain.ErrorKind) *edomain.Error {
	t.Helper()
	var de *edomain.Error
	require.ErrorAs(t, err, &de)
	require.Equal(t, kind, de.Kind)
	return de
}

func TestSend_DeliversAllAndRecords(t *testing.T) {
	h := newHarness(t, 100)
	res, err := h.svc.Send(context.Background(), h.request("a@example.com", "b@example.com", "c@example.com"))
	require.NoError(t, err)

	assert.Equal(t, 3, res.Successful)
	assert.Equal(t, 0, res.Failed)
	assert.EqualValues(t, 97, res.RemainingDailyLimit)
	assert.NotEmpty(t, res.RequestID)
	assert.Len(t, h.deliveries.recorded(), 3)
	assert.Equal(t, 3, h.tenants.counted)
	assert.EqualValues(t, 3, h.dailyUsed(t))
	assert.Equal(t, 1, h.relay.dials, "one pooled session serves the whole batch")

	msgs := h.relay.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "noreply@acme.test", msgs[0].from)
	assert.Contains(t, msgs[0].msg, "Subject: Welcome Ada")
	assert.Contains(t, msgs[0].msg, "{{missing_var}}")
}

func TestSend_PartialFailureKeepsOrder(t *testing.T) {
	h := newHarness(t, 100)
	res, err := h.svc.Send(context.Background(), h.request("a@example.com", "fail@example.com", "not-an-address", "gone@example.com", "b@example.com"))
	require.NoError(t, err)

	require.Len(t, res.Results, 5)
	want := []struct {
		status edomain.RecipientStatus
		class  string
	}{
		{edomain.RecipientSent, ""},
		{edomain.RecipientFailed, edomain.ClassRelayProtocol},
		{edomain.RecipientFailed, edomain.ClassInvalidRecipient},
		{edomain.RecipientFailed, edomain.ClassSuppressed},
		{edomain.RecipientSent, ""},
	}
	for i, w := range want {
		assert.Equal(t, w.status, res.Results[i].Status, "recipient %d", i)
		assert.Equal(t, w.class, res.Results[i].ErrorClass, "recipient %d", i)
		assert.False(t, res.Results[i].Retryable, "recipient %d", i)
	}
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 3, res.Failed)

	attempts := h.deliveries.recorded()
	require.Len(t, attempts, 5)
	assert.Equal(t, ddomain.StatusFailed, attempts[1].Status)
	assert.Equal(t, "smtp.relay.test", attempts[1].RelayHost)
	assert.EqualValues(t, 2, h.dailyUsed(t), "unused reservations are released")
	assert.Equal(t, 2, h.tenants.counted)
}

func TestSend_SkipsRecipientsBeyondGrant(t *testing.T) {
	h := newHarness(t, 2)
	res, err := h.svc.Send(context.Background(), h.request("a@example.com", "b@example.com", "c@example.com"))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, edomain.RecipientSkipped, res.Results[2].Status)
	assert.Equal(t, edomain.ClassQuotaExhausted, res.Results[2].ErrorClass)
	assert.EqualValues(t, 0, res.RemainingDailyLimit)
	assert.Len(t, h.deliveries.recorded(), 2)

	_, err = h.svc.Send(context.Background(), h.request("d@example.com"))
	de := requireKind(t, err, edomain.KindQuotaExceeded)
	assert.Equal(t, "email", de.Resource)
	assert.Equal(t, "day", de.Window)
	assert.EqualValues(t, 2, de.Limit)
	assert.Positive(t, de.RetryAfter)
}

func TestSend_RejectedAddressesDoNotSpendGrant(t *testing.T) {
	h := newHarness(t, 2)
	res, err := h.svc.Send(context.Background(), h.request("gone@example.com", "not-an-email", "a@example.com", "b@example.com"))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, edomain.ClassSuppressed, res.Results[0].ErrorClass)
	assert.Equal(t, edomain.ClassInvalidRecipient, res.Results[1].ErrorClass)
	assert.Equal(t, edomain.RecipientSent, res.Results[2].Status)
	assert.Equal(t, edomain.RecipientSent, res.Results[3].Status)
	assert.EqualValues(t, 0, res.RemainingDailyLimit)
	assert.EqualValues(t, 2, h.dailyUsed(t))
}

func TestSend_RelayFailureDoesNotSpendGrant(t *testing.T) {
	h := newHarness(t, 1)
	res, err := h.svc.Send(context.Background(), h.request("fail@example.com", "a@example.com", "b@example.com"))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, edomain.RecipientSent, res.Results[1].Status)
	assert.Equal(t, edomain.RecipientSkipped, res.Results[2].Status)
	assert.EqualValues(t, 1, h.dailyUsed(t))
}

func TestSend_RecipientTimeoutFailsOnlyThatRecipient(t *testing.T) {
	h := newHarness(t, 100)
	h.svc.recipientTimeout = 20 * time.Millisecond

	res, err := h.svc.Send(context.Background(), h.request("a@example.com", "slow@example.com", "c@example.com"))
	require.NoError(t, err)

	require.Len(t, res.Results, 3)
	assert.Equal(t, edomain.RecipientSent, res.Results[0].Status)
	assert.Equal(t, edomain.RecipientFailed, res.Results[1].Status)
	assert.Equal(t, edomain.ClassTimeout, res.Results[1].ErrorClass)
	assert.True(t, res.Results[1].Retryable)
	assert.Equal(t, edomain.RecipientSent, res.Results[2].Status)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 1, res.Failed)

	attempts := h.deliveries.recorded()
	require.Len(t, attempts, 3, "the timed-out attempt is still recorded")
	assert.Equal(t, edomain.ClassTimeout, attempts[1].ErrorClass)
}

func TestSend_SeedsDailyCounterFromLog(t *testing.T) {
	h := newHarness(t, 5)
	h.deliveries.daily = 4
	res, err := h.svc.Send(context.Background(), h.request("a@example.com", "b@example.com"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Skipped)
}

func TestSend_UnlimitedDailyReportsMinusOne(t *testing.T) {
	h := newHarness(t, quota.Unlimited)
	res, err := h.svc.Send(context.Background(), h.request("a@example.com"))
	require.NoError(t, err)
	assert.EqualValues(t, quota.Unlimited, res.RemainingDailyLimit)
}

func TestSend_RequestErrors(t *testing.T) {
	cases := []struct {
		name  string
		setup func(h *harness, req *edomain.SendRequest)
		kind  edomain.ErrorKind
	}{
		{"bad key", func(h *harness, r *edomain.SendRequest) { r.APIKey = "nope" }, edomain.KindUnauthorized},
		{"username mismatch", func(h *harness, r *edomain.SendRequest) { r.Username = "other" }, edomain.KindForbidden},
		{"suspended", func(h *harness, r *edomain.SendRequest) { h.tenants.tenant.Suspended = true }, edomain.KindForbidden},
		{"no recipients", func(h *harness, r *edomain.SendRequest) { r.Recipients = []string{" ", ""} }, edomain.KindValidation},
		{"no valid recipient", func(h *harness, r *edomain.SendRequest) { r.Recipients = []string{"nope"} }, edomain.KindValidation},
		{"too many recipients", func(h *harness, r *edomain.SendRequest) {
			r.Recipients = make([]string, 11)
			for i := range r.Recipients {
				r.Recipients[i] = "x@example.com"
			}
		}, edomain.KindValidation},
		{"oversized variable", func(h *harness, r *edomain.SendRequest) {
			r.Variables = map[string]string{"name": strings.Repeat("a", maxVariableValueLen+1)}
		}, edomain.KindValidation},
		{"unknown template", func(h *harness, r *edomain.SendRequest) { r.TemplateID = "missing" }, edomain.KindNotFound},
		{"no relay", func(h *harness, r *edomain.SendRequest) { h.relays.err = rdomain.ErrNoActive }, edomain.KindBadConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 100)
			req := h.request("a@example.com")
			tc.setup(h, &req)

			_, err := h.svc.Send(context.Background(), req)
			requireKind(t, err, tc.kind)
			assert.EqualValues(t, 0, h.dailyUsed(t), "request errors give reserved quota back")
			assert.Empty(t, h.relay.messages())
			assert.Empty(t, h.deliveries.recorded())
		})
	}
}

func TestSend_ValidationReportsFields(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.svc.Send(context.Background(), h.request())
	de := requireKind(t, err, edomain.KindValidation)
	assert.Contains(t, de.Fields, "recipients")
}

func TestSend_IdempotentReplay(t *testing.T) {
	h := newHarness(t, 100)
	req := h.request("a@example.com")
	req.IdempotencyKey = "order-42"

	first, err := h.svc.Send(context.Background(), req)
	require.NoError(t, err)
	second, err := h.svc.Send(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Len(t, h.relay.messages(), 1)
	assert.EqualValues(t, 1, h.dailyUsed(t))
}

func TestSend_IdempotencyInFlightConflicts(t *testing.T) {
	h := newHarness(t, 100)
	h.idem.vals["busy"] = nil
	req := h.request("a@example.com")
	req.IdempotencyKey = "busy"

	_, err := h.svc.Send(context.Background(), req)
	requireKind(t, err, edomain.KindConflict)
}

func TestSend_FailedRequestAbortsIdempotencyClaim(t *testing.T) {
	h := newHarness(t, 100)
	req := h.request("a@example.com")
	req.IdempotencyKey = "retry-me"
	req.TemplateID = "missing"

	_, err := h.svc.Send(context.Background(), req)
	requireKind(t, err, edomain.KindNotFound)
	_, held := h.idem.vals["retry-me"]
	assert.False(t, held)
}

func TestSend_PublishesUsageEvent(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.svc.Send(context.Background(), h.request("a@example.com"))
	require.NoError(t, err)

	require.Len(t, h.events.events, 1)
	ev := h.events.events[0]
	assert.Equal(t, evdomain.TypeAPIUsage, ev.Type)
	assert.Equal(t, h.tenants.tenant.ID, ev.TenantID)
	assert.Equal(t, "completed", ev.Meta["status"])
}

func TestQuotaStatus(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.svc.Send(context.Background(), h.request("a@example.com", "b@example.com"))
	require.NoError(t, err)

	snap, err := h.svc.QuotaStatus(context.Background(), h.tenants.tenant.ID, string(tdomain.TierUnverified))
	require.NoError(t, err)
	require.Len(t, snap.Email, 2)
	assert.Equal(t, "day", snap.Email[1].Window)
	assert.EqualValues(t, 2, snap.Email[1].Used)
	assert.EqualValues(t, 98, snap.Email[1].Remaining)
	assert.EqualValues(t, quota.Unlimited, snap.Email[0].Remaining)
	assert.Len(t, snap.API, 3)
}
