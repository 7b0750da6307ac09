// Package service runs the send pipeline: authenticate, admit, validate, resolve the template and
// relay, then deliver to each recipient in order through the relay pool.
//
// A recipient's failure never aborts the batch. Request-level failures return *domain.Error
// before anything is dispatched and give back any email quota reserved for the request.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	bdomain "github.com/KanopusDev/Kale/internal/bounces/domain"
	ddomain "github.com/KanopusDev/Kale/internal/deliveries/domain"
	edomain "github.com/KanopusDev/Kale/internal/email/domain"
	evdomain "github.com/KanopusDev/Kale/internal/events/domain"
	"github.com/KanopusDev/Kale/internal/metrics"
	"github.com/KanopusDev/Kale/internal/platform/validation"
	"github.com/KanopusDev/Kale/internal/quota"
	rdomain "github.com/KanopusDev/Kale/internal/relay/domain"
	"github.com/KanopusDev/Kale/internal/relay/pool"
	sdomain "github.com/KanopusDev/Kale/internal/settings/domain"
	tpldomain "github.com/KanopusDev/Kale/internal/templates/domain"
	tdomain "github.com/KanopusDev/Kale/internal/tenants/domain"
)

const (
	maxVariables        = 50
	maxVariableKeyLen   = 64
	maxVariableValueLen = 10 << 10
)

// Deps are the collaborators of the pipeline. Settings, Bounces, Events and Idempotency are optional.
type Deps struct {
	Tenants     tdomain.Service
	Templates   tpldomain.Service
	Relays      rdomain.Service
	Deliveries  ddomain.Service
	Bounces     bdomain.Service
	Settings    sdomain.Service
	Quota       *quota.Controller
	Pool        *pool.Pool
	Events      evdomain.Publisher
	Idempotency IdempotencyStore
}

type Options struct {
	Limits        Limits
	MaxRecipients int
	// RecipientTimeout bounds one recipient from bounce check to relay reply.
	RecipientTimeout time.Duration
	// Hostname is used in generated Message-IDs.
	Hostname string
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Service struct {
	tenants    tdomain.Service
	templates  tpldomain.Service
	relays     rdomain.Service
	deliveries ddomain.Service
	bounces    bdomain.Service
	settings   sdomain.Service
	quota      *quota.Controller
	pool       *pool.Pool
	events     evdomain.Publisher
	idem       IdempotencyStore

	limits           Limits
	maxRecipients    int
	recipientTimeout time.Duration
	hostname         string
	log              zerolog.Logger
	now              func() time.Time
}

var _ edomain.Service = (*Service)(nil)

func New(d Deps, o Options) *Service {
	if o.MaxRecipients <= 0 {
		o.MaxRecipients = 100
	}
	if o.RecipientTimeout <= 0 {
		o.RecipientTimeout = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Service{
		tenants:          d.Tenants,
		templates:        d.Templates,
		relays:           d.Relays,
		deliveries:       d.Deliveries,
		bounces:          d.Bounces,
		settings:         d.Settings,
		quota:            d.Quota,
		pool:             d.Pool,
		events:           d.Events,
		idem:             d.Idempotency,
		limits:           o.Limits,
		maxRecipients:    o.MaxRecipients,
		recipientTimeout: o.RecipientTimeout,
		hostname:         o.Hostname,
		log:              o.Logger,
		now:              o.Now,
	}
}

// Send runs the pipeline for one request.
func (s *Service) Send(ctx context.Context, req edomain.SendRequest) (res edomain.Result, err error) {
	requestID := uuid.NewString()
	log := s.log.With().Str("request_id", requestID).Str("template_id", req.TemplateID).Logger()
	state := edomain.StateReceived
	var tenant tdomain.Tenant
	defer func() { s.finish(ctx, log, requestID, tenant, req, res, err, state) }()

	tenant, err = s.tenants.ResolveByCredential(ctx, req.APIKey)
	if err != nil {
		tenant = tdomain.Tenant{}
		if errors.Is(err, tdomain.ErrInvalidCredential) {
			return res, &edomain.Error{Kind: edomain.KindUnauthorized, Message: "invalid api key"}
		}
		return res, fmt.Errorf("resolve tenant: %w", err)
	}
	log = log.With().Str("tenant_id", tenant.ID.String()).Logger()
	if req.Username != "" && !strings.EqualFold(req.Username, tenant.Username) {
		return res, &edomain.Error{Kind: edomain.KindForbidden, Message: "api key does not match username"}
	}
	if tenant.Suspended {
		return res, &edomain.Error{Kind: edomain.KindForbidden, Message: "account suspended"}
	}
	state = edomain.StateAuthValidated
	if terr := s.tenants.TouchAPICall(ctx, tenant.ID); terr != nil {
		log.Warn().Err(terr).Msg("email.send:touch_api_call_failed")
	}

	if key := strings.TrimSpace(req.IdempotencyKey); key != "" && s.idem != nil {
		prev, started, ierr := s.idem.Begin(ctx, tenant.ID, key)
		switch {
		case ierr != nil:
			log.Warn().Err(ierr).Msg("email.send:idempotency_unavailable")
		case started:
			defer func() { s.settleIdempotency(ctx, log, tenant.ID, key, res, err) }()
		case prev == nil:
			return res, &edomain.Error{Kind: edomain.KindConflict, Message: "a request with this Idempotency-Key is still in progress"}
		default:
			var cached edomain.Result
			if jerr := json.Unmarshal(prev, &cached); jerr == nil {
				cached.Replayed = true
				return cached, nil
			}
			log.Warn().Msg("email.send:idempotency_result_unreadable")
		}
	}

	subject := tenant.ID.String()
	d, err := s.quota.CheckAndReserve(ctx, quota.ResourceAPI, subject, s.apiLimits(ctx, tenant), 1)
	if err != nil {
		return res, fmt.Errorf("api quota: %w", err)
	}
	if !d.Allowed {
		return res, quotaError(quota.ResourceAPI, d)
	}
	if req.ClientIP != "" {
		d, err = s.quota.CheckAndReserve(ctx, quota.ResourceIP, req.ClientIP, s.ipLimits(), 1)
		if err != nil {
			return res, fmt.Errorf("ip quota: %w", err)
		}
		if !d.Allowed {
			return res, quotaError(quota.ResourceIP, d)
		}
	}

	recipients := normalizeRecipients(req.Recipients)
	maxRcpt := int(s.override(ctx, sdomain.KeyMaxRecipients, tenant.ID, int64(s.maxRecipients)))
	if maxRcpt <= 0 {
		maxRcpt = s.maxRecipients
	}
	emailLimits := s.emailLimits(ctx, tenant)
	s.bootstrapDaily(ctx, log, tenant.ID, emailLimits)
	want := len(recipients)
	if want < 1 {
		want = 1
	}
	if want > maxRcpt {
		want = maxRcpt
	}
	d, err = s.quota.ReserveUpTo(ctx, quota.ResourceEmail, subject, emailLimits, int64(want))
	if err != nil {
		return res, fmt.Errorf("email quota: %w", err)
	}
	if !d.Allowed {
		return res, quotaError(quota.ResourceEmail, d)
	}
	granted := int(d.Granted)
	state = edomain.StateQuotaAdmitted
	giveBack := func(n int) {
		if n <= 0 {
			return
		}
		if rerr := s.quota.Release(context.WithoutCancel(ctx), quota.ResourceEmail, subject, emailLimits, int64(n)); rerr != nil {
			log.Warn().Err(rerr).Int("amount", n).Msg("email.send:quota_release_failed")
		}
	}

	if fields := validateRequest(recipients, req.Variables, maxRcpt); len(fields) > 0 {
		giveBack(granted)
		return res, &edomain.Error{Kind: edomain.KindValidation, Message: "invalid send request", Fields: fields}
	}

	tpl, err := s.templates.Resolve(ctx, tenant.ID, req.TemplateID)
	if err != nil {
		giveBack(granted)
		if errors.Is(err, tpldomain.ErrNotFound) {
			return res, &edomain.Error{Kind: edomain.KindNotFound, Message: "template not found"}
		}
		return res, fmt.Errorf("resolve template: %w", err)
	}
	state = edomain.StateTemplateResolved

	cred, err := s.relays.Active(ctx, tenant.ID)
	if err != nil {
		giveBack(granted)
		if errors.Is(err, rdomain.ErrNoActive) {
			return res, &edomain.Error{Kind: edomain.KindBadConfiguration, Message: "no active relay credential configured"}
		}
		return res, fmt.Errorf("resolve relay: %w", err)
	}
	state = edomain.StateRelayResolved

	// Dispatch outlives a disconnected client; each recipient is bounded by its own timeout.
	dctx := context.WithoutCancel(ctx)
	rendered := Render(tpl, MergeVariables(tpl.DefaultVariables, req.Variables))
	timeout := s.recipientTimeoutFor(ctx, tenant.ID)
	state = edomain.StateDispatching

	res = edomain.Result{RequestID: requestID, TemplateID: tpl.ID, Results: make([]edomain.RecipientResult, 0, len(recipients))}
	// Only successful sends spend the grant; rejected addresses leave room for later recipients.
	for _, rcpt := range recipients {
		if res.Successful >= granted {
			res.Results = append(res.Results, edomain.RecipientResult{
				Recipient:  rcpt,
				Status:     edomain.RecipientSkipped,
				ErrorClass: edomain.ClassQuotaExhausted,
				Error:      "email quota exhausted",
			})
			res.Skipped++
			metrics.IncDelivery(string(edomain.RecipientSkipped), edomain.ClassQuotaExhausted)
			continue
		}
		rr := s.deliver(dctx, log, requestID, tenant.ID, tpl.ID, cred, rendered, rcpt, timeout)
		if rr.Status == edomain.RecipientSent {
			res.Successful++
		} else {
			res.Failed++
		}
		res.Results = append(res.Results, rr)
	}

	giveBack(granted - res.Successful)
	if res.Successful > 0 {
		if cerr := s.tenants.IncrementSendCounters(dctx, tenant.ID, res.Successful); cerr != nil {
			log.Warn().Err(cerr).Msg("email.send:counters_update_failed")
		}
	}
	res.RemainingDailyLimit = s.remainingDaily(dctx, log, subject, emailLimits)
	state = edomain.StateCompleted
	return res, nil
}

// deliver runs one recipient end to end and records the attempt.
func (s *Service) deliver(ctx context.Context, log zerolog.Logger, requestID string, tenantID uuid.UUID, templateID string, cred rdomain.Credential, r Rendered, rcpt string, timeout time.Duration) edomain.RecipientResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := s.now()

	attempt := ddomain.Attempt{
		RequestID:  requestID,
		TenantID:   tenantID,
		TemplateID: templateID,
		Recipient:  rcpt,
		Subject:    r.Subject,
		RelayHost:  cred.Host,
	}
	fail := func(class string, err error) edomain.RecipientResult {
		attempt.Status = ddomain.StatusFailed
		attempt.ErrorClass = class
		attempt.ErrorMessage = err.Error()
		s.deliveries.Record(context.WithoutCancel(ctx), attempt)
		metrics.IncDelivery(string(edomain.RecipientFailed), class)
		retryable := rdomain.IsRetryable(err)
		log.Info().Str("recipient", rcpt).Str("error_class", class).Bool("retryable", retryable).Err(err).Msg("email.send:recipient_failed")
		return edomain.RecipientResult{Recipient: rcpt, Status: edomain.RecipientFailed, ErrorClass: class, Error: err.Error(), Retryable: retryable}
	}

	if s.bounces != nil {
		suppressed, err := s.bounces.Suppressed(ctx, rcpt)
		if err != nil {
			log.Warn().Err(err).Msg("email.send:bounce_check_failed")
		} else if suppressed {
			return fail(edomain.ClassSuppressed, errors.New("recipient is on the bounce list"))
		}
	}
	if !validation.IsEmail(rcpt) {
		return fail(edomain.ClassInvalidRecipient, errors.New("invalid email address"))
	}
	msg, err := ComposeMessage(Envelope{
		FromAddress: cred.FromAddress,
		FromName:    cred.FromName,
		To:          rcpt,
		Hostname:    s.hostname,
		Date:        s.now(),
	}, r)
	if err != nil {
		return fail(edomain.ClassRenderFailed, err)
	}

	h, err := s.pool.Acquire(ctx, cred.Config())
	if err != nil {
		return fail(relayClass(ctx, err), err)
	}
	err = h.Send(ctx, cred.FromAddress, []string{rcpt}, msg)
	s.pool.Release(h)
	if err != nil {
		return fail(relayClass(ctx, err), err)
	}

	metrics.ObserveDelivery(s.now().Sub(start).Seconds())
	metrics.IncDelivery(string(edomain.RecipientSent), "")
	attempt.Status = ddomain.StatusSent
	s.deliveries.Record(context.WithoutCancel(ctx), attempt)
	log.Debug().Str("recipient", rcpt).Bool("reused", h.Reused()).Msg("email.send:recipient_sent")
	return edomain.RecipientResult{Recipient: rcpt, Status: edomain.RecipientSent}
}

func relayClass(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return edomain.ClassTimeout
	}
	var re *rdomain.Error
	if errors.As(err, &re) {
		return string(re.Kind)
	}
	return edomain.ClassRelayUnreachable
}

// bootstrapDaily seeds an absent daily email counter from the delivery log so a counter-store
// restart does not reset a tenant's day.
func (s *Service) bootstrapDaily(ctx context.Context, log zerolog.Logger, tenantID uuid.UUID, limits []quota.Limit) {
	daily := limits[len(limits)-1]
	if daily.Max == quota.Unlimited || s.deliveries == nil {
		return
	}
	subject := tenantID.String()
	st, err := s.quota.Status(ctx, quota.ResourceEmail, subject, []quota.Limit{daily})
	if err != nil || len(st) == 0 || st[0].Used > 0 {
		return
	}
	n, err := s.deliveries.DailyCount(ctx, tenantID, s.now())
	if err != nil {
		log.Warn().Err(err).Msg("email.send:daily_count_failed")
		return
	}
	if n <= 0 {
		return
	}
	if seeded, err := s.quota.Seed(ctx, quota.ResourceEmail, subject, quota.Day, n); err != nil {
		log.Warn().Err(err).Msg("email.send:daily_seed_failed")
	} else if seeded {
		log.Info().Int64("count", n).Msg("email.send:daily_counter_seeded")
	}
}

func (s *Service) remainingDaily(ctx context.Context, log zerolog.Logger, subject string, limits []quota.Limit) int64 {
	daily := limits[len(limits)-1]
	if daily.Max == quota.Unlimited {
		return quota.Unlimited
	}
	st, err := s.quota.Status(ctx, quota.ResourceEmail, subject, []quota.Limit{daily})
	if err != nil || len(st) == 0 {
		log.Warn().Err(err).Msg("email.send:remaining_unavailable")
		return quota.Unlimited
	}
	return st[0].Remaining
}

func (s *Service) recipientTimeoutFor(ctx context.Context, tenantID uuid.UUID) time.Duration {
	if s.settings == nil {
		return s.recipientTimeout
	}
	d, err := s.settings.GetDuration(ctx, sdomain.KeyRecipientTimeout, &tenantID, s.recipientTimeout)
	if err != nil || d <= 0 {
		return s.recipientTimeout
	}
	return d
}

func (s *Service) settleIdempotency(ctx context.Context, log zerolog.Logger, tenantID uuid.UUID, key string, res edomain.Result, err error) {
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		if aerr := s.idem.Abort(ctx, tenantID, key); aerr != nil {
			log.Warn().Err(aerr).Msg("email.send:idempotency_abort_failed")
		}
		return
	}
	body, jerr := json.Marshal(res)
	if jerr == nil {
		jerr = s.idem.Complete(ctx, tenantID, key, body)
	}
	if jerr != nil {
		log.Warn().Err(jerr).Msg("email.send:idempotency_store_failed")
	}
}

// finish records the request outcome in metrics, logs and the usage event stream.
func (s *Service) finish(ctx context.Context, log zerolog.Logger, requestID string, tenant tdomain.Tenant, req edomain.SendRequest, res edomain.Result, err error, state edomain.State) {
	kind := "completed"
	var de *edomain.Error
	switch {
	case errors.As(err, &de):
		kind = string(de.Kind)
	case err != nil:
		kind = "internal_error"
	case res.Replayed:
		kind = "replayed"
	}
	metrics.IncSendRequest(kind)

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err).Str("reached", string(state))
	}
	ev.Str("result", kind).
		Int("recipients", len(req.Recipients)).
		Int("sent", res.Successful).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Msg("email.send:done")

	if s.events == nil || tenant.ID == uuid.Nil {
		return
	}
	e := evdomain.Event{
		Type:      evdomain.TypeAPIUsage,
		TenantID:  tenant.ID,
		RequestID: requestID,
		Time:      s.now().UTC(),
		Meta: map[string]string{
			"endpoint":   "email.send",
			"ip":         req.ClientIP,
			"user_agent": req.UserAgent,
			"recipients": strconv.Itoa(len(req.Recipients)),
			"status":     kind,
		},
	}
	if perr := s.events.Publish(context.WithoutCancel(ctx), e); perr != nil {
		log.Warn().Err(perr).Msg("email.send:usage_event_failed")
	}
}

func quotaError(resource quota.Resource, d quota.Decision) *edomain.Error {
	msg := string(resource) + " quota exceeded"
	switch resource {
	case quota.ResourceAPI:
		msg = "api rate limit exceeded"
	case quota.ResourceIP:
		msg = "too many requests from this address"
	case quota.ResourceEmail:
		msg = "email sending limit reached"
	}
	return &edomain.Error{
		Kind:       edomain.KindQuotaExceeded,
		Message:    msg,
		Resource:   string(resource),
		Window:     string(d.Window),
		Limit:      d.Limit,
		ResetAt:    d.ResetAt,
		RetryAfter: d.RetryAfter,
	}
}

func normalizeRecipients(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// validateRequest returns field problems keyed like the inbound JSON.
func validateRequest(recipients []string, vars map[string]string, maxRecipients int) validation.Fields {
	var fields validation.Fields
	switch {
	case len(recipients) == 0:
		fields = fields.Add("recipients", "required")
	case len(recipients) > maxRecipients:
		fields = fields.Add("recipients", "max="+strconv.Itoa(maxRecipients))
	default:
		valid := false
		for _, r := range recipients {
			if validation.IsEmail(r) {
				valid = true
				break
			}
		}
		if !valid {
			fields = fields.Add("recipients", "email")
		}
	}
	if len(vars) > maxVariables {
		fields = fields.Add("variables", "max_keys="+strconv.Itoa(maxVariables))
	}
	for k, v := range vars {
		if k == "" || len(k) > maxVariableKeyLen {
			fields = fields.Add("variables", "key_length")
		}
		if len(v) > maxVariableValueLen {
			fields = fields.Add("variables."+k, "max_bytes="+strconv.Itoa(maxVariableValueLen))
		}
	}
	return fields
}

// QuotaStatus is a read-only snapshot of the tenant's email and API windows.
func (s *Service) QuotaStatus(ctx context.Context, tenantID uuid.UUID, tier string) (edomain.QuotaSnapshot, error) {
	t := tdomain.Tenant{ID: tenantID, Tier: tdomain.Tier(tier)}
	subject := tenantID.String()
	snap := edomain.QuotaSnapshot{TenantID: tenantID, Tier: tier}

	email, err := s.quota.Status(ctx, quota.ResourceEmail, subject, s.emailLimits(ctx, t))
	if err != nil {
		return snap, err
	}
	api, err := s.quota.Status(ctx, quota.ResourceAPI, subject, s.apiLimits(ctx, t))
	if err != nil {
		return snap, err
	}
	snap.Email = toWindowQuota(email)
	snap.API = toWindowQuota(api)
	return snap, nil
}

func toWindowQuota(in []quota.WindowStatus) []edomain.WindowQuota {
	out := make([]edomain.WindowQuota, len(in))
	for i, w := range in {
		out[i] = edomain.WindowQuota{Window: string(w.Window), Limit: w.Limit, Used: w.Used, Remaining: w.Remaining, ResetAt: w.ResetAt}
	}
	return out
}
