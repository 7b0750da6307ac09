package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	domain "github.com/KanopusDev/Kale/internal/deliveries/domain"
	evdomain "github.com/KanopusDev/Kale/internal/events/domain"
)

type service struct {
	repo domain.Repository
	pub  evdomain.Publisher
	log  zerolog.Logger
	now  func() time.Time
}

// New builds the delivery log. pub may be nil.
func New(repo domain.Repository, pub evdomain.Publisher, log zerolog.Logger) domain.Service {
	return &service{repo: repo, pub: pub, log: log, now: time.Now}
}

func (s *service) Record(ctx context.Context, a domain.Attempt) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	// Log rows survive request cancellation.
	ctx = context.WithoutCancel(ctx)
	if err := s.repo.Insert(ctx, a); err != nil {
		s.log.Error().Err(err).
			Str("request_id", a.RequestID).
			Str("tenant_id", a.TenantID.String()).
			Str("status", string(a.Status)).
			Msg("deliveries.record:insert_failed")
	}
	if s.pub == nil {
		return
	}
	typ := evdomain.TypeDeliverySent
	if a.Status == domain.StatusFailed {
		typ = evdomain.TypeDeliveryFailed
	}
	meta := map[string]string{
		"recipient":   a.Recipient,
		"template_id": a.TemplateID,
		"relay_host":  a.RelayHost,
	}
	if a.ErrorClass != "" {
		meta["error_class"] = a.ErrorClass
	}
	if err := s.pub.Publish(ctx, evdomain.Event{Type: typ, TenantID: a.TenantID, RequestID: a.RequestID, Meta: meta, Time: a.CreatedAt}); err != nil {
		s.log.Warn().Err(err).Str("request_id", a.RequestID).Msg("deliveries.record:publish_failed")
	}
}

func (s *service) DailyCount(ctx context.Context, tenantID uuid.UUID, date time.Time) (int64, error) {
	d := date.UTC()
	from := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.CountSent(ctx, tenantID, from, from.AddDate(0, 0, 1))
}
