package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/KanopusDev/Kale/internal/config"
	"github.com/KanopusDev/Kale/internal/quota"
	sdomain "github.com/KanopusDev/Kale/internal/settings/domain"
	tdomain "github.com/KanopusDev/Kale/internal/tenants/domain"
)

// Limits are the default quota ceilings; quota.Unlimited disables a window.
type Limits struct {
	UnverifiedDaily int64
	VerifiedDaily   int64
	EnterpriseDaily int64
	EmailBurst      int64
	APIPerMinute    int64
	APIPerHour      int64
	APIPerDay       int64
	IPPerMinute     int64
	IPPerHour       int64
}

func LimitsFromConfig(cfg config.Config) Limits {
	return Limits{
		UnverifiedDaily: int64(cfg.UnverifiedDailyLimit),
		VerifiedDaily:   int64(cfg.VerifiedDailyLimit),
		EnterpriseDaily: int64(cfg.EnterpriseDailyLimit),
		EmailBurst:      int64(cfg.EmailBurstLimit),
		APIPerMinute:    int64(cfg.APIRatePerMinute),
		APIPerHour:      int64(cfg.APIRatePerHour),
		APIPerDay:       int64(cfg.APIRatePerDay),
		IPPerMinute:     int64(cfg.IPRatePerMinute),
		IPPerHour:       int64(cfg.IPRatePerHour),
	}
}

// dailyFor returns the tier's default daily email limit.
func (l Limits) dailyFor(tier tdomain.Tier) int64 {
	switch tier {
	case tdomain.TierVerified:
		return l.VerifiedDaily
	case tdomain.TierEnterprise:
		return l.EnterpriseDaily
	default:
		return l.UnverifiedDaily
	}
}

// override reads a tenant setting, keeping def when unset or when settings are unavailable.
func (s *Service) override(ctx context.Context, key string, tenantID uuid.UUID, def int64) int64 {
	if s.settings == nil {
		return def
	}
	v, err := s.settings.GetInt64(ctx, key, &tenantID, def)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("email.limits:settings_unavailable")
		return def
	}
	return v
}

// emailLimits are ordered most restrictive first: burst minute, then day.
func (s *Service) emailLimits(ctx context.Context, t tdomain.Tenant) []quota.Limit {
	return []quota.Limit{
		{Window: quota.Minute, Max: s.override(ctx, sdomain.KeyEmailBurstLimit, t.ID, s.limits.EmailBurst)},
		{Window: quota.Day, Max: s.override(ctx, sdomain.KeyEmailDailyLimit, t.ID, s.limits.dailyFor(t.Tier))},
	}
}

func (s *Service) apiLimits(ctx context.Context, t tdomain.Tenant) []quota.Limit {
	return []quota.Limit{
		{Window: quota.Minute, Max: s.override(ctx, sdomain.KeyAPIPerMinute, t.ID, s.limits.APIPerMinute)},
		{Window: quota.Hour, Max: s.override(ctx, sdomain.KeyAPIPerHour, t.ID, s.limits.APIPerHour)},
		{Window: quota.Day, Max: s.override(ctx, sdomain.KeyAPIPerDay, t.ID, s.limits.APIPerDay)},
	}
}

func (s *Service) ipLimits() []quota.Limit {
	return []quota.Limit{
		{Window: quota.Minute, Max: s.limits.IPPerMinute},
		{Window: quota.Hour, Max: s.limits.IPPerHour},
	}
}
