package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/KanopusDev/Kale/internal/platform/secrets"
	"github.com/KanopusDev/Kale/internal/platform/validation"
	rdomain "github.com/KanopusDev/Kale/internal/relay/domain"
	"github.com/KanopusDev/Kale/internal/relay/pool"
)

type Service struct {
	repo   rdomain.Repository
	box    *secrets.Box
	dialer pool.Dialer
}

func New(repo rdomain.Repository, box *secrets.Box, dialer pool.Dialer) *Service {
	return &Service{repo: repo, box: box, dialer: dialer}
}

var _ rdomain.Service = (*Service)(nil)

// CreateInput describes a new relay account for a tenant.
type CreateInput struct {
	TenantID    uuid.UUID `json:"tenant_id" validate:"required"`
	Host        string    `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port        int       `json:"port" validate:"min=1,max=65535"`
	Mode        string    `json:"mode"`
	Username    string    `json:"username" validate:"required_with=Password"`
	Password    string    `json:"-"`
	FromAddress string    `json:"from_address" validate:"required,email"`
	FromName    string    `json:"from_name" validate:"max=200"`
}

// Active returns the tenant's active credential with its secret opened.
func (s *Service) Active(ctx context.Context, tenantID uuid.UUID) (rdomain.Credential, error) {
	c, err := s.repo.GetActive(ctx, tenantID)
	if err != nil {
		return rdomain.Credential{}, err
	}
	if c.Password != "" {
		plain, err := s.box.Open(c.Password)
		if err != nil {
			return rdomain.Credential{}, fmt.Errorf("open relay secret: %w", err)
		}
		c.Password = plain
	}
	return c, nil
}

// Create validates in, seals the secret and stores it as the tenant's only active credential.
func (s *Service) Create(ctx context.Context, in CreateInput) (rdomain.Credential, error) {
	mode, err := rdomain.ParseMode(in.Mode)
	if err != nil {
		return rdomain.Credential{}, fmt.Errorf("%w: %v", rdomain.ErrInvalidArg, err)
	}
	in.Host = strings.TrimSpace(in.Host)
	in.Username = strings.TrimSpace(in.Username)
	in.FromAddress = strings.TrimSpace(in.FromAddress)
	in.FromName = strings.TrimSpace(in.FromName)
	if err := validation.Struct(in); err != nil {
		return rdomain.Credential{}, fmt.Errorf("%w: %s", rdomain.ErrInvalidArg, validation.ErrorResponse(err))
	}

	sealed := ""
	if in.Password != "" {
		sealed, err = s.box.Seal(in.Password)
		if err != nil {
			return rdomain.Credential{}, err
		}
	}
	c := rdomain.Credential{
		ID:          uuid.New(),
		TenantID:    in.TenantID,
		Host:        in.Host,
		Port:        in.Port,
		Mode:        mode,
		Username:    in.Username,
		Password:    sealed,
		FromAddress: in.FromAddress,
		FromName:    in.FromName,
		Active:      true,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return rdomain.Credential{}, err
	}
	c.Password = in.Password
	return c, nil
}

// Test opens and closes a session with cfg, reporting the classified failure if any.
func (s *Service) Test(ctx context.Context, cfg rdomain.Config) error {
	conn, err := s.dialer.Dial(ctx, cfg)
	if err != nil {
		return rdomain.Classify("dial", err)
	}
	defer conn.Close()
	if err := conn.Noop(); err != nil {
		return rdomain.Classify("noop", err)
	}
	return nil
}
