package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode selects how the relay session is secured.
type Mode string

const (
	// ModeAuto infers the mode from the port.
	ModeAuto        Mode = ""
	ModeImplicitTLS Mode = "implicit-tls"
	ModeStartTLS    Mode = "starttls"
	ModePlain       Mode = "plain"

	// ModeOpportunistic upgrades with STARTTLS when offered and stays in plaintext otherwise.
	// It is only reached through ModeAuto and is never stored.
	ModeOpportunistic Mode = "opportunistic"
)

// ParseMode accepts the stored/configured spelling of a mode. Empty means auto.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "implicit-tls", "ssl", "tls":
		return ModeImplicitTLS, nil
	case "starttls":
		return ModeStartTLS, nil
	case "plain", "none":
		return ModePlain, nil
	default:
		return ModeAuto, fmt.Errorf("unknown relay mode %q", s)
	}
}

// Config is everything needed to open an authenticated relay session.
type Config struct {
	Host     string
	Port     int
	Mode     Mode
	Username string
	Password string
	// InsecureSkipVerify disables certificate verification for this relay.
	InsecureSkipVerify bool
}

// EffectiveMode resolves ModeAuto: 465 is implicit TLS, 587 and 25 require STARTTLS, and any
// other port upgrades opportunistically. Explicit modes are returned unchanged.
func (c Config) EffectiveMode() Mode {
	if c.Mode != ModeAuto {
		return c.Mode
	}
	switch c.Port {
	case 465:
		return ModeImplicitTLS
	case 587, 25:
		return ModeStartTLS
	}
	return ModeOpportunistic
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Key identifies connections that may be shared. The password only contributes through its digest.
func (c Config) Key() string {
	secret := sha256.Sum256([]byte(c.Password))
	h := sha256.New()
	for _, part := range []string{
		strings.ToLower(c.Host),
		strconv.Itoa(c.Port),
		string(c.EffectiveMode()),
		c.Username,
		hex.EncodeToString(secret[:]),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Credential is a tenant's outgoing relay account.
type Credential struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Host        string
	Port        int
	Mode        Mode
	Username    string
	Password    string
	FromAddress string
	FromName    string
	Active      bool
	CreatedAt   time.Time
}

func (c Credential) Config() Config {
	return Config{Host: c.Host, Port: c.Port, Mode: c.Mode, Username: c.Username, Password: c.Password}
}

var (
	ErrNotFound   = errors.New("relay credential not found")
	ErrNoActive   = errors.New("no active relay credential")
	ErrInvalidArg = errors.New("invalid relay credential")
)

// Repository persists credentials. Password holds the sealed secret at this layer.
type Repository interface {
	// Create inserts c as the tenant's only active credential.
	Create(ctx context.Context, c Credential) error
	GetActive(ctx context.Context, tenantID uuid.UUID) (Credential, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]Credential, error)
	Deactivate(ctx context.Context, tenantID, id uuid.UUID) error
}

// Service is the boundary the delivery pipeline uses.
type Service interface {
	Active(ctx context.Context, tenantID uuid.UUID) (Credential, error)
}
