package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	bdomain "github.com/KanopusDev/Kale/internal/bounces/domain"
	brepo "github.com/KanopusDev/Kale/internal/bounces/repository"
	bsvc "github.com/KanopusDev/Kale/internal/bounces/service"
	"github.com/KanopusDev/Kale/internal/config"
	"github.com/KanopusDev/Kale/internal/logger"
	"github.com/KanopusDev/Kale/internal/platform/secrets"
	rdomain "github.com/KanopusDev/Kale/internal/relay/domain"
	"github.com/KanopusDev/Kale/internal/relay/pool"
	rrepo "github.com/KanopusDev/Kale/internal/relay/repository"
	rsvc "github.com/KanopusDev/Kale/internal/relay/service"
	"github.com/KanopusDev/Kale/internal/settings"
	"github.com/KanopusDev/Kale/internal/templates"
	tdomain "github.com/KanopusDev/Kale/internal/tenants/domain"
	trepo "github.com/KanopusDev/Kale/internal/tenants/repository"
	tsvc "github.com/KanopusDev/Kale/internal/tenants/service"
)

func main() {
	_ = godotenv.Load()
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		fatalf("load config: %v", err)
	}
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	pgCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		fatalf("invalid DATABASE_URL: %v", err)
	}
	pgPool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		fatalf("pg pool: %v", err)
	}
	defer pgPool.Close()

	log := logger.New(cfg.AppEnv)
	tenantsSvc := tsvc.New(trepo.New(pgPool))
	settingsSvc := settings.New(pgPool)
	templatesSvc := templates.New(pgPool, log)
	box, err := secrets.NewBox(cfg.SecretsKey)
	if err != nil {
		fatalf("invalid SECRETS_KEY: %v", err)
	}
	dialer := &pool.SMTPDialer{Hostname: cfg.MailHostname, Timeout: cfg.RelayTimeout, InsecureSkipVerify: cfg.RelayTLSInsecure}
	relaySvc := rsvc.New(rrepo.New(pgPool), box, dialer)

	sub := os.Args[1]
	switch sub {
	case "tenant":
		fs := flag.NewFlagSet("tenant", flag.ExitOnError)
		username := fs.String("username", envOr("TENANT_USERNAME", "test"), "tenant username")
		email := fs.String("email", envOr("TENANT_EMAIL", "test@example.com"), "tenant contact email")
		tier := fs.String("tier", envOr("TENANT_TIER", "unverified"), "unverified|verified|enterprise")
		rotate := fs.Bool("rotate-key", envOrBool("ROTATE_KEY", false), "issue a new API key for an existing tenant")
		_ = fs.Parse(os.Args[2:])

		t, key, created, err := ensureTenant(ctx, tenantsSvc, *username, *email, *tier, *rotate)
		if err != nil {
			fatalf("tenant: %v", err)
		}
		out := map[string]string{"TENANT_ID": t.ID.String(), "TENANT_USERNAME": t.Username}
		if key != "" {
			out["KALE_API_KEY"] = key
		}
		printEnv(out)
		if created {
			stderr("created tenant %s (%s)", t.Username, t.Tier)
		} else if key == "" {
			stderr("tenant %s exists; pass --rotate-key to issue a new API key", t.Username)
		}
	case "relay":
		fs := flag.NewFlagSet("relay", flag.ExitOnError)
		tenantIDStr := fs.String("tenant-id", os.Getenv("TENANT_ID"), "tenant UUID")
		host := fs.String("host", os.Getenv("RELAY_HOST"), "SMTP relay host")
		port := fs.Int("port", envOrInt("RELAY_PORT", 587), "SMTP relay port")
		mode := fs.String("mode", os.Getenv("RELAY_MODE"), "plain|starttls|tls (empty infers from port)")
		user := fs.String("user", os.Getenv("RELAY_USER"), "relay username")
		password := fs.String("password", os.Getenv("RELAY_PASSWORD"), "relay password (secret)")
		from := fs.String("from", os.Getenv("RELAY_FROM"), "From address")
		fromName := fs.String("from-name", os.Getenv("RELAY_FROM_NAME"), "From display name")
		test := fs.Bool("test", envOrBool("RELAY_TEST", false), "open a session to verify the credential before saving")
		_ = fs.Parse(os.Args[2:])

		tenantID, err := uuid.Parse(strings.TrimSpace(*tenantIDStr))
		if err != nil {
			fatalf("invalid tenant-id: %v", err)
		}
		in := rsvc.CreateInput{
			TenantID:    tenantID,
			Host:        *host,
			Port:        *port,
			Mode:        *mode,
			Username:    *user,
			Password:    *password,
			FromAddress: *from,
			FromName:    *fromName,
		}
		if *test {
			m, err := rdomain.ParseMode(in.Mode)
			if err != nil {
				fatalf("relay mode: %v", err)
			}
			tctx, cancel := context.WithTimeout(ctx, cfg.RelayTimeout)
			err = relaySvc.Test(tctx, rdomain.Config{Host: in.Host, Port: in.Port, Mode: m, Username: in.Username, Password: in.Password})
			cancel()
			if err != nil {
				fatalf("relay test failed: %v", err)
			}
			stderr("relay %s:%d accepted the session", in.Host, in.Port)
		}
		c, err := relaySvc.Create(ctx, in)
		if err != nil {
			fatalf("relay create: %v", err)
		}
		printEnv(map[string]string{"TENANT_ID": tenantID.String(), "RELAY_ID": c.ID.String(), "RELAY_HOST": c.Host})
	case "templates":
		ids, err := templatesSvc.SeedSystem(ctx)
		if err != nil {
			fatalf("seed templates: %v", err)
		}
		printEnv(map[string]string{"SYSTEM_TEMPLATES": strings.Join(ids, ",")})
	case "setting":
		fs := flag.NewFlagSet("setting", flag.ExitOnError)
		tenantIDStr := fs.String("tenant-id", os.Getenv("TENANT_ID"), "tenant UUID (empty sets the global default)")
		key := fs.String("key", os.Getenv("SETTING_KEY"), "setting key, e.g. quota.email.daily_limit")
		value := fs.String("value", os.Getenv("SETTING_VALUE"), "setting value")
		_ = fs.Parse(os.Args[2:])

		if strings.TrimSpace(*key) == "" {
			fatalf("key is required")
		}
		var tenantID *uuid.UUID
		if s := strings.TrimSpace(*tenantIDStr); s != "" {
			id, err := uuid.Parse(s)
			if err != nil {
				fatalf("invalid tenant-id: %v", err)
			}
			tenantID = &id
		}
		if err := settingsSvc.Set(ctx, strings.TrimSpace(*key), tenantID, strings.TrimSpace(*value)); err != nil {
			fatalf("set %s: %v", *key, err)
		}
		scope := "global"
		if tenantID != nil {
			scope = tenantID.String()
		}
		stderr("set %s for %s", *key, scope)
	case "bounce":
		fs := flag.NewFlagSet("bounce", flag.ExitOnError)
		email := fs.String("email", os.Getenv("BOUNCE_EMAIL"), "bounced address")
		kind := fs.String("type", envOr("BOUNCE_TYPE", string(bdomain.TypeHard)), "hard|soft")
		reason := fs.String("reason", os.Getenv("BOUNCE_REASON"), "reason")
		_ = fs.Parse(os.Args[2:])

		bounces := bsvc.New(brepo.New(pgPool), 0, bsvc.WithLogger(log))
		if err := bounces.Add(ctx, *email, bdomain.Type(strings.ToLower(*kind)), *reason); err != nil {
			fatalf("add bounce: %v", err)
		}
		stderr("recorded %s bounce for %s", *kind, *email)
	case "default":
		fs := flag.NewFlagSet("default", flag.ExitOnError)
		username := fs.String("username", envOr("TENANT_USERNAME", "test"), "tenant username")
		email := fs.String("email", envOr("TENANT_EMAIL", "test@example.com"), "tenant contact email")
		tier := fs.String("tier", envOr("TENANT_TIER", "verified"), "tenant tier")
		_ = fs.Parse(os.Args[2:])

		ids, err := templatesSvc.SeedSystem(ctx)
		if err != nil {
			fatalf("seed templates: %v", err)
		}
		t, key, _, err := ensureTenant(ctx, tenantsSvc, *username, *email, *tier, true)
		if err != nil {
			fatalf("ensure tenant: %v", err)
		}
		printEnv(map[string]string{
			"TENANT_ID":        t.ID.String(),
			"TENANT_USERNAME":  t.Username,
			"KALE_API_KEY":     key,
			"SYSTEM_TEMPLATES": strings.Join(ids, ","),
		})
	default:
		usage()
		os.Exit(2)
	}
}

// ensureTenant returns the tenant named username, creating it when missing. A key is returned
// for new tenants and, when rotate is set, for existing ones.
func ensureTenant(ctx context.Context, svc tdomain.Service, username, email, tier string, rotate bool) (tdomain.Tenant, string, bool, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return tdomain.Tenant{}, "", false, errors.New("tenant username required")
	}
	t, err := svc.GetByUsername(ctx, username)
	if err == nil {
		if !rotate {
			return t, "", false, nil
		}
		key, err := svc.RotateAPIKey(ctx, t.ID)
		return t, key, false, err
	}
	if !errors.Is(err, tdomain.ErrNotFound) {
		return tdomain.Tenant{}, "", false, err
	}
	parsed, err := tdomain.ParseTier(tier)
	if err != nil {
		return tdomain.Tenant{}, "", false, err
	}
	t, key, err := svc.Create(ctx, username, strings.TrimSpace(email), parsed)
	if err != nil {
		return tdomain.Tenant{}, "", false, err
	}
	return t, key, true, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  seed tenant --username <name> [--email a@b.c] [--tier unverified|verified|enterprise] [--rotate-key]
  seed relay --tenant-id <uuid> --host <host> [--port 587] [--mode starttls] [--user u] [--password p] --from <addr> [--from-name Name] [--test]
  seed templates
  seed setting [--tenant-id <uuid>] --key <key> --value <value>
  seed bounce --email <addr> [--type hard|soft] [--reason text]
  seed default [--username test] [--email test@example.com] [--tier verified]

Environment fallbacks:
  TENANT_USERNAME, TENANT_EMAIL, TENANT_TIER, ROTATE_KEY, TENANT_ID
  RELAY_HOST, RELAY_PORT, RELAY_MODE, RELAY_USER, RELAY_PASSWORD, RELAY_FROM, RELAY_FROM_NAME, RELAY_TEST
  SETTING_KEY, SETTING_VALUE, BOUNCE_EMAIL, BOUNCE_TYPE, BOUNCE_REASON
`)
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envOrInt(k string, def int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(k))); err == nil {
		return v
	}
	return def
}

func envOrBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	if v == "true" || v == "1" || v == "yes" {
		return true
	}
	if v == "false" || v == "0" || v == "no" {
		return false
	}
	return def
}

func printEnv(kv map[string]string) {
	// KEY=VALUE lines so callers can tee into a .env file and source it.
	for k, v := range kv {
		fmt.Printf("%s=%s\n", k, v)
	}
}

func fatalf(f string, a ...any) {
	fmt.Fprintf(os.Stderr, f+"\n", a...)
	os.Exit(1)
}

func stderr(f string, a ...any) {
	fmt.Fprintf(os.Stderr, f+"\n", a...)
}

