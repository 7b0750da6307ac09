package pool

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	rdomain "github.com/KanopusDev/Kale/internal/relay/domain"
)

// SMTPDialer opens relay sessions with go-smtp.
type SMTPDialer struct {
	// Hostname is announced in EHLO.
	Hostname string
	// Timeout bounds connecting and every SMTP command.
	Timeout time.Duration
	// InsecureSkipVerify disables certificate checks for every relay.
	InsecureSkipVerify bool
}

var _ Dialer = (*SMTPDialer)(nil)

func (d *SMTPDialer) Dial(ctx context.Context, cfg rdomain.Config) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hostname := d.Hostname
	if hostname == "" {
		hostname = "localhost"
	}
	tlsConfig := &tls.Config{
		ServerName:         cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: d.InsecureSkipVerify || cfg.InsecureSkipVerify,
	}
	mode := cfg.EffectiveMode()

	nd := &net.Dialer{Timeout: timeout}
	var (
		conn net.Conn
		err  error
	)
	if mode == rdomain.ModeImplicitTLS {
		td := &tls.Dialer{NetDialer: nd, Config: tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", cfg.Addr())
	} else {
		conn, err = nd.DialContext(ctx, "tcp", cfg.Addr())
	}
	if err != nil {
		return nil, &rdomain.Error{Kind: rdomain.KindUnreachable, Op: "dial", Retryable: true, Err: err}
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c := smtp.NewClient(conn)
	c.CommandTimeout = timeout
	c.SubmissionTimeout = timeout

	fail := func(op string, err error) (Conn, error) {
		_ = c.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &rdomain.Error{Kind: rdomain.KindUnreachable, Op: op, Retryable: true, Err: ctxErr}
		}
		return nil, rdomain.Classify(op, err)
	}

	if err := c.Hello(hostname); err != nil {
		return fail("hello", err)
	}
	secure := mode == rdomain.ModeImplicitTLS
	if mode == rdomain.ModeStartTLS || mode == rdomain.ModeOpportunistic {
		ok, _ := c.Extension("STARTTLS")
		switch {
		case ok:
			if err := c.StartTLS(tlsConfig); err != nil {
				_ = c.Close()
				return nil, &rdomain.Error{Kind: rdomain.KindUnreachable, Op: "starttls", Retryable: true, Err: err}
			}
			secure = true
		case mode == rdomain.ModeStartTLS:
			_ = c.Close()
			return nil, &rdomain.Error{Kind: rdomain.KindUnreachable, Op: "starttls", Retryable: true, Err: errors.New("relay does not offer STARTTLS")}
		}
	}
	if cfg.Username != "" && !secure && mode != rdomain.ModePlain {
		_ = c.Close()
		return nil, &rdomain.Error{Kind: rdomain.KindAuthRejected, Op: "auth", Err: errors.New("refusing to send credentials without TLS; set mode plain to allow it")}
	}
	if cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			_ = c.Close()
			return nil, &rdomain.Error{Kind: rdomain.KindAuthRejected, Op: "auth", Err: errors.New("relay does not offer AUTH")}
		}
		var mech sasl.Client
		if !c.SupportsAuth(sasl.Plain) && c.SupportsAuth(sasl.Login) {
			mech = sasl.NewLoginClient(cfg.Username, cfg.Password)
		} else {
			mech = sasl.NewPlainClient("", cfg.Username, cfg.Password)
		}
		if err := c.Auth(mech); err != nil {
			return fail("auth", err)
		}
	}
	return &smtpConn{c: c, raw: conn}, nil
}

type smtpConn struct {
	c   *smtp.Client
	raw net.Conn
}

func (s *smtpConn) Noop() error  { return s.c.Noop() }
func (s *smtpConn) Reset() error { return s.c.Reset() }

func (s *smtpConn) Send(ctx context.Context, from string, to []string, msg []byte) error {
	stop := context.AfterFunc(ctx, func() { _ = s.raw.SetDeadline(time.Now()) })
	defer stop()

	wrap := func(op string, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &rdomain.Error{Kind: rdomain.KindUnreachable, Op: op, Retryable: true, Err: ctxErr}
		}
		return rdomain.Classify(op, err)
	}

	if err := s.c.Mail(from, nil); err != nil {
		return wrap("mail", err)
	}
	for _, rcpt := range to {
		if err := s.c.Rcpt(rcpt, nil); err != nil {
			return wrap("rcpt", err)
		}
	}
	w, err := s.c.Data()
	if err != nil {
		return wrap("data", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return wrap("data", err)
	}
	if err := w.Close(); err != nil {
		return wrap("data", err)
	}
	return nil
}

func (s *smtpConn) Close() error {
	if err := s.c.Quit(); err != nil {
		return s.c.Close()
	}
	return nil
}
