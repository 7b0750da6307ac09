package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
)

func TestEffectiveMode(t *testing.T) {
	cases := []struct {
		cfg  Config
		want Mode
	}{
		{Config{Port: 465}, ModeImplicitTLS},
		{Config{Port: 587}, ModeStartTLS},
		{Config{Port: 25}, ModeStartTLS},
		{Config{Port: 2525}, ModeOpportunistic},
		{Config{Port: 2525, Mode: ModeStartTLS}, ModeStartTLS},
		{Config{Port: 465, Mode: ModeStartTLS}, ModeStartTLS},
		{Config{Port: 587, Mode: ModePlain}, ModePlain},
		{Config{Port: 25, Mode: ModeImplicitTLS}, ModeImplicitTLS},
	}
	for _, tc := range cases {
		if got := tc.cfg.EffectiveMode(); got != tc.want {
			t.Errorf("port=%d mode=%q: expected %q got %q", tc.cfg.Port, tc.cfg.Mode, tc.want, got)
		}
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeAuto, "ssl": ModeImplicitTLS, "STARTTLS": ModeStartTLS, "plain": ModePlain} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("quantum"); err == nil {
		t.Errorf("expected error for unknown mode")
	}
}

func TestKey_IsolatesCredentials(t *testing.T) {
	base := Config{Host: "smtp.example.com", Port: 587, Username: "u", Password: "p1"}
	other := base
	other.Password = "p2"
	if base.Key() == other.Key() {
		t.Fatalf("different secrets must produce different keys")
	}
	user := base
	user.Username = "v"
	if base.Key() == user.Key() {
		t.Fatalf("different principals must produce different keys")
	}
	explicit := base
	explicit.Mode = ModeStartTLS
	if base.Key() != explicit.Key() {
		t.Fatalf("auto and explicit starttls on 587 resolve to the same session and should share a key")
	}
	if strings.Contains(base.Key(), "p1") {
		t.Fatalf("key must not contain the secret")
	}
	upper := base
	upper.Host = "SMTP.EXAMPLE.COM"
	if base.Key() != upper.Key() {
		t.Fatalf("host comparison should be case-insensitive")
	}
}

func TestClassify(t *testing.T) {
	authFail := &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "bad credentials"}
	authTemp := &smtp.SMTPError{Code: 454, EnhancedCode: smtp.EnhancedCode{4, 7, 0}, Message: "try later"}
	rcptPerm := &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}
	rcptTemp := &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "greylisted"}

	cases := []struct {
		op        string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"auth", authFail, KindAuthRejected, false},
		{"auth", authTemp, KindAuthRejected, true},
		{"rcpt", rcptPerm, KindProtocol, false},
		{"rcpt", rcptTemp, KindProtocol, true},
		{"dial", errors.New("connection refused"), KindUnreachable, true},
		{"data", io.EOF, KindUnreachable, true},
		{"mail", context.DeadlineExceeded, KindUnreachable, true},
		{"mail", fmt.Errorf("wrapped: %w", rcptPerm), KindProtocol, false},
	}
	for _, tc := range cases {
		got := Classify(tc.op, tc.err)
		if got.Kind != tc.kind || got.Retryable != tc.retryable {
			t.Errorf("Classify(%s, %v) = %s retryable=%v, want %s retryable=%v", tc.op, tc.err, got.Kind, got.Retryable, tc.kind, tc.retryable)
		}
	}
	if Classify("x", nil) != nil {
		t.Errorf("nil error must classify to nil")
	}
}

func TestIsBroken(t *testing.T) {
	if !IsBroken(Classify("data", io.EOF)) {
		t.Errorf("transport errors break the connection")
	}
	if IsBroken(Classify("rcpt", &smtp.SMTPError{Code: 550})) {
		t.Errorf("a rejected recipient leaves the session usable")
	}
}
