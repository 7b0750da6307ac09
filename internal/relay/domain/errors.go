package domain

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/emersion/go-smtp"
)

// ErrorKind classifies relay failures.
type ErrorKind string

const (
	KindUnreachable  ErrorKind = "relay_unreachable"
	KindAuthRejected ErrorKind = "relay_auth_rejected"
	KindProtocol     ErrorKind = "relay_protocol_error"
)

// Error wraps a relay failure with whether retrying later could succeed.
type Error struct {
	Kind      ErrorKind
	Op        string
	Code      int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (%d): %v", e.Kind, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps a failure during op (dial, hello, starttls, auth, mail, rcpt, data, noop) to an *Error.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		if op == "auth" {
			return &Error{Kind: KindAuthRejected, Op: op, Code: smtpErr.Code, Retryable: smtpErr.Temporary(), Err: err}
		}
		return &Error{Kind: KindProtocol, Op: op, Code: smtpErr.Code, Retryable: smtpErr.Temporary(), Err: err}
	}

	if isTransportError(err) {
		return &Error{Kind: KindUnreachable, Op: op, Retryable: true, Err: err}
	}
	if op == "dial" || op == "hello" || op == "starttls" {
		return &Error{Kind: KindUnreachable, Op: op, Retryable: true, Err: err}
	}
	return &Error{Kind: KindProtocol, Op: op, Retryable: true, Err: err}
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return true
	}
	var hostErr x509.HostnameError
	return errors.As(err, &hostErr)
}

// IsRetryable reports whether err is a relay failure that may succeed on a later attempt.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// IsBroken reports whether the connection that produced err can no longer be used.
func IsBroken(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindUnreachable
	}
	return err != nil
}
