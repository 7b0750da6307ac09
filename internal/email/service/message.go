package service

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/k3a/html2text"

	"github.com/KanopusDev/Kale/internal/version"
)

// Envelope is the addressing of one outgoing message.
type Envelope struct {
	FromAddress string
	FromName    string
	To          string
	Hostname    string
	Date        time.Time
}

// ComposeMessage builds an RFC 5322 message. With an HTML body it is multipart/alternative;
// a missing text part is derived from the HTML.
func ComposeMessage(env Envelope, r Rendered) ([]byte, error) {
	var h mail.Header
	h.SetDate(env.Date)
	h.SetAddressList("From", []*mail.Address{{Name: env.FromName, Address: env.FromAddress}})
	h.SetAddressList("To", []*mail.Address{{Address: env.To}})
	h.SetSubject(r.Subject)
	host := env.Hostname
	if host == "" {
		host = "localhost"
	}
	h.SetMessageID(uuid.NewString() + "@" + host)
	h.Set("MIME-Version", "1.0")
	h.Set("X-Mailer", version.Mailer())

	text := r.Text
	if strings.TrimSpace(text) == "" && r.HTML != "" {
		text = html2text.HTML2Text(r.HTML)
	}

	var buf bytes.Buffer
	if r.HTML == "" {
		h.Set("Content-Type", "text/plain; charset=utf-8")
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, text); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	for _, part := range []struct{ ctype, body string }{
		{"text/plain; charset=utf-8", text},
		{"text/html; charset=utf-8", r.HTML},
	} {
		var ph mail.InlineHeader
		ph.Set("Content-Type", part.ctype)
		w, err := mw.CreatePart(ph)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, part.body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
