package service

import (
	"embed"
	"errors"
	"io/fs"

	domain "github.com/KanopusDev/Kale/internal/templates/domain"
)

//go:embed system/*
var systemFS embed.FS

type systemTemplate struct {
	id       string
	name     string
	subject  string
	defaults map[string]string
}

var systemTemplates = []systemTemplate{
	{
		id:       "welcome_user",
		name:     "Welcome Email",
		subject:  "Welcome to {{company_name}}, {{user_name}}!",
		defaults: map[string]string{"company_address": ""},
	},
	{
		id:       "password_reset",
		name:     "Password Reset",
		subject:  "Reset your {{service_name}} password",
		defaults: map[string]string{"expiry_hours": "24"},
	},
	{
		id:       "invoice_notification",
		name:     "Invoice Notification",
		subject:  "Invoice #{{invoice_number}} from {{company_name}}",
		defaults: map[string]string{"company_address": ""},
	},
	{
		id:       "newsletter_template",
		name:     "Company Newsletter",
		subject:  "{{newsletter_title}} - {{month}} {{year}}",
		defaults: map[string]string{"manage_preferences_url": ""},
	},
}

// SystemTemplates returns the built-in templates. A missing .txt body is left empty so the
// text part is derived from HTML at send time.
func SystemTemplates() ([]domain.Template, error) {
	out := make([]domain.Template, 0, len(systemTemplates))
	for _, st := range systemTemplates {
		html, err := fs.ReadFile(systemFS, "system/"+st.id+".html")
		if err != nil {
			return nil, err
		}
		text, err := fs.ReadFile(systemFS, "system/"+st.id+".txt")
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		defs := make(map[string]string, len(st.defaults))
		for k, v := range st.defaults {
			defs[k] = v
		}
		out = append(out, domain.Template{
			ID:               st.id,
			Name:             st.name,
			Subject:          st.subject,
			HTMLBody:         string(html),
			TextBody:         string(text),
			DefaultVariables: defs,
			Public:           true,
			System:           true,
		})
	}
	return out, nil
}
