package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	tpldomain "github.com/KanopusDev/Kale/internal/templates/domain"
)

func TestRender_SubstitutesAndKeepsUnknown(t *testing.T) {
	tpl := tpldomain.Template{
		Subject:  "Welcome {{ name }}",
		HTMLBody: "<p>Hello {{name}}, your code is {{missing_var}}</p>",
		TextBody: "Hello {{name}}, your code is {{missing_var}}",
	}
	r := Render(tpl, map[string]string{"name": "Ada"})

	assert.Equal(t, "Welcome Ada", r.Subject)
	assert.Equal(t, "<p>Hello Ada, your code is {{missing_var}}</p>", r.HTML)
	assert.Equal(t, "Hello Ada, your code is {{missing_var}}", r.Text)
}

func TestRender_EscapesHTMLOnly(t *testing.T) {
	tpl := tpldomain.Template{
		Subject:  "{{who}}",
		HTMLBody: "<b>{{who}}</b>",
		TextBody: "{{who}}",
	}
	r := Render(tpl, map[string]string{"who": "<script>x</script>"})

	assert.Equal(t, "<b>&lt;script&gt;x&lt;/script&gt;</b>", r.HTML)
	assert.Equal(t, "<script>x</script>", r.Text)
}

func TestRender_SubjectValuesAreSingleLine(t *testing.T) {
	tpl := tpldomain.Template{Subject: "Hi {{name}}"}
	r := Render(tpl, map[string]string{"name": "Ada\r\nBcc: evil@example.com"})
	assert.Equal(t, "Hi Ada Bcc: evil@example.com", r.Subject)
	assert.NotContains(t, r.Subject, "\n")
}

func TestMergeVariables_RequestWins(t *testing.T) {
	got := MergeVariables(
		map[string]string{"expiry_hours": "24", "name": "friend"},
		map[string]string{"name": "Ada"},
	)
	assert.Equal(t, map[string]string{"expiry_hours": "24", "name": "Ada"}, got)
}
