package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// KaleClient calls the Kale Email API with an API key.
type KaleClient struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	HTTP    *http.Client
}

type RecipientResult struct {
	Recipient  string `json:"recipient" yaml:"recipient"`
	Status     string `json:"status" yaml:"status"`
	ErrorClass string `json:"error_class,omitempty" yaml:"error_class,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

type SendResponse struct {
	Message             string            `json:"message" yaml:"message"`
	RequestID           string            `json:"request_id" yaml:"request_id"`
	TemplateID          string            `json:"template_id" yaml:"template_id"`
	Successful          int               `json:"successful" yaml:"successful"`
	Failed              int               `json:"failed" yaml:"failed"`
	Skipped             int               `json:"skipped" yaml:"skipped"`
	Results             []RecipientResult `json:"results" yaml:"results"`
	RemainingDailyLimit int64             `json:"remaining_daily_limit" yaml:"remaining_daily_limit"`
	Replayed            bool              `json:"replayed,omitempty" yaml:"replayed,omitempty"`
}

type WindowQuota struct {
	Window    string    `json:"window" yaml:"window"`
	Limit     int64     `json:"limit" yaml:"limit"`
	Used      int64     `json:"used" yaml:"used"`
	Remaining int64     `json:"remaining" yaml:"remaining"`
	ResetAt   time.Time `json:"reset_at" yaml:"reset_at"`
}

type QuotaResponse struct {
	TenantID string        `json:"tenant_id" yaml:"tenant_id"`
	Tier     string        `json:"tier" yaml:"tier"`
	Email    []WindowQuota `json:"email" yaml:"email"`
	API      []WindowQuota `json:"api" yaml:"api"`
}

type AccountResponse struct {
	ID              string `json:"id" yaml:"id"`
	Username        string `json:"username" yaml:"username"`
	Email           string `json:"email" yaml:"email"`
	Tier            string `json:"tier" yaml:"tier"`
	IsSuspended     bool   `json:"is_suspended" yaml:"is_suspended"`
	TotalEmailsSent int64  `json:"total_emails_sent" yaml:"total_emails_sent"`
	EmailsSentToday int    `json:"emails_sent_today" yaml:"emails_sent_today"`
	LastAPICall     string `json:"last_api_call,omitempty" yaml:"last_api_call,omitempty"`
}

type HealthResponse struct {
	Status    string         `json:"status" yaml:"status"`
	Version   string         `json:"version" yaml:"version"`
	DB        string         `json:"db" yaml:"db"`
	Cache     string         `json:"cache" yaml:"cache"`
	RelayPool map[string]int `json:"relay_pool" yaml:"relay_pool"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status     int
	Message    string
	RetryAfter string
}

func (e *APIError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("API error (%d): %s (retry after %ss)", e.Status, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

func (c *KaleClient) do(ctx context.Context, method, path string, body any, headers map[string]string, target any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	url := c.BaseURL + path
	logVerbose("Making %s request to %s", method, url)
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	hc := c.HTTP
	if hc == nil {
		t := c.Timeout
		if t <= 0 {
			t = 60 * time.Second
		}
		hc = &http.Client{Timeout: t}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	logVerbose("Response status: %s", resp.Status)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data)), RetryAfter: resp.Header.Get("Retry-After")}
		var e struct {
			Error  string              `json:"error"`
			Fields map[string][]string `json:"fields"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
			for f, problems := range e.Fields {
				apiErr.Message += fmt.Sprintf("; %s: %s", f, strings.Join(problems, ","))
			}
		}
		return apiErr
	}
	if target != nil {
		if err := json.Unmarshal(data, target); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *KaleClient) Send(ctx context.Context, username, templateID string, recipients []string, vars map[string]string, idempotencyKey string) (SendResponse, error) {
	var out SendResponse
	body := map[string]any{"recipients": recipients}
	if len(vars) > 0 {
		body["variables"] = vars
	}
	path := fmt.Sprintf("/api/v1/email/%s/%s", username, templateID)
	err := c.do(ctx, http.MethodPost, path, body, map[string]string{"Idempotency-Key": idempotencyKey}, &out)
	return out, err
}

func (c *KaleClient) Quota(ctx context.Context) (QuotaResponse, error) {
	var out QuotaResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/quota", nil, nil, &out)
	return out, err
}

func (c *KaleClient) Account(ctx context.Context) (AccountResponse, error) {
	var out AccountResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/account", nil, nil, &out)
	return out, err
}

func (c *KaleClient) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &out)
	return out, err
}

// parseVariables merges a JSON vars file with key=value pairs; pairs win.
func parseVariables(pairs []string, file string) (map[string]string, error) {
	vars := map[string]string{}
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read vars file: %w", err)
		}
		var raw map[string]any
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("vars file must be a JSON object: %w", err)
		}
		for k, v := range raw {
			if s, ok := v.(string); ok {
				vars[k] = s
			} else {
				vars[k] = fmt.Sprint(v)
			}
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", p)
		}
		vars[strings.TrimSpace(k)] = v
	}
	return vars, nil
}

func printSendResult(w io.Writer, r SendResponse) error {
	if outputFmt != "table" {
		return formatOutput(w, r)
	}
	fmt.Fprintf(w, "%s (request %s)\n", r.Message, r.RequestID)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECIPIENT\tSTATUS\tERROR")
	for _, rr := range r.Results {
		errText := rr.ErrorClass
		if rr.Error != "" {
			errText += ": " + rr.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", rr.Recipient, rr.Status, errText)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	remaining := "unlimited"
	if r.RemainingDailyLimit >= 0 {
		remaining = fmt.Sprint(r.RemainingDailyLimit)
	}
	fmt.Fprintf(w, "sent=%d failed=%d skipped=%d remaining_today=%s\n", r.Successful, r.Failed, r.Skipped, remaining)
	return nil
}

func printQuota(w io.Writer, q QuotaResponse) error {
	if outputFmt != "table" {
		return formatOutput(w, q)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tWINDOW\tUSED\tLIMIT\tREMAINING\tRESETS")
	row := func(resource string, wq WindowQuota) {
		limit, remaining := fmt.Sprint(wq.Limit), fmt.Sprint(wq.Remaining)
		if wq.Limit < 0 {
			limit, remaining = "unlimited", "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", resource, wq.Window, wq.Used, limit, remaining, wq.ResetAt.Local().Format(time.RFC3339))
	}
	for _, wq := range q.Email {
		row("email", wq)
	}
	for _, wq := range q.API {
		row("api", wq)
	}
	return tw.Flush()
}
