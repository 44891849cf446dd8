// Package provider is the HTTP client for the messaging provider's template
// send endpoint, including classification of its structured error bodies.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider error codes the engine reacts to specially.
const (
	CodeThroughputExceeded = 130429 // too many requests to this sender
	CodeRateLimitHit       = 80007  // account-level throughput ceiling
	CodeUndeliverable      = 131026 // identity cannot receive messages
	CodeOptedOut           = 131050 // recipient stopped marketing messages
)

type Client struct {
	BaseURL    string
	APIVersion string
	Token      string
	HTTP       *http.Client
}

func NewClient(baseURL, apiVersion, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIVersion: apiVersion,
		Token:      token,
		HTTP:       &http.Client{Timeout: timeout},
	}
}

// TemplateParam is one resolved body parameter. Name is empty for
// positional templates.
type TemplateParam struct {
	Name string
	Text string
}

type SendRequest struct {
	SenderID     string // provider-side sender (phone number) identity
	To           string // normalized recipient identity
	TemplateName string
	Language     string
	Params       []TemplateParam
}

type SendResult struct {
	// MessageID may be empty even on a 2xx response; callers must treat
	// that as a failure, not a success.
	MessageID  string
	HTTPStatus int
}

// APIError is the provider's structured error body.
type APIError struct {
	Code       int    `json:"code"`
	Title      string `json:"error_user_title"`
	Message    string `json:"message"`
	Details    string `json:"-"`
	Subcode    int    `json:"error_subcode"`
	TraceID    string `json:"fbtrace_id"`
	Href       string `json:"href"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// ThroughputExceeded reports whether this error is the backpressure signal
// that drives the throttle controller.
func (e *APIError) ThroughputExceeded() bool {
	return e.Code == CodeThroughputExceeded || e.Code == CodeRateLimitHit
}

// Suppressible reports whether the identity should be auto-suppressed so
// later campaigns stop trying it.
func (e *APIError) Suppressible() bool {
	return e.Code == CodeUndeliverable || e.Code == CodeOptedOut
}

type errorEnvelope struct {
	Error struct {
		Code      int    `json:"code"`
		Title     string `json:"error_user_title"`
		Message   string `json:"message"`
		Subcode   int    `json:"error_subcode"`
		TraceID   string `json:"fbtrace_id"`
		Href      string `json:"href"`
		ErrorData struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"error"`
}

type successEnvelope struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendTemplate performs one template send. A nil error means a 2xx
// transport result only; the caller still has to check MessageID.
func (c *Client) SendTemplate(ctx context.Context, req SendRequest) (*SendResult, error) {
	payload := buildPayload(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.BaseURL, c.APIVersion, req.SenderID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env errorEnvelope
		if jsonErr := json.Unmarshal(raw, &env); jsonErr == nil && env.Error.Code != 0 {
			return nil, &APIError{
				Code:       env.Error.Code,
				Title:      env.Error.Title,
				Message:    env.Error.Message,
				Details:    env.Error.ErrorData.Details,
				Subcode:    env.Error.Subcode,
				TraceID:    env.Error.TraceID,
				Href:       env.Error.Href,
				HTTPStatus: resp.StatusCode,
			}
		}
		return nil, fmt.Errorf("provider returned HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var env successEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &SendResult{HTTPStatus: resp.StatusCode}, nil
	}
	result := &SendResult{HTTPStatus: resp.StatusCode}
	if len(env.Messages) > 0 {
		result.MessageID = env.Messages[0].ID
	}
	return result, nil
}

func buildPayload(req SendRequest) map[string]any {
	params := make([]map[string]any, 0, len(req.Params))
	for _, p := range req.Params {
		entry := map[string]any{"type": "text", "text": p.Text}
		if p.Name != "" {
			entry["parameter_name"] = p.Name
		}
		params = append(params, entry)
	}

	template := map[string]any{
		"name":     req.TemplateName,
		"language": map[string]any{"code": req.Language},
	}
	if len(params) > 0 {
		template["components"] = []map[string]any{
			{"type": "body", "parameters": params},
		}
	}

	return map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                req.To,
		"type":              "template",
		"template":          template,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
