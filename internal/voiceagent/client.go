// Package voiceagent is the HTTP client for the outbound calling vendor:
// call creation and call-status lookup.
package voiceagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reminder_calls_backend/platform/apperr"
	"reminder_calls_backend/platform/config"
	"reminder_calls_backend/platform/logger"
	"reminder_calls_backend/platform/phone"
	"reminder_calls_backend/platform/validator"
)

const maxErrorBody = 4 << 10

type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	validate *validator.Validator
	log      *logger.Logger
}

// CreateCallRequest starts one outbound call.
type CreateCallRequest struct {
	FromNumber       string            `json:"from_number" validate:"required,e164"`
	ToNumber         string            `json:"to_number" validate:"required,e164"`
	AgentID          string            `json:"override_agent_id,omitempty" validate:"max=128"`
	DynamicVariables map[string]string `json:"retell_llm_dynamic_variables,omitempty" validate:"max=64"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// CreateCallResponse is the vendor's acknowledgement.
type CreateCallResponse struct {
	CallID     string `json:"call_id"`
	CallStatus string `json:"call_status"`
}

// NewClient returns nil when no vendor URL is configured.
func NewClient(cfg config.VoiceAgentConfig, log *logger.Logger) *Client {
	if cfg.GetVoiceAPIURL() == "" {
		return nil
	}

	timeout := cfg.GetVoiceAPITimeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.GetVoiceAPIURL(), "/"),
		apiKey:   cfg.GetVoiceAPIKey(),
		http:     &http.Client{Timeout: timeout},
		validate: validator.New(),
		log:      log.WithComponent("voiceagent"),
	}
}

// CreateCall validates both numbers locally before anything is sent; a
// malformed number is a validation error and never reaches the vendor.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResponse, error) {
	if c == nil {
		return CreateCallResponse{}, apperr.Unavailable("voice agent not configured", nil)
	}

	to, err := phone.ValidateE164(req.ToNumber)
	if err != nil {
		return CreateCallResponse{}, apperr.Validation("invalid destination number").WithOp("voiceagent.CreateCall")
	}
	req.ToNumber = to
	if from, err := phone.ValidateE164(req.FromNumber); err == nil {
		req.FromNumber = from
	}
	if err := c.validate.Struct(req); err != nil {
		return CreateCallResponse{}, apperr.Validation(err.Error()).WithOp("voiceagent.CreateCall")
	}

	var out CreateCallResponse
	if err := c.do(ctx, http.MethodPost, "/v2/create-phone-call", req, &out); err != nil {
		return CreateCallResponse{}, err
	}
	if out.CallID == "" {
		return CreateCallResponse{}, apperr.Unavailable("voice agent returned no call id", nil)
	}

	c.log.Info("vendor call created", "callId", out.CallID, "status", out.CallStatus)
	return out, nil
}

// GetCall fetches the current status and analysis of a call.
func (c *Client) GetCall(ctx context.Context, callID string) (CallDetail, error) {
	if c == nil {
		return CallDetail{}, apperr.Unavailable("voice agent not configured", nil)
	}
	if strings.TrimSpace(callID) == "" {
		return CallDetail{}, apperr.Validation("call id is required")
	}

	var out CallDetail
	if err := c.do(ctx, http.MethodGet, "/v2/get-call/"+url.PathEscape(callID), nil, &out); err != nil {
		return CallDetail{}, err
	}
	if out.CallID == "" {
		out.CallID = callID
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal voice agent payload: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Unavailable("voice agent request failed", err).WithOp(method + " " + path)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(resp.StatusCode, strings.TrimSpace(string(data))).WithOp(method + " " + path)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Unavailable("decode voice agent response", err).WithOp(method + " " + path)
	}
	return nil
}

func statusError(status int, body string) *apperr.Error {
	msg := fmt.Sprintf("voice agent returned %d", status)
	if body != "" {
		msg += ": " + body
	}
	switch {
	case status == http.StatusNotFound:
		return apperr.NotFound(msg)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return apperr.Unavailable(msg, nil)
	default:
		return apperr.BadRequest(msg)
	}
}

// IsTransient reports whether err is worth retrying on a later attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return apperr.Is(err, apperr.KindUnavailable)
}
