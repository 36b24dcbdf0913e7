package relayqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Transport performs the actual call against the backend. Send returns
// the response payload on success, ErrAuthExpired when the session
// token was rejected, a *TransientError for retryable failures, and a
// *PermanentError for definitive rejections. Retry scheduling belongs
// to the dispatchers, never to the transport.
type Transport interface {
	Send(ctx context.Context, name string, data map[string]any, token string) (map[string]any, error)
	Authenticate(ctx context.Context, creds Credentials) (string, error)
}

type HTTPTransportOptions struct {
	BaseURL     string
	CommandPath string
	AuthPath    string
	HTTPClient  *http.Client
	UserAgent   string
}

// HTTPTransport sends commands as JSON POSTs to the relay API.
type HTTPTransport struct {
	baseURL     string
	commandPath string
	authPath    string
	httpClient  *http.Client
	userAgent   string
}

func NewHTTPTransport(opts HTTPTransportOptions) *HTTPTransport {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	commandPath := strings.TrimSpace(opts.CommandPath)
	if commandPath == "" {
		commandPath = "/v1/commands"
	}
	authPath := strings.TrimSpace(opts.AuthPath)
	if authPath == "" {
		authPath = "/v1/auth/login"
	}
	return &HTTPTransport{
		baseURL:     baseURL,
		commandPath: strings.TrimRight(commandPath, "/"),
		authPath:    authPath,
		httpClient:  httpClient,
		userAgent:   strings.TrimSpace(opts.UserAgent),
	}
}

func (t *HTTPTransport) Send(ctx context.Context, name string, data map[string]any, token string) (map[string]any, error) {
	if t == nil {
		return nil, fmt.Errorf("http transport is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidInput
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	endpoint := t.baseURL + t.commandPath + "/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Class: FailureNetwork, Message: err.Error()}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &TransientError{Class: FailureNetwork, Message: readErr.Error()}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		var payload map[string]any
		if len(respBody) > 0 {
			_ = json.Unmarshal(respBody, &payload)
		}
		return payload, nil
	}
	return nil, classifyStatus(resp.StatusCode, respBody)
}

func (t *HTTPTransport) Authenticate(ctx context.Context, creds Credentials) (string, error) {
	if t == nil {
		return "", fmt.Errorf("http transport is nil")
	}
	if creds.Empty() {
		return "", &AuthError{Message: "no stored credentials"}
	}
	body, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+t.authPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &TransientError{Class: FailureNetwork, Message: err.Error()}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", &TransientError{Class: FailureNetwork, Message: readErr.Error()}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		var parsed struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return "", &AuthError{Message: "malformed authentication response"}
		}
		if strings.TrimSpace(parsed.Token) == "" {
			return "", &AuthError{Message: "authentication response carried no token"}
		}
		return parsed.Token, nil
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &AuthError{Status: resp.StatusCode, Message: responseMessage(respBody)}
	}
	return "", classifyStatus(resp.StatusCode, respBody)
}

// classifyStatus maps a non-2xx response onto the failure taxonomy:
// 401 means the session expired, 429 and 5xx are retryable, everything
// else in the 4xx range is a permanent rejection.
func classifyStatus(status int, body []byte) error {
	msg := responseMessage(body)
	switch {
	case status == http.StatusUnauthorized:
		return ErrAuthExpired
	case status == http.StatusTooManyRequests:
		return &TransientError{Class: FailureServer, Status: status, Message: msg}
	case status >= 500 && status <= 599:
		return &TransientError{Class: FailureServer, Status: status, Message: msg}
	case status >= 400 && status <= 499:
		return &PermanentError{Status: status, Reason: msg}
	default:
		return &TransientError{Class: FailureUnknown, Status: status, Message: msg}
	}
}

func responseMessage(body []byte) string {
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			return message
		}
		if code, ok := parsed["code"].(string); ok && strings.TrimSpace(code) != "" {
			return code
		}
	}
	return strings.TrimSpace(string(body))
}
