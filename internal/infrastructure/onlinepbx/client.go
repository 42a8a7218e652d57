package onlinepbx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"PBXNotifier/internal/config"
	"PBXNotifier/internal/domain"
	"PBXNotifier/internal/ports"
)

const authHeader = "x-pbx-authentication"

// Client talks to the OnlinePBX call-history API.
type Client struct {
	authURL      string
	authKey      string
	historyURL   string
	authTimeout  time.Duration
	fetchTimeout time.Duration
	http         *http.Client
	logger       *slog.Logger
}

var _ ports.CallHistory = (*Client)(nil)

// NewClient creates a reusable API client. Per-call deadlines come from cfg.
func NewClient(cfg config.PBXConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		authURL:      cfg.AuthURL,
		authKey:      cfg.AuthKey,
		historyURL:   cfg.HistoryURL,
		authTimeout:  cfg.AuthTimeout,
		fetchTimeout: cfg.FetchTimeout,
		http:         httpClient,
		logger:       logger.With("component", "onlinepbx"),
	}
}

// Authenticate exchanges the static auth key for a session credential.
// Every failure wraps ports.ErrAuthentication.
func (c *Client) Authenticate(ctx context.Context) (ports.Credential, error) {
	var env envelope
	err := c.post(ctx, c.authURL, c.authTimeout, ports.Credential{}, map[string]any{"auth_key": c.authKey}, &env)
	if errors.Is(err, ports.ErrAuthentication) {
		return ports.Credential{}, err
	}
	if err != nil {
		return ports.Credential{}, fmt.Errorf("%w: %v", ports.ErrAuthentication, err)
	}
	if !env.ok() {
		return ports.Credential{}, fmt.Errorf("%w: status %q %s", ports.ErrAuthentication, env.Status, env.Comment)
	}

	var data authData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return ports.Credential{}, fmt.Errorf("%w: decode key: %v", ports.ErrAuthentication, err)
	}
	if data.Key == "" || data.KeyID == "" {
		return ports.Credential{}, fmt.Errorf("%w: empty key in response", ports.ErrAuthentication)
	}

	c.logger.Debug("authenticated", "key_id", shortID(data.KeyID))
	return ports.Credential{KeyID: data.KeyID, Key: data.Key}, nil
}

// FetchCalls returns calls started within [start, end], in provider order.
func (c *Client) FetchCalls(ctx context.Context, cred ports.Credential, start, end int64) ([]domain.CallRecord, error) {
	payload := map[string]any{
		"start_stamp_from": start,
		"start_stamp_to":   end,
	}

	var env envelope
	if err := c.post(ctx, c.historyURL, c.fetchTimeout, cred, payload, &env); err != nil {
		return nil, fmt.Errorf("fetch calls: %w", err)
	}
	if !env.ok() {
		return nil, fmt.Errorf("fetch calls: status %q %s", env.Status, env.Comment)
	}

	var wire []wireCall
	if len(env.Data) > 0 && !bytes.Equal(bytes.TrimSpace(env.Data), null) {
		if err := json.Unmarshal(env.Data, &wire); err != nil {
			return nil, fmt.Errorf("decode calls: %w", err)
		}
	}

	calls := make([]domain.CallRecord, 0, len(wire))
	for _, w := range wire {
		if w.UUID == "" {
			c.logger.Warn("skipping call without uuid", "start_stamp", int64(w.StartStamp))
			continue
		}
		calls = append(calls, w.toDomain())
	}

	c.logger.Info("calls fetched", "count", len(calls), "window", domain.Window{Start: start, End: end})
	return calls, nil
}

// RequestArchiveURL asks for a recordings bundle. "" means none is available.
func (c *Client) RequestArchiveURL(ctx context.Context, cred ports.Credential, start, end int64) (string, error) {
	payload := map[string]any{
		"start_stamp_from": start,
		"start_stamp_to":   end,
		"download":         "1",
	}

	var env envelope
	if err := c.post(ctx, c.historyURL, c.fetchTimeout, cred, payload, &env); err != nil {
		return "", fmt.Errorf("request archive: %w", err)
	}
	if !env.ok() {
		c.logger.Info("no recordings bundle", "status", string(env.Status), "comment", env.Comment)
		return "", nil
	}

	var url string
	if err := json.Unmarshal(env.Data, &url); err != nil {
		return "", fmt.Errorf("decode archive url: %w", err)
	}
	return url, nil
}

func (c *Client) post(ctx context.Context, url string, timeout time.Duration, cred ports.Credential, payload any, v any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cred.KeyID != "" {
		req.Header.Set(authHeader, cred.KeyID+":"+cred.Key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ports.ErrAuthentication, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
