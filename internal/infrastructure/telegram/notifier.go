package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"PBXNotifier/internal/config"
	"PBXNotifier/internal/ports"
)

const (
	parseModeHTML      = "HTML"
	defaultRetryAfter  = time.Second
	contentTypeForm    = "application/x-www-form-urlencoded"
	defaultTelegramAPI = "https://api.telegram.org"
)

// Notifier talks to the Telegram Bot API. It sends channel notifications,
// command replies, and owns webhook registration.
type Notifier struct {
	botToken    string
	apiURL      string
	sendTimeout time.Duration
	client      *http.Client
	logger      *slog.Logger
}

var _ ports.ChannelSender = (*Notifier)(nil)

// NewNotifier registers the bot token and API endpoint.
func NewNotifier(cfg config.TelegramConfig, client *http.Client, logger *slog.Logger) *Notifier {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	api := strings.TrimRight(cfg.APIURL, "/")
	if api == "" {
		api = defaultTelegramAPI
	}
	return &Notifier{
		botToken:    cfg.BotToken,
		apiURL:      api,
		sendTimeout: cfg.SendTimeout,
		client:      client,
		logger:      logger.With("component", "telegram"),
	}
}

// apiResponse is the envelope of every Bot API reply.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendText posts an HTML message.
func (n *Notifier) SendText(ctx context.Context, destination, text string) error {
	form := url.Values{}
	form.Set("chat_id", destination)
	form.Set("text", text)
	form.Set("parse_mode", parseModeHTML)

	return n.call(ctx, "sendMessage", n.sendTimeout, strings.NewReader(form.Encode()), contentTypeForm, nil)
}

// SendAudio uploads the file at path with an HTML caption.
func (n *Notifier) SendAudio(ctx context.Context, destination, path, caption string) error {
	fd, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer fd.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"chat_id":    destination,
		"caption":    caption,
		"parse_mode": parseModeHTML,
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}

	part, err := mw.CreateFormFile("audio", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create audio part: %w", err)
	}
	if _, err := io.Copy(part, fd); err != nil {
		return fmt.Errorf("copy audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	return n.call(ctx, "sendAudio", n.sendTimeout, &body, mw.FormDataContentType(), nil)
}

// Reply answers a command in a private chat.
func (n *Notifier) Reply(ctx context.Context, chatID int64, text string) error {
	return n.SendText(ctx, strconv.FormatInt(chatID, 10), text)
}

// SetWebhook registers the public URL Telegram should post updates to.
func (n *Notifier) SetWebhook(ctx context.Context, hookURL string) error {
	form := url.Values{}
	form.Set("url", hookURL)
	form.Set("allowed_updates", `["message"]`)
	if err := n.call(ctx, "setWebhook", n.sendTimeout, strings.NewReader(form.Encode()), contentTypeForm, nil); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	n.logger.Info("webhook registered")
	return nil
}

// DeleteWebhook switches the bot back to getUpdates delivery.
func (n *Notifier) DeleteWebhook(ctx context.Context) error {
	if err := n.call(ctx, "deleteWebhook", n.sendTimeout, strings.NewReader(""), contentTypeForm, nil); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

func (n *Notifier) call(ctx context.Context, method string, timeout time.Duration, body io.Reader, contentType string, result any) error {
	if n.botToken == "" {
		return fmt.Errorf("telegram notifier misconfigured")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", n.apiURL, n.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := n.client.Do(req)
	if err != nil {
		// The URL carries the token; drop it from the error.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("%s: do request: %w", method, err)
	}
	defer resp.Body.Close()

	var payload apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		if resp.StatusCode != http.StatusOK {
			return classify(resp.StatusCode, apiResponse{Description: resp.Status})
		}
		return fmt.Errorf("%s: decode response: %w", method, err)
	}

	if resp.StatusCode != http.StatusOK || !payload.OK {
		return classify(resp.StatusCode, payload)
	}

	if result != nil && len(payload.Result) > 0 {
		if err := json.Unmarshal(payload.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

func classify(status int, payload apiResponse) error {
	code := payload.ErrorCode
	if code == 0 {
		code = status
	}

	if code == http.StatusTooManyRequests {
		retry := defaultRetryAfter
		if payload.Parameters != nil && payload.Parameters.RetryAfter > 0 {
			retry = time.Duration(payload.Parameters.RetryAfter) * time.Second
		}
		return &ports.RateLimitError{RetryAfter: retry, Description: payload.Description}
	}

	return &ports.SendError{Code: code, Description: payload.Description}
}
