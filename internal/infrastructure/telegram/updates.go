package telegram

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"PBXNotifier/internal/ports"
)

const (
	pollRetryDelay = 3 * time.Second
	pollGrace      = 10 * time.Second
)

// Update is the subset of a Bot API update the command surface reads.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Private reports whether the message came from a one-to-one chat.
func (m *Message) Private() bool {
	return m != nil && m.Chat.Type == "private"
}

// GetUpdates long-polls for updates after offset.
func (n *Notifier) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	form := url.Values{}
	form.Set("offset", strconv.FormatInt(offset, 10))
	form.Set("timeout", strconv.Itoa(int(timeout/time.Second)))
	form.Set("allowed_updates", `["message"]`)

	var updates []Update
	err := n.call(ctx, "getUpdates", timeout+pollGrace, strings.NewReader(form.Encode()), contentTypeForm, &updates)
	if err != nil {
		return nil, err
	}
	return updates, nil
}

// Poll delivers updates to handle until ctx is done. Transient errors are
// logged and retried after a short pause.
func (n *Notifier) Poll(ctx context.Context, timeout time.Duration, handle func(context.Context, Update)) error {
	if err := n.DeleteWebhook(ctx); err != nil {
		n.logger.Warn("delete webhook before polling", "err", err)
	}

	var offset int64
	for {
		updates, err := n.GetUpdates(ctx, offset, timeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			n.logger.Warn("get updates", "err", err)
			delay := pollRetryDelay
			var rl *ports.RateLimitError
			if errors.As(err, &rl) && rl.RetryAfter > delay {
				delay = rl.RetryAfter
			}
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			handle(ctx, u)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
