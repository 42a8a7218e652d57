// Package commands maps bot commands from private chats onto the service.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"PBXNotifier/internal/domain"
	"PBXNotifier/internal/formatting"
	"PBXNotifier/internal/ports"
	"PBXNotifier/internal/session"
	"PBXNotifier/internal/usecase"
)

// Service is the part of usecase.Service the commands drive.
type Service interface {
	CheckNow(ctx context.Context, requester string) (domain.RunReport, error)
	Period(ctx context.Context, requester string, period usecase.Period) (domain.RunReport, error)
	Cancel(requester string) bool
	Stats(ctx context.Context) (domain.Stats, error)
}

// Replier answers the chat a command came from.
type Replier interface {
	Reply(ctx context.Context, chatID int64, text string) error
}

// Message is an incoming chat message reduced to what routing needs.
type Message struct {
	ChatID  int64
	Private bool
	Text    string
}

// Request carries one parsed command invocation.
type Request struct {
	ChatID int64
	Name   string
	Args   string
}

// Requester is the session key for the chat.
func (r Request) Requester() string {
	return strconv.FormatInt(r.ChatID, 10)
}

// Command is a single bot command.
type Command struct {
	Name        string
	Description string
	// Background commands run off the update loop so /cancel stays responsive.
	Background bool
	Run        func(ctx context.Context, req Request) string
}

// Router keeps a mapping from command names to their implementations.
type Router struct {
	commands  map[string]Command
	replier   Replier
	logger    *slog.Logger
	base      context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

// NewRouter builds an empty router. Background commands run under a context
// that lives until Close.
func NewRouter(replier Replier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Router{
		commands:  map[string]Command{},
		replier:   replier,
		logger:    logger.With("component", "commands"),
		base:      base,
		cancelAll: cancel,
	}
}

// Register adds or replaces a command.
func (r *Router) Register(cmd Command) {
	r.commands[cmd.Name] = cmd
}

// Resolve returns a command by name or an error if it is absent.
func (r *Router) Resolve(name string) (Command, error) {
	if cmd, ok := r.commands[name]; ok {
		return cmd, nil
	}
	return Command{}, fmt.Errorf("command %s is not registered", name)
}

// Handle routes one message. Group chats and plain text are ignored.
func (r *Router) Handle(ctx context.Context, msg Message) {
	if !msg.Private {
		return
	}
	req, ok := Parse(msg)
	if !ok {
		return
	}

	cmd, err := r.Resolve(req.Name)
	if err != nil {
		r.reply(ctx, req.ChatID, "Unknown command. Send /start for the list of commands.")
		return
	}

	r.logger.Info("command received", "command", req.Name, "chat_id", req.ChatID)
	if !cmd.Background {
		r.reply(ctx, req.ChatID, cmd.Run(ctx, req))
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reply(r.base, req.ChatID, cmd.Run(r.base, req))
	}()
}

// Close cancels background commands and waits for them, bounded by ctx.
func (r *Router) Close(ctx context.Context) error {
	r.cancelAll()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Help lists registered commands in name order.
func (r *Router) Help() string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "/%s - %s\n", name, r.commands[name].Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	if err := r.replier.Reply(context.WithoutCancel(ctx), chatID, text); err != nil {
		r.logger.Warn("reply", "chat_id", chatID, "err", err)
	}
}

// Parse extracts "/name@bot args" from a message.
func Parse(msg Message) (Request, bool) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return Request{}, false
	}

	head, args, _ := strings.Cut(text[1:], " ")
	name, _, _ := strings.Cut(head, "@")
	if name == "" {
		return Request{}, false
	}
	return Request{ChatID: msg.ChatID, Name: strings.ToLower(name), Args: strings.TrimSpace(args)}, true
}

// RegisterDefaults installs the standard command set backed by svc.
func RegisterDefaults(r *Router, svc Service, formatter *formatting.Formatter, timeout time.Duration) {
	r.Register(Command{
		Name:        "start",
		Description: "show this help",
		Run: func(context.Context, Request) string {
			return "Hi! I post call notifications to the channel.\n\n" + r.Help()
		},
	})

	r.Register(Command{
		Name:        "check",
		Description: "check for new calls now",
		Background:  true,
		Run: func(ctx context.Context, req Request) string {
			r.reply(ctx, req.ChatID, "Starting check for new calls...")
			ctx, cancel := withTimeout(ctx, timeout)
			defer cancel()
			report, err := svc.CheckNow(ctx, req.Requester())
			if err != nil {
				return failure(err)
			}
			return formatting.FormatReport(report, "")
		},
	})

	for _, period := range usecase.Periods {
		period := period
		r.Register(Command{
			Name:        string(period),
			Description: "send calls from " + period.Label(),
			Background:  true,
			Run: func(ctx context.Context, req Request) string {
				r.reply(ctx, req.ChatID, "Fetching calls for "+period.Label()+"...")
				ctx, cancel := withTimeout(ctx, timeout)
				defer cancel()
				report, err := svc.Period(ctx, req.Requester(), period)
				if err != nil {
					return failure(err)
				}
				return formatting.FormatReport(report, period.Label())
			},
		})
	}

	r.Register(Command{
		Name:        "stats",
		Description: "show call statistics",
		Background:  true,
		Run: func(ctx context.Context, req Request) string {
			r.reply(ctx, req.ChatID, "Fetching call statistics...")
			stats, err := svc.Stats(ctx)
			if err != nil {
				return failure(err)
			}
			return formatter.FormatStats(stats)
		},
	})

	r.Register(Command{
		Name:        "cancel",
		Description: "stop your running operation",
		Run: func(_ context.Context, req Request) string {
			if svc.Cancel(req.Requester()) {
				return "Cancelling the current operation..."
			}
			return "Nothing to cancel."
		},
	})
}

// RegisterSetup adds /setup, which re-registers the webhook with Telegram.
func RegisterSetup(r *Router, register func(ctx context.Context) error) {
	r.Register(Command{
		Name:        "setup",
		Description: "re-register the webhook for real-time notifications",
		Run: func(ctx context.Context, _ Request) string {
			if err := register(ctx); err != nil {
				r.logger.Error("setup webhook", "err", err)
				return "Error setting up webhook: " + formatting.Escape(err.Error())
			}
			return "Webhook setup completed!"
		},
	})
}

func failure(err error) string {
	switch {
	case errors.Is(err, session.ErrBusy):
		return "An operation is already running. Use /cancel to stop it."
	case errors.Is(err, ports.ErrAuthentication):
		return "Failed to authenticate with OnlinePBX API"
	default:
		return "Error: " + formatting.Escape(err.Error())
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
