package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"PBXNotifier/internal/domain"
	"PBXNotifier/internal/formatting"
	"PBXNotifier/internal/ports"
)

// Observer receives pipeline events; the metrics package implements it.
type Observer interface {
	RunFinished(mode domain.RunMode, result string, elapsed time.Duration)
	Delivered(outcome domain.Outcome)
	RateLimited()
}

// Run results reported to the Observer.
const (
	ResultOK        = "ok"
	ResultAuthError = "auth_error"
	ResultFetchErr  = "fetch_error"
	ResultCancelled = "cancelled"
)

// PipelineDeps wires all driven adapters into the delivery pipeline.
type PipelineDeps struct {
	History     ports.CallHistory
	Resolver    ports.ArchiveResolver
	Sender      ports.ChannelSender
	Checkpoints ports.CheckpointStore
	Deliveries  ports.DeliveryLog
	Formatter   *formatting.Formatter
	Observer    Observer
	Logger      *slog.Logger

	// Destination is the channel every notification goes to.
	Destination     string
	SendInterval    time.Duration
	RateLimitMargin time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pipeline implements new-call detection and delivery.
type Pipeline struct {
	history     ports.CallHistory
	resolver    ports.ArchiveResolver
	sender      ports.ChannelSender
	checkpoints ports.CheckpointStore
	deliveries  ports.DeliveryLog
	formatter   *formatting.Formatter
	observer    Observer
	logger      *slog.Logger

	destination string
	margin      time.Duration
	pacer       *rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultLookback bounds the first incremental window when no checkpoint is readable.
const DefaultLookback = 24 * time.Hour

var errInterrupted = errors.New("delivery interrupted")

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	p := &Pipeline{
		history:     deps.History,
		resolver:    deps.Resolver,
		sender:      deps.Sender,
		checkpoints: deps.Checkpoints,
		deliveries:  deps.Deliveries,
		formatter:   deps.Formatter,
		observer:    deps.Observer,
		logger:      deps.Logger,
		destination: deps.Destination,
		margin:      deps.RateLimitMargin,
		now:         deps.Now,
		sleep:       deps.Sleep,
	}
	if p.formatter == nil {
		p.formatter = formatting.NewFormatter(nil)
	}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "pipeline")
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}

	limit := rate.Inf
	if deps.SendInterval > 0 {
		limit = rate.Every(deps.SendInterval)
	}
	p.pacer = rate.NewLimiter(limit, 1)
	return p
}

// RunIncremental delivers every call completed since the stored checkpoint.
func (p *Pipeline) RunIncremental(ctx context.Context) (domain.RunReport, error) {
	started := p.now()
	report := domain.RunReport{RunID: uuid.NewString(), Mode: domain.ModeIncremental}
	logger := p.logger.With("run_id", report.RunID, "mode", report.Mode)

	cp := p.readCheckpoint(ctx, logger, started)
	report.Window = domain.Window{Start: cp.LastTimestamp, End: started.Unix()}

	result, err := p.run(ctx, logger, &report, &cp)
	p.observer.RunFinished(report.Mode, result, p.now().Sub(started))
	return report, err
}

// RunWindow replays a fixed window without touching the checkpoint.
func (p *Pipeline) RunWindow(ctx context.Context, window domain.Window) (domain.RunReport, error) {
	started := p.now()
	report := domain.RunReport{RunID: uuid.NewString(), Mode: domain.ModeWindow, Window: window}
	logger := p.logger.With("run_id", report.RunID, "mode", report.Mode)

	result, err := p.run(ctx, logger, &report, nil)
	p.observer.RunFinished(report.Mode, result, p.now().Sub(started))
	return report, err
}

// run executes one pass. cp is nil for window runs.
func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, report *domain.RunReport, cp *domain.Checkpoint) (string, error) {
	window := report.Window
	logger.Info("run started", "window", window)

	cred, err := p.history.Authenticate(ctx)
	if err != nil {
		logger.Error("authenticate", "err", err)
		if !errors.Is(err, ports.ErrAuthentication) {
			err = fmt.Errorf("%w: %v", ports.ErrAuthentication, err)
		}
		return ResultAuthError, err
	}

	calls, err := p.history.FetchCalls(ctx, cred, window.Start, window.End)
	if err != nil {
		if ctx.Err() != nil {
			report.Cancelled = true
			return ResultCancelled, nil
		}
		if errors.Is(err, ports.ErrAuthentication) {
			logger.Error("fetch calls", "err", err)
			return ResultAuthError, err
		}
		// Treated like an empty window: the timestamp moves on, the id stays.
		logger.Warn("fetch calls", "err", err)
		if cp != nil {
			next := domain.Checkpoint{LastTimestamp: maxInt64(cp.LastTimestamp, window.End), LastCallID: cp.LastCallID}
			p.writeCheckpoint(ctx, logger, cp, next)
		}
		return ResultFetchErr, nil
	}
	report.Fetched = len(calls)

	if len(calls) == 0 {
		if cp != nil {
			next := domain.Checkpoint{LastTimestamp: maxInt64(cp.LastTimestamp, window.End), LastCallID: cp.LastCallID}
			p.writeCheckpoint(ctx, logger, cp, next)
		}
		logger.Info("no new calls")
		return ResultOK, nil
	}

	sort.SliceStable(calls, func(i, j int) bool { return calls[i].StartTime < calls[j].StartTime })

	pending := calls
	if cp != nil {
		pending = resumeAfter(calls, cp.LastCallID)
		report.Skipped = len(calls) - len(pending)
	}
	if len(pending) == 0 {
		logger.Info("nothing past checkpoint", "skipped", report.Skipped)
		return ResultOK, nil
	}

	archive := p.openArchive(ctx, logger, cred, window)
	defer archive.Release()

	for _, call := range pending {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		outcome, attempts, sendErr := p.deliver(ctx, logger, call, archive)
		if errors.Is(sendErr, errInterrupted) {
			report.Cancelled = true
			break
		}

		report.Record(outcome)
		p.observer.Delivered(outcome)

		if cp != nil {
			next := domain.Checkpoint{LastTimestamp: maxInt64(cp.LastTimestamp, call.StartTime), LastCallID: call.ID}
			p.writeCheckpoint(ctx, logger, cp, next)
		}
		p.appendDelivery(ctx, logger, report.RunID, call, outcome, attempts, sendErr)
	}

	logger.Info("run finished",
		"fetched", report.Fetched,
		"skipped", report.Skipped,
		"processed", report.Processed,
		"audio", report.WithAudio,
		"text", report.TextOnly,
		"degraded", report.Degraded,
		"cancelled", report.Cancelled)

	if report.Cancelled {
		return ResultCancelled, nil
	}
	return ResultOK, nil
}

// resumeAfter drops everything up to and including lastID. An id that is not
// in the window means nothing was delivered from it yet.
func resumeAfter(calls []domain.CallRecord, lastID string) []domain.CallRecord {
	if lastID == "" {
		return calls
	}
	for i, c := range calls {
		if c.ID == lastID {
			return calls[i+1:]
		}
	}
	return calls
}

func (p *Pipeline) openArchive(ctx context.Context, logger *slog.Logger, cred ports.Credential, window domain.Window) ports.Archive {
	url, err := p.history.RequestArchiveURL(ctx, cred, window.Start, window.End)
	if err != nil {
		logger.Warn("request recordings", "err", err)
		return emptyArchive{}
	}
	if url == "" || p.resolver == nil {
		return emptyArchive{}
	}
	return p.resolver.Resolve(ctx, url)
}

// deliver runs the per-call state machine. The returned error is the last
// send failure, or errInterrupted when ctx ended before the call was handled.
func (p *Pipeline) deliver(ctx context.Context, logger *slog.Logger, call domain.CallRecord, archive ports.Archive) (domain.Outcome, int, error) {
	logger = logger.With("call_id", call.ID)
	text := p.formatter.FormatCall(call)
	attempts := 0

	var err error
	if path, ok := p.audioFor(call.ID, archive); ok && formatting.FitsCaption(text) {
		attempts++
		if err = p.send(ctx, func() error { return p.sender.SendAudio(ctx, p.destination, path, text) }); err == nil {
			return domain.OutcomeAudio, attempts, nil
		}
		if interrupted(ctx, err) {
			return "", attempts, errInterrupted
		}
		logger.Warn("send audio", "err", err)
	}

	var rl *ports.RateLimitError
	if !errors.As(err, &rl) {
		attempts++
		err = p.send(ctx, func() error {
			return p.sender.SendText(ctx, p.destination, text+formatting.RecordingUnavailable)
		})
		if err == nil {
			return domain.OutcomeText, attempts, nil
		}
		if interrupted(ctx, err) {
			return "", attempts, errInterrupted
		}
		logger.Warn("send text", "err", err)
	}

	marker := formatting.RecordingAPIError
	if errors.As(err, &rl) {
		p.observer.RateLimited()
		wait := rl.RetryAfter + p.margin
		logger.Info("rate limited", "wait", wait)
		if sleepErr := p.sleep(ctx, wait); sleepErr != nil {
			return "", attempts, errInterrupted
		}
		marker = formatting.RecordingRateLimited
	}

	attempts++
	retryErr := p.send(ctx, func() error { return p.sender.SendText(ctx, p.destination, text+marker) })
	if retryErr == nil {
		return domain.OutcomeText, attempts, nil
	}
	if interrupted(ctx, retryErr) {
		return "", attempts, errInterrupted
	}

	logger.Error("delivery degraded", "err", retryErr, "first_err", err)
	return domain.OutcomeDegraded, attempts, retryErr
}

// send waits for the pacer, then runs fn. The wait ends early only when ctx
// does, so a deadline closer than the next slot interrupts the call.
func (p *Pipeline) send(ctx context.Context, fn func() error) error {
	slot := p.pacer.Reserve()
	if err := sleepContext(ctx, slot.Delay()); err != nil {
		slot.Cancel()
		return errInterrupted
	}
	return fn()
}

func interrupted(ctx context.Context, err error) bool {
	return errors.Is(err, errInterrupted) || ctx.Err() != nil
}

func (p *Pipeline) audioFor(callID string, archive ports.Archive) (string, bool) {
	path, ok := archive.Match(callID)
	if !ok {
		return "", false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return "", false
	}
	return path, true
}

func (p *Pipeline) readCheckpoint(ctx context.Context, logger *slog.Logger, now time.Time) domain.Checkpoint {
	cp, err := p.checkpoints.Read(ctx)
	if err != nil {
		logger.Warn("read checkpoint, using default", "err", err)
		return domain.Checkpoint{LastTimestamp: now.Add(-DefaultLookback).Unix()}
	}
	return cp
}

// writeCheckpoint updates cur in place even when persisting fails, so the
// rest of the run continues from the in-memory value.
func (p *Pipeline) writeCheckpoint(ctx context.Context, logger *slog.Logger, cur *domain.Checkpoint, next domain.Checkpoint) {
	*cur = next
	// A cancelled run still records the call it just handled.
	if err := p.checkpoints.Write(context.WithoutCancel(ctx), next); err != nil {
		logger.Error("write checkpoint", "err", err, "checkpoint_ts", next.LastTimestamp, "checkpoint_id", next.LastCallID)
	}
}

func (p *Pipeline) appendDelivery(ctx context.Context, logger *slog.Logger, runID string, call domain.CallRecord, outcome domain.Outcome, attempts int, sendErr error) {
	if p.deliveries == nil {
		return
	}
	entry := domain.DeliveryEntry{
		RunID:       runID,
		CallID:      call.ID,
		StartTime:   call.StartTime,
		Outcome:     outcome,
		Attempts:    attempts,
		Summary:     formatting.Summary(p.formatter.FormatCall(call)),
		DeliveredAt: p.now(),
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	if err := p.deliveries.Append(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("append delivery log", "err", err, "call_id", call.ID)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

type emptyArchive struct{}

func (emptyArchive) Match(string) (string, bool) { return "", false }
func (emptyArchive) Len() int                    { return 0 }
func (emptyArchive) Release()                    {}

type nopObserver struct{}

func (nopObserver) RunFinished(domain.RunMode, string, time.Duration) {}
func (nopObserver) Delivered(domain.Outcome)                          {}
func (nopObserver) RateLimited()                                      {}
