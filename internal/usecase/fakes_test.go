package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"PBXNotifier/internal/domain"
	"PBXNotifier/internal/ports"
)

var testNow = time.Date(2025, time.March, 12, 15, 30, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func call(id string, start int64) domain.CallRecord {
	return domain.CallRecord{ID: id, StartTime: start, Direction: domain.DirectionInbound, Caller: "100", Callee: "200"}
}

type fakeHistory struct {
	mu sync.Mutex

	authErr  error
	calls    []domain.CallRecord
	fetchErr error
	url      string
	urlErr   error

	fetched []domain.Window
	// entered is signalled on FetchCalls; block holds it until closed or ctx ends.
	entered chan struct{}
	block   chan struct{}
}

func (f *fakeHistory) Authenticate(context.Context) (ports.Credential, error) {
	if f.authErr != nil {
		return ports.Credential{}, f.authErr
	}
	return ports.Credential{KeyID: "id", Key: "key"}, nil
}

func (f *fakeHistory) FetchCalls(ctx context.Context, _ ports.Credential, start, end int64) ([]domain.CallRecord, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, domain.Window{Start: start, End: end})
	entered, block := f.entered, f.block
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]domain.CallRecord(nil), f.calls...), nil
}

func (f *fakeHistory) RequestArchiveURL(context.Context, ports.Credential, int64, int64) (string, error) {
	return f.url, f.urlErr
}

func (f *fakeHistory) windows() []domain.Window {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Window(nil), f.fetched...)
}

type sentMessage struct {
	kind string
	text string
	path string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	script func(n int, msg sentMessage) error
	after  func(n int)
}

func (f *fakeSender) SendText(_ context.Context, _ string, text string) error {
	return f.record(sentMessage{kind: "text", text: text})
}

func (f *fakeSender) SendAudio(_ context.Context, _ string, path, caption string) error {
	return f.record(sentMessage{kind: "audio", text: caption, path: path})
}

func (f *fakeSender) record(msg sentMessage) error {
	f.mu.Lock()
	n := len(f.sent)
	f.sent = append(f.sent, msg)
	script, after := f.script, f.after
	f.mu.Unlock()

	var err error
	if script != nil {
		err = script(n, msg)
	}
	if after != nil {
		after(n)
	}
	return err
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type memCheckpoints struct {
	mu       sync.Mutex
	cp       domain.Checkpoint
	readErr  error
	writeErr error
	writes   []domain.Checkpoint
}

func (m *memCheckpoints) Read(context.Context) (domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return domain.Checkpoint{}, m.readErr
	}
	return m.cp, nil
}

func (m *memCheckpoints) Write(_ context.Context, cp domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, cp)
	if m.writeErr != nil {
		return m.writeErr
	}
	m.cp = cp
	return nil
}

func (m *memCheckpoints) history() []domain.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Checkpoint(nil), m.writes...)
}

type memDeliveries struct {
	mu      sync.Mutex
	entries []domain.DeliveryEntry
}

func (m *memDeliveries) Append(_ context.Context, e domain.DeliveryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// fakeArchive maps call ids to files written under a temp dir.
type fakeArchive struct {
	mu       sync.Mutex
	files    map[string]string
	released int
}

func (a *fakeArchive) Match(id string) (string, bool) {
	p, ok := a.files[id]
	return p, ok
}

func (a *fakeArchive) Len() int { return len(a.files) }

func (a *fakeArchive) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released++
}

func (a *fakeArchive) releases() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

type fakeResolver struct {
	archive  *fakeArchive
	resolved []string
}

func (r *fakeResolver) Resolve(_ context.Context, url string) ports.Archive {
	r.resolved = append(r.resolved, url)
	return r.archive
}

func newArchive(t *testing.T, recordings map[string]string) *fakeArchive {
	t.Helper()

	dir := t.TempDir()
	files := make(map[string]string, len(recordings))
	for id, body := range recordings {
		p := filepath.Join(dir, id+".mp3")
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		files[id] = p
	}
	return &fakeArchive{files: files}
}

type recordingObserver struct {
	mu          sync.Mutex
	results     []string
	outcomes    []domain.Outcome
	rateLimited int
}

func (o *recordingObserver) RunFinished(_ domain.RunMode, result string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func (o *recordingObserver) Delivered(outcome domain.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) RateLimited() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rateLimited++
}

type harness struct {
	history     *fakeHistory
	sender      *fakeSender
	checkpoints *memCheckpoints
	deliveries  *memDeliveries
	resolver    *fakeResolver
	observer    *recordingObserver
	sleeps      []time.Duration
	sleepErr    error
	pipeline    *Pipeline
}

func newHarness(t *testing.T, archive *fakeArchive) *harness {
	t.Helper()

	if archive == nil {
		archive = &fakeArchive{}
	}
	h := &harness{
		history:     &fakeHistory{url: "https://files.example/bundle"},
		sender:      &fakeSender{},
		checkpoints: &memCheckpoints{cp: domain.Checkpoint{LastTimestamp: 50}},
		deliveries:  &memDeliveries{},
		resolver:    &fakeResolver{archive: archive},
		observer:    &recordingObserver{},
	}
	h.pipeline = NewPipeline(PipelineDeps{
		History:         h.history,
		Resolver:        h.resolver,
		Sender:          h.sender,
		Checkpoints:     h.checkpoints,
		Deliveries:      h.deliveries,
		Observer:        h.observer,
		Logger:          discardLogger(),
		Destination:     "@calls",
		RateLimitMargin: time.Second,
		Now:             func() time.Time { return testNow },
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			if h.sleepErr != nil {
				return h.sleepErr
			}
			return ctx.Err()
		},
	})
	return h
}

var errChannel = errors.New("channel down")
