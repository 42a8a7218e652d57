package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PBXNotifier/internal/domain"
	"PBXNotifier/internal/formatting"
	"PBXNotifier/internal/ports"
)

func sentIDs(msgs []sentMessage) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		for _, id := range []string{"call-a", "call-b", "call-c", "call-d"} {
			if strings.Contains(m.text, id) {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Callers are embedded in the text so the sent order is observable.
func taggedCall(id string, start int64) domain.CallRecord {
	c := call(id, start)
	c.Caller = id
	return c
}

func TestIncrementalDeliversOldestFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.history.calls = []domain.CallRecord{
		taggedCall("call-c", 300),
		taggedCall("call-a", 100),
		taggedCall("call-b", 200),
	}

	report, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"call-a", "call-b", "call-c"}, sentIDs(h.sender.messages()))
	assert.Equal(t, []domain.Checkpoint{
		{LastTimestamp: 100, LastCallID: "call-a"},
		{LastTimestamp: 200, LastCallID: "call-b"},
		{LastTimestamp: 300, LastCallID: "call-c"},
	}, h.checkpoints.history())
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, domain.ModeIncremental, report.Mode)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, []domain.Window{{Start: 50, End: testNow.Unix()}}, h.history.windows())
	assert.Equal(t, []string{ResultOK}, h.observer.results)
}

func TestStableOrderForEqualStartTimes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.history.calls = []domain.CallRecord{
		taggedCall("call-b", 100),
		taggedCall("call-a", 100),
	}

	_, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"call-b", "call-a"}, sentIDs(h.sender.messages()))
}

func TestResumeSkipsThroughLastDelivered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.checkpoints.cp = domain.Checkpoint{LastTimestamp: 200, LastCallID: "call-b"}
	h.history.calls = []domain.CallRecord{
		taggedCall("call-b", 200),
		taggedCall("call-c", 200),
		taggedCall("call-d", 300),
	}

	report, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"call-c", "call-d"}, sentIDs(h.sender.messages()))
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 2, report.Processed)

	// Re-running from the new checkpoint sends nothing twice.
	h.history.calls = []domain.CallRecord{taggedCall("call-d", 300)}
	report, err = h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, 1, report.Skipped)
	assert.Len(t, h.sender.messages(), 2)
	assert.Empty(t, h.resolver.resolved[1:], "no archive is fetched when nothing is pending")
}

func TestResumeWithUnknownIDProcessesEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.checkpoints.cp = domain.Checkpoint{LastTimestamp: 100, LastCallID: "gone"}
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100), taggedCall("call-b", 150)}

	report, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 0, report.Skipped)
}

func TestEmptyWindowAdvancesTimestampOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.checkpoints.cp = domain.Checkpoint{LastTimestamp: 100, LastCallID: "call-z"}

	report, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, []domain.Checkpoint{{LastTimestamp: testNow.Unix(), LastCallID: "call-z"}}, h.checkpoints.history())
	assert.Empty(t, h.resolver.resolved)
}

func TestCheckpointNeverMovesBackwards(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.checkpoints.cp = domain.Checkpoint{LastTimestamp: 500, LastCallID: "older"}
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 400)}

	_, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Checkpoint{{LastTimestamp: 500, LastCallID: "call-a"}}, h.checkpoints.history())
}

func TestAudioMatchAndFallback(t *testing.T) {
	t.Parallel()

	archive := newArchive(t, map[string]string{"call-a": "ID3data"})
	h := newHarness(t, archive)
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100), taggedCall("call-b", 200)}

	report, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)

	msgs := h.sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "audio", msgs[0].kind)
	assert.Equal(t, archive.files["call-a"], msgs[0].path)
	assert.False(t, strings.Contains(msgs[0].text, "Recording couldn't"), "audio caption carries no marker")

	assert.Equal(t, "text", msgs[1].kind)
	assert.True(t, strings.HasSuffix(msgs[1].text, formatting.RecordingUnavailable))

	assert.Equal(t, 1, report.WithAudio)
	assert.Equal(t, 1, report.TextOnly)
	assert.Equal(t, 1, archive.releases())
}

func TestEmptyRecordingIsNotSent(t *testing.T) {
	t.Parallel()

	archive := newArchive(t, map[string]string{"call-a": ""})
	h := newHarness(t, archive)
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100)}

	_, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)

	msgs := h.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "text", msgs[0].kind)
}

func TestOversizedCaptionFallsBackToText(t *testing.T) {
	t.Parallel()

	archive := newArchive(t, map[string]string{"call-a": "ID3data"})
	h := newHarness(t, archive)
	long := taggedCall("call-a", 100)
	long.Gateway = strings.Repeat("g", formatting.MaxCaptionLength)
	h.history.calls = []domain.CallRecord{long}

	report, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)

	msgs := h.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "text", msgs[0].kind)
	assert.Equal(t, 1, report.TextOnly)
}

func TestAudioFailureFallsBackToText(t *testing.T) {
	t.Parallel()

	archive := newArchive(t, map[string]string{"call-a": "ID3data"})
	h := newHarness(t, archive)
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100)}
	h.sender.script = func(n int, msg sentMessage) error {
		if msg.kind == "audio" {
			return &ports.SendError{Code: 413, Description: "Request Entity Too Large"}
		}
		return nil
	}

	report, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)

	msgs := h.sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "audio", msgs[0].kind)
	assert.Equal(t, "text", msgs[1].kind)
	assert.True(t, strings.HasSuffix(msgs[1].text, formatting.RecordingUnavailable))
	assert.Equal(t, 1, report.TextOnly)
	assert.Equal(t, 2, h.deliveries.entries[0].Attempts)
}

func TestRateLimitWaitsThenRetriesTextOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100)}
	h.sender.script = func(n int, _ sentMessage) error {
		if n == 0 {
			return &ports.RateLimitError{RetryAfter: 5 * time.Second}
		}
		return nil
	}

	report, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)

	require.Len(t, h.sleeps, 1)
	assert.GreaterOrEqual(t, h.sleeps[0], 5*time.Second+time.Second)

	msgs := h.sender.messages()
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasSuffix(msgs[1].text, formatting.RecordingRateLimited))
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.TextOnly)
	assert.Equal(t, 1, h.observer.rateLimited)
}

func TestRateLimitedAudioIsNotRetriedAsAudio(t *testing.T) {
	t.Parallel()

	archive := newArchive(t, map[string]string{"call-a": "ID3data"})
	h := newHarness(t, archive)
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100)}
	h.sender.script = func(n int, _ sentMessage) error {
		if n == 0 {
			return &ports.RateLimitError{RetryAfter: 3 * time.Second}
		}
		return nil
	}

	_, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)

	msgs := h.sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "audio", msgs[0].kind)
	assert.Equal(t, "text", msgs[1].kind)
	assert.True(t, strings.HasSuffix(msgs[1].text, formatting.RecordingRateLimited))
	assert.Equal(t, []time.Duration{4 * time.Second}, h.sleeps)
}

func TestRepeatedRateLimitDegradesButAdvances(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100), taggedCall("call-b", 200)}
	h.sender.script = func(n int, _ sentMessage) error {
		if n < 2 {
			return &ports.RateLimitError{RetryAfter: 5 * time.Second}
		}
		return nil
	}

	report, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Degraded)
	assert.Equal(t, 1, report.TextOnly)
	assert.Equal(t, 2, report.Processed)
	assert.Len(t, h.sender.messages(), 3, "exactly one retry for the rate-limited call")
	assert.Equal(t, domain.Checkpoint{LastTimestamp: 200, LastCallID: "call-b"}, h.checkpoints.cp)

	require.Len(t, h.deliveries.entries, 2)
	assert.Equal(t, domain.OutcomeDegraded, h.deliveries.entries[0].Outcome)
	assert.NotEmpty(t, h.deliveries.entries[0].Error)
}

func TestOtherFailureRetriesWithErrorMarker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100)}
	h.sender.script = func(n int, _ sentMessage) error {
		return errChannel
	}

	report, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)

	msgs := h.sender.messages()
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasSuffix(msgs[1].text, formatting.RecordingAPIError))
	assert.Empty(t, h.sleeps)
	assert.Equal(t, 1, report.Degraded)
	assert.Equal(t, []domain.Checkpoint{{LastTimestamp: 100, LastCallID: "call-a"}}, h.checkpoints.history())
	assert.Equal(t, []domain.Outcome{domain.OutcomeDegraded}, h.observer.outcomes)
}

func TestAuthFailureLeavesCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.history.authErr = ports.ErrAuthentication
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100)}

	report, err := h.pipeline.RunIncremental(context.Background())
	require.ErrorIs(t, err, ports.ErrAuthentication)
	assert.Equal(t, 0, report.Processed)
	assert.Empty(t, h.checkpoints.history())
	assert.Empty(t, h.sender.messages())
	assert.Equal(t, []string{ResultAuthError}, h.observer.results)
}

func TestFetchFailureAdvancesTimestampOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.checkpoints.cp = domain.Checkpoint{LastTimestamp: 50, LastCallID: "call-z"}
	h.history.fetchErr = errors.New("gateway timeout")

	report, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Processed)
	assert.False(t, report.Cancelled)
	assert.Equal(t, []domain.Checkpoint{{LastTimestamp: testNow.Unix(), LastCallID: "call-z"}}, h.checkpoints.history())
	assert.Empty(t, h.sender.messages())
	assert.Equal(t, []string{ResultFetchErr}, h.observer.results)
}

func TestFetchFailureOnWindowRunLeavesCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.history.fetchErr = errors.New("gateway timeout")

	report, err := h.pipeline.RunWindow(context.Background(), domain.Window{Start: 0, End: 1000})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Processed)
	assert.Empty(t, h.checkpoints.history())
}

func TestUnreadableCheckpointUsesDefaultWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.checkpoints.readErr = errors.New("disk gone")

	_, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(-DefaultLookback).Unix(), h.history.windows()[0].Start)
}

func TestCheckpointWriteFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.checkpoints.writeErr = errors.New("read-only fs")
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100), taggedCall("call-b", 200)}

	report, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
}

func TestCancellationStopsBetweenRecords(t *testing.T) {
	t.Parallel()

	archive := &fakeArchive{}
	h := newHarness(t, archive)
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100), taggedCall("call-b", 200), taggedCall("call-c", 300)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sender.after = func(n int) {
		if n == 0 {
			cancel()
		}
	}

	report, err := h.pipeline.RunIncremental(ctx)
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, []domain.Checkpoint{{LastTimestamp: 100, LastCallID: "call-a"}}, h.checkpoints.history())
	assert.Equal(t, 1, archive.releases(), "scratch released on cancellation")
	assert.Equal(t, []string{ResultCancelled}, h.observer.results)
}

func TestCancellationDuringRateLimitWaitKeepsCallPending(t *testing.T) {
	t.Parallel()

	archive := &fakeArchive{}
	h := newHarness(t, archive)
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100)}
	h.sender.script = func(int, sentMessage) error {
		return &ports.RateLimitError{RetryAfter: time.Minute}
	}
	h.sleepErr = context.Canceled

	report, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, 0, report.Processed)
	assert.Empty(t, h.checkpoints.history(), "an unhandled call must be replayed next run")
	assert.Empty(t, h.deliveries.entries)
	assert.Equal(t, 1, archive.releases())
}

func TestWindowRunIgnoresCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.checkpoints.cp = domain.Checkpoint{LastTimestamp: 150, LastCallID: "call-a"}
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100), taggedCall("call-b", 200)}

	window := domain.Window{Start: 0, End: 1000}
	report, err := h.pipeline.RunWindow(context.Background(), window)
	require.NoError(t, err)

	assert.Equal(t, domain.ModeWindow, report.Mode)
	assert.Equal(t, window, report.Window)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 0, report.Skipped)
	assert.Empty(t, h.checkpoints.history())
	assert.Equal(t, []domain.Window{window}, h.history.windows())
	assert.Len(t, h.deliveries.entries, 2)
}

func TestArchiveUnavailableStillDelivers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.history.urlErr = errors.New("no bundle")
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100)}

	report, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TextOnly)
	assert.Empty(t, h.resolver.resolved)
}

func TestPacingWaitsBetweenSends(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100), taggedCall("call-b", 200)}
	h.pipeline = NewPipeline(PipelineDeps{
		History:      h.history,
		Sender:       h.sender,
		Checkpoints:  h.checkpoints,
		Logger:       discardLogger(),
		SendInterval: 50 * time.Millisecond,
	})

	start := time.Now()
	_, err := h.pipeline.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestDeadlineShorterThanPacingKeepsCallsPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.history.calls = []domain.CallRecord{taggedCall("call-a", 100), taggedCall("call-b", 200), taggedCall("call-c", 300)}
	h.pipeline = NewPipeline(PipelineDeps{
		History:      h.history,
		Sender:       h.sender,
		Checkpoints:  h.checkpoints,
		Deliveries:   h.deliveries,
		Logger:       discardLogger(),
		SendInterval: 5 * time.Second,
		Now:          func() time.Time { return testNow },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	report, err := h.pipeline.RunIncremental(ctx)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 4*time.Second, "pacing wait must end with the context")
	assert.True(t, report.Cancelled)
	assert.Equal(t, 1, report.Processed)
	assert.Zero(t, report.Degraded)
	assert.Equal(t, []string{"call-a"}, sentIDs(h.sender.messages()))
	assert.Equal(t, []domain.Checkpoint{{LastTimestamp: 100, LastCallID: "call-a"}}, h.checkpoints.history())
	assert.Len(t, h.deliveries.entries, 1)
}
