package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"PBXNotifier/internal/domain"
	"PBXNotifier/internal/ports"
)

const deliveryLogFile = "deliveries.jsonl"

// FileDeliveryLog appends one JSON document per handled call.
type FileDeliveryLog struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

var _ ports.DeliveryLog = (*FileDeliveryLog)(nil)

type deliveryRow struct {
	RunID       string `json:"run_id"`
	CallID      string `json:"call_id"`
	StartTime   int64  `json:"start_time"`
	Outcome     string `json:"outcome"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error,omitempty"`
	Summary     string `json:"summary,omitempty"`
	DeliveredAt int64  `json:"delivered_at"`
}

func NewFileDeliveryLog(dir string, now func() time.Time) (*FileDeliveryLog, error) {
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileDeliveryLog{path: filepath.Join(dir, deliveryLogFile), now: now}, nil
}

// Append writes entry and syncs the file.
func (l *FileDeliveryLog) Append(ctx context.Context, entry domain.DeliveryEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	deliveredAt := entry.DeliveredAt
	if deliveredAt.IsZero() {
		deliveredAt = l.now()
	}

	line, err := json.Marshal(deliveryRow{
		RunID:       entry.RunID,
		CallID:      entry.CallID,
		StartTime:   entry.StartTime,
		Outcome:     string(entry.Outcome),
		Attempts:    entry.Attempts,
		Error:       entry.Error,
		Summary:     entry.Summary,
		DeliveredAt: deliveredAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}

	fd, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return fmt.Errorf("open delivery log: %w", err)
	}
	defer fd.Close()

	if _, err := fd.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append delivery: %w", err)
	}
	return fd.Sync()
}

// Recent returns the newest entries, newest first. Malformed lines are skipped.
func (l *FileDeliveryLog) Recent(ctx context.Context, limit int) ([]domain.DeliveryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fd, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open delivery log: %w", err)
	}
	defer fd.Close()

	var all []domain.DeliveryEntry
	scanner := bufio.NewScanner(fd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var row deliveryRow
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			continue
		}
		all = append(all, domain.DeliveryEntry{
			RunID:       row.RunID,
			CallID:      row.CallID,
			StartTime:   row.StartTime,
			Outcome:     domain.Outcome(row.Outcome),
			Attempts:    row.Attempts,
			Error:       row.Error,
			Summary:     row.Summary,
			DeliveredAt: time.Unix(row.DeliveredAt, 0),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan delivery log: %w", err)
	}

	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}
