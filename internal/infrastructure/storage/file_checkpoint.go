package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"PBXNotifier/internal/domain"
	"PBXNotifier/internal/ports"
)

const (
	lastCheckFile  = "last_check_time.txt"
	lastCallIDFile = "last_call_uuid.txt"
	tmpExtension   = ".tmp"
	filePerm       = 0o644
	dirPerm        = 0o755
)

// DefaultLookback is the window used when no checkpoint has been stored yet.
const DefaultLookback = 24 * time.Hour

// FileCheckpointStore keeps the checkpoint as two scalar files in a directory.
// Each file is replaced atomically; the call id is written before the
// timestamp so a crash between them leaves a checkpoint that still resumes
// after the right call.
type FileCheckpointStore struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

var _ ports.CheckpointStore = (*FileCheckpointStore)(nil)

// NewFileCheckpointStore creates the data directory if needed.
func NewFileCheckpointStore(dir string, now func() time.Time) (*FileCheckpointStore, error) {
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileCheckpointStore{dir: dir, now: now}, nil
}

// Read returns the stored checkpoint, seeding "now minus 24h" on first use.
func (s *FileCheckpointStore) Read(ctx context.Context) (domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path(lastCheckFile))
	if errors.Is(err, os.ErrNotExist) {
		cp := domain.Checkpoint{LastTimestamp: s.now().Add(-DefaultLookback).Unix()}
		if err := writeAtomic(s.path(lastCheckFile), strconv.FormatInt(cp.LastTimestamp, 10)); err != nil {
			return cp, fmt.Errorf("seed checkpoint: %w", err)
		}
		id, idErr := s.readID()
		cp.LastCallID = id
		return cp, idErr
	}
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("read checkpoint timestamp: %w", err)
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("parse checkpoint timestamp: %w", err)
	}

	id, err := s.readID()
	if err != nil {
		return domain.Checkpoint{LastTimestamp: ts}, err
	}

	return domain.Checkpoint{LastTimestamp: ts, LastCallID: id}, nil
}

// Write replaces both scalars.
func (s *FileCheckpointStore) Write(ctx context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeAtomic(s.path(lastCallIDFile), cp.LastCallID); err != nil {
		return fmt.Errorf("write last call id: %w", err)
	}
	if err := writeAtomic(s.path(lastCheckFile), strconv.FormatInt(cp.LastTimestamp, 10)); err != nil {
		return fmt.Errorf("write last check time: %w", err)
	}
	return nil
}

func (s *FileCheckpointStore) readID() (string, error) {
	raw, err := os.ReadFile(s.path(lastCallIDFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read last call id: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func (s *FileCheckpointStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func writeAtomic(path, value string) error {
	tmpPath := path + tmpExtension

	fd, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}

	if _, err := fd.WriteString(value); err != nil {
		fd.Close()
		return fmt.Errorf("write temp: %w", err)
	}

	if err := fd.Sync(); err != nil {
		fd.Close()
		return fmt.Errorf("sync temp: %w", err)
	}

	if err := fd.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp: %w", err)
	}

	return nil
}
