package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/shiftdesk/internal/observability"
	"github.com/harun/shiftdesk/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const maxRecordSize = 4 * 1024 * 1024

// syncFile flushes an appended record to stable storage.
var syncFile = (*os.File).Sync

// FileStore keeps one JSONL file per user.
type FileStore struct {
	dir string

	locksMu sync.Mutex
	locks   map[string]*userLog
}

// userLog serializes access to a single user's file and caches the last
// assigned seq once it has been read from disk.
type userLog struct {
	mu      sync.Mutex
	lastSeq int64
	loaded  bool
}

// NewFileStore creates a FileStore rooted at dir. An empty dir defaults to
// ~/.shiftdesk/history.
func NewFileStore(dir string) (*FileStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".shiftdesk", "history")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("History file store initialized")

	return &FileStore{
		dir:   dir,
		locks: make(map[string]*userLog),
	}, nil
}

func (s *FileStore) path(userID string) string {
	return filepath.Join(s.dir, userID+".jsonl")
}

func (s *FileStore) userLog(userID string) *userLog {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	ul, ok := s.locks[userID]
	if !ok {
		ul = &userLog{}
		s.locks[userID] = ul
	}
	return ul
}

// Append writes turn as one JSON line and fsyncs before returning.
func (s *FileStore) Append(ctx context.Context, userID string, turn Turn) (Turn, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerHistory, "history.append",
		attribute.String("role", string(turn.Role)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := ValidateUserID(userID); err != nil {
		tracing.FailSpan(span, err)
		return Turn{}, err
	}
	if err := validateTurn(turn); err != nil {
		tracing.FailSpan(span, err)
		return Turn{}, err
	}

	ul := s.userLog(userID)
	ul.mu.Lock()
	defer ul.mu.Unlock()

	stored, err := s.appendLocked(userID, ul, turn)
	observability.RecordHistoryAppend(string(turn.Role), err == nil)
	if err != nil {
		tracing.FailSpan(span, err)
		return Turn{}, err
	}

	logger.Debug().
		Str("role", string(stored.Role)).
		Int64("seq", stored.Seq).
		Int("parts", len(stored.Parts)).
		Msg("Turn appended")

	return stored, nil
}

func (s *FileStore) appendLocked(userID string, ul *userLog, turn Turn) (Turn, error) {
	if !ul.loaded {
		if err := s.repairTail(userID); err != nil {
			return Turn{}, err
		}
		last, err := s.scanLastSeq(userID)
		if err != nil {
			return Turn{}, err
		}
		ul.lastSeq = last
		ul.loaded = true
	}

	stored, err := prepare(turn, ul.lastSeq+1)
	if err != nil {
		return Turn{}, err
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return Turn{}, fmt.Errorf("%w: marshal turn: %v", ErrPersistence, err)
	}

	file, err := os.OpenFile(s.path(userID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return Turn{}, fmt.Errorf("%w: open history file: %v", ErrPersistence, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Turn{}, fmt.Errorf("%w: stat history file: %v", ErrPersistence, err)
	}

	if err := writeRecord(file, append(data, '\n')); err != nil {
		// Drop whatever part of the record reached the file and rescan on
		// the next append, so a seq is never handed out twice.
		ul.loaded = false
		if terr := file.Truncate(info.Size()); terr != nil {
			log.Error().Err(terr).Str("user_id", userID).Msg("Failed to roll back history record")
		}
		return Turn{}, err
	}

	ul.lastSeq = stored.Seq
	return stored, nil
}

func writeRecord(file *os.File, record []byte) error {
	if _, err := file.Write(record); err != nil {
		return fmt.Errorf("%w: write turn: %v", ErrPersistence, err)
	}
	if err := syncFile(file); err != nil {
		return fmt.Errorf("%w: sync history file: %v", ErrPersistence, err)
	}
	return nil
}

// repairTail cuts a trailing record that has no newline, which an
// interrupted write leaves behind, so the next record starts on its own line.
func (s *FileStore) repairTail(userID string) error {
	file, err := os.OpenFile(s.path(userID), os.O_RDWR, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: open history file: %v", ErrPersistence, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat history file: %v", ErrPersistence, err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := file.ReadAt(last, size-1); err != nil && err != io.EOF {
		return fmt.Errorf("%w: read history file: %v", ErrPersistence, err)
	}
	if last[0] == '\n' {
		return nil
	}

	// Walk back to the last complete line.
	var keep int64
	buf := make([]byte, 4096)
	for end := size; end > 0; {
		start := end - int64(len(buf))
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := file.ReadAt(chunk, start); err != nil && err != io.EOF {
			return fmt.Errorf("%w: read history file: %v", ErrPersistence, err)
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			keep = start + int64(i) + 1
			break
		}
		end = start
	}

	if err := file.Truncate(keep); err != nil {
		return fmt.Errorf("%w: truncate partial record: %v", ErrPersistence, err)
	}
	if err := syncFile(file); err != nil {
		return fmt.Errorf("%w: sync history file: %v", ErrPersistence, err)
	}

	log.Warn().
		Str("user_id", userID).
		Int64("dropped_bytes", size-keep).
		Msg("Dropped partial history record")
	return nil
}

// scanLastSeq reads the highest seq already on disk for userID.
func (s *FileStore) scanLastSeq(userID string) (int64, error) {
	var last int64
	err := s.scan(userID, func(t Turn) {
		if t.Seq > last {
			last = t.Seq
		}
	})
	return last, err
}

// scan calls fn for every decodable record in file order. Corrupt lines are
// logged and skipped. A missing file yields no records.
func (s *FileStore) scan(userID string, fn func(Turn)) error {
	file, err := os.Open(s.path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: open history file: %v", ErrPersistence, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var turn Turn
		if err := json.Unmarshal([]byte(line), &turn); err != nil || validateTurn(turn) != nil {
			log.Warn().
				Str("user_id", userID).
				Int("line", lineNum).
				Msg("Skipping unreadable history record")
			continue
		}
		fn(turn)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: read history file: %v", ErrPersistence, err)
	}
	return nil
}

// LoadRecent keeps a ring of the newest fetchCap records while scanning and
// then selects the window from it.
func (s *FileStore) LoadRecent(ctx context.Context, userID string, userTurnLimit, fetchCap int) ([]Turn, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerHistory, "history.load_recent")
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordHistoryLoad(time.Since(start))
	}()

	if err := ValidateUserID(userID); err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}
	userTurnLimit, fetchCap = normalizeLimits(userTurnLimit, fetchCap)

	ul := s.userLog(userID)
	ul.mu.Lock()
	defer ul.mu.Unlock()

	ring := make([]Turn, fetchCap)
	count := 0
	err := s.scan(userID, func(t Turn) {
		ring[count%fetchCap] = t
		count++
	})
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	n := count
	if n > fetchCap {
		n = fetchCap
	}
	newestFirst := make([]Turn, 0, n)
	for i := 0; i < n; i++ {
		newestFirst = append(newestFirst, ring[(count-1-i)%fetchCap])
	}

	window := selectWindow(newestFirst, userTurnLimit)

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Int("records", count).
		Int("window", len(window)).
		Msg("History window loaded")

	return window, nil
}

// Clear removes the user's file.
func (s *FileStore) Clear(ctx context.Context, userID string) error {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerHistory, "history.clear")
	defer span.End()

	if err := ValidateUserID(userID); err != nil {
		tracing.FailSpan(span, err)
		return err
	}

	ul := s.userLog(userID)
	ul.mu.Lock()
	defer ul.mu.Unlock()

	if err := os.Remove(s.path(userID)); err != nil && !os.IsNotExist(err) {
		err = fmt.Errorf("%w: remove history file: %v", ErrPersistence, err)
		tracing.FailSpan(span, err)
		return err
	}
	ul.lastSeq = 0
	ul.loaded = true

	observability.RecordHistoryClear()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Str("user_id", userID).Msg("History cleared")
	return nil
}

// Users lists user ids that currently have history.
func (s *FileStore) Users() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	users := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		users = append(users, strings.TrimSuffix(entry.Name(), ".jsonl"))
	}
	return users, nil
}

// Close is a no-op; files are opened per operation.
func (s *FileStore) Close() error {
	return nil
}
