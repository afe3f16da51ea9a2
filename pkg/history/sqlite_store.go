package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/harun/shiftdesk/internal/observability"
	"github.com/harun/shiftdesk/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps turns in a single SQLite table keyed by (user_id, seq).
type SQLiteStore struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSQLiteStore opens dsn (a file path or ":memory:") and applies migrations.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}

	inMemory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dsn+sep+"_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if inMemory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Str("dsn", dsn).Msg("History sqlite store initialized")

	return &SQLiteStore{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		log.Debug().
			Str("migration", r.Source.Path).
			Dur("duration", r.Duration).
			Msg("Applied history migration")
	}
	return nil
}

func (s *SQLiteStore) userLock(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	mu, ok := s.locks[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[userID] = mu
	}
	return mu
}

// Append assigns the next seq and inserts the turn in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, userID string, turn Turn) (Turn, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerHistory, "history.append",
		attribute.String("role", string(turn.Role)),
	)
	defer span.End()

	if err := ValidateUserID(userID); err != nil {
		tracing.FailSpan(span, err)
		return Turn{}, err
	}
	if err := validateTurn(turn); err != nil {
		tracing.FailSpan(span, err)
		return Turn{}, err
	}

	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	stored, err := s.insert(ctx, userID, turn)
	observability.RecordHistoryAppend(string(turn.Role), err == nil)
	if err != nil {
		tracing.FailSpan(span, err)
		return Turn{}, err
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("role", string(stored.Role)).
		Int64("seq", stored.Seq).
		Msg("Turn appended")

	return stored, nil
}

func (s *SQLiteStore) insert(ctx context.Context, userID string, turn Turn) (Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM turns WHERE user_id = ?`, userID,
	).Scan(&last); err != nil {
		return Turn{}, fmt.Errorf("%w: read last seq: %v", ErrPersistence, err)
	}

	stored, err := prepare(turn, last+1)
	if err != nil {
		return Turn{}, err
	}

	parts, err := json.Marshal(stored.Parts)
	if err != nil {
		return Turn{}, fmt.Errorf("%w: marshal parts: %v", ErrPersistence, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (id, user_id, seq, role, parts, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		stored.ID, userID, stored.Seq, string(stored.Role), string(parts),
		stored.Timestamp.Format(time.RFC3339Nano),
	); err != nil {
		return Turn{}, fmt.Errorf("%w: insert turn: %v", ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return stored, nil
}

// LoadRecent fetches the newest fetchCap rows and selects the window.
func (s *SQLiteStore) LoadRecent(ctx context.Context, userID string, userTurnLimit, fetchCap int) ([]Turn, error) {
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

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, role, parts, created_at FROM turns
		 WHERE user_id = ? ORDER BY seq DESC LIMIT ?`,
		userID, fetchCap,
	)
	if err != nil {
		err = fmt.Errorf("%w: query turns: %v", ErrPersistence, err)
		tracing.FailSpan(span, err)
		return nil, err
	}
	defer rows.Close()

	newestFirst := make([]Turn, 0, fetchCap)
	for rows.Next() {
		var (
			turn      Turn
			role      string
			parts     string
			createdAt string
		)
		if err := rows.Scan(&turn.ID, &turn.Seq, &role, &parts, &createdAt); err != nil {
			err = fmt.Errorf("%w: scan turn: %v", ErrPersistence, err)
			tracing.FailSpan(span, err)
			return nil, err
		}
		turn.Role = Role(role)
		if err := json.Unmarshal([]byte(parts), &turn.Parts); err != nil {
			log.Warn().Str("user_id", userID).Int64("seq", turn.Seq).Msg("Skipping unreadable history record")
			continue
		}
		turn.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
		newestFirst = append(newestFirst, turn)
	}
	if err := rows.Err(); err != nil {
		err = fmt.Errorf("%w: iterate turns: %v", ErrPersistence, err)
		tracing.FailSpan(span, err)
		return nil, err
	}

	return selectWindow(newestFirst, userTurnLimit), nil
}

// Clear deletes every row of userID.
func (s *SQLiteStore) Clear(ctx context.Context, userID string) error {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerHistory, "history.clear")
	defer span.End()

	if err := ValidateUserID(userID); err != nil {
		tracing.FailSpan(span, err)
		return err
	}

	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE user_id = ?`, userID)
	if err != nil {
		err = fmt.Errorf("%w: delete turns: %v", ErrPersistence, err)
		tracing.FailSpan(span, err)
		return err
	}
	removed, _ := res.RowsAffected()

	observability.RecordHistoryClear()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("user_id", userID).
		Int64("removed", removed).
		Msg("History cleared")
	return nil
}

// Users lists user ids that currently have history.
func (s *SQLiteStore) Users() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT user_id FROM turns ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
