package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Backland-Labs/conductor/internal/run"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLConfig holds connection settings for the SQL store.
type SQLConfig struct {
	Driver           string
	DSN              string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	ConnectTimeout   time.Duration
	MaxUpdateRetries int
}

// DefaultSQLConfig returns default configuration.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		Driver:           DriverPostgres,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  5 * time.Minute,
		ConnectTimeout:   10 * time.Second,
		MaxUpdateRetries: 5,
	}
}

// SQL implements Store on postgres or sqlite.
type SQL struct {
	db         *sql.DB
	dialect    dialect
	maxRetries int
	now        func() time.Time
}

// OpenSQL opens and pings the database described by config.
func OpenSQL(config *SQLConfig) (*SQL, error) {
	if config == nil {
		config = DefaultSQLConfig()
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	d, err := dialectFor(config.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if d.driver == DriverSQLite {
		// Each sqlite connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s, err := NewSQL(db, d.driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if config.MaxUpdateRetries > 0 {
		s.maxRetries = config.MaxUpdateRetries
	}
	return s, nil
}

// NewSQL wraps an existing handle.
func NewSQL(db *sql.DB, driver string) (*SQL, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &SQL{db: db, dialect: d, maxRetries: 5, now: utcNow}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const runColumns = `id, owner_id, assistant_id, thread_id, status, required_action, last_error,
	incomplete_details, model, instructions, tools, assistant, thread, created_at, expires_at,
	started_at, cancelled_at, failed_at, completed_at, updated_at, deleted_at, version`

// CreateRun implements Store.
func (s *SQL) CreateRun(ctx context.Context, r *run.Run) error {
	if err := r.Validate(); err != nil {
		return err
	}
	cols, err := encodeRun(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (`+placeholders(1, 22)+`)
	`),
		r.ID,
		r.OwnerID,
		r.AssistantID,
		r.ThreadID,
		string(r.Status),
		cols.requiredAction,
		cols.lastError,
		cols.incomplete,
		r.Model,
		r.Instructions,
		cols.tools,
		cols.assistant,
		cols.thread,
		r.CreatedAt.UTC(),
		r.ExpiresAt.UTC(),
		nullTime(r.StartedAt),
		nullTime(r.CancelledAt),
		nullTime(r.FailedAt),
		nullTime(r.CompletedAt),
		r.UpdatedAt.UTC(),
		nullTime(r.DeletedAt),
		r.Version,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// LoadRun implements Store.
func (s *SQL) LoadRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+runColumns+`
		FROM runs WHERE id = $1 AND deleted_at IS NULL
	`), id)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", run.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	return r, nil
}

// UpdateRun implements Store with a version compare-and-swap, retried on conflict.
func (s *SQL) UpdateRun(ctx context.Context, id string, fn MutateFunc) (*run.Run, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		current, err := s.LoadRun(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := applyMutation(current, fn, s.now())
		if err != nil {
			return nil, err
		}
		if next == nil {
			return current, nil
		}
		cols, err := encodeRun(next)
		if err != nil {
			return nil, err
		}
		res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
			UPDATE runs
			SET status = $1,
				required_action = $2,
				last_error = $3,
				incomplete_details = $4,
				model = $5,
				instructions = $6,
				tools = $7,
				assistant = $8,
				thread = $9,
				started_at = $10,
				cancelled_at = $11,
				failed_at = $12,
				completed_at = $13,
				updated_at = $14,
				version = $15
			WHERE id = $16 AND version = $17 AND deleted_at IS NULL
		`),
			string(next.Status),
			cols.requiredAction,
			cols.lastError,
			cols.incomplete,
			next.Model,
			next.Instructions,
			cols.tools,
			cols.assistant,
			cols.thread,
			nullTime(next.StartedAt),
			nullTime(next.CancelledAt),
			nullTime(next.FailedAt),
			nullTime(next.CompletedAt),
			next.UpdatedAt.UTC(),
			next.Version,
			id,
			current.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("update run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("update run: %w", err)
		}
		if n == 1 {
			return next, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrConflict, id)
}

// DeleteRun implements Store.
func (s *SQL) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE runs SET deleted_at = $1, version = version + 1
		WHERE id = $2 AND deleted_at IS NULL
	`), s.now(), id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", run.ErrNotFound, id)
	}
	return nil
}

// CountActiveRuns implements Store.
func (s *SQL) CountActiveRuns(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT COUNT(*) FROM runs
		WHERE owner_id = $1 AND deleted_at IS NULL AND status IN ($2, $3)
	`), ownerID, string(run.StatusInProgress), string(run.StatusRequiresAction)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return n, nil
}

// ExpireOverdue implements Store as a single multi-row conditional update.
func (s *SQL) ExpireOverdue(ctx context.Context, now time.Time) ([]string, error) {
	statuses := run.NonTerminal()
	args := []any{string(run.StatusExpired), now.UTC(), now.UTC()}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		UPDATE runs
		SET status = $1, required_action = NULL, updated_at = $2, version = version + 1
		WHERE deleted_at IS NULL AND expires_at < $3 AND status IN (`+placeholders(4, len(statuses))+`)
		RETURNING id
	`), args...)
	if err != nil {
		return nil, fmt.Errorf("expire runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired run: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expire runs: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// FindFileExtraction implements Store.
func (s *SQL) FindFileExtraction(ctx context.Context, fileID string) (*FileExtraction, error) {
	var (
		fe     FileExtraction
		output sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT file_id, job_id, output, updated_at
		FROM file_extractions WHERE file_id = $1
	`), fileID).Scan(&fe.FileID, &fe.JobID, &output, &fe.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find file extraction: %w", err)
	}
	if output.Valid {
		fe.Output = &output.String
	}
	return &fe, nil
}

// PutFileExtraction implements Store.
func (s *SQL) PutFileExtraction(ctx context.Context, fe *FileExtraction) error {
	if fe == nil || fe.FileID == "" {
		return fmt.Errorf("file id is required")
	}
	var output sql.NullString
	if fe.Output != nil {
		output = sql.NullString{String: *fe.Output, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO file_extractions (file_id, job_id, output, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (file_id) DO UPDATE
		SET job_id = excluded.job_id, output = excluded.output, updated_at = excluded.updated_at
	`), fe.FileID, fe.JobID, output, s.now())
	if err != nil {
		return fmt.Errorf("put file extraction: %w", err)
	}
	return nil
}

type encodedRun struct {
	requiredAction sql.NullString
	lastError      sql.NullString
	incomplete     sql.NullString
	tools          sql.NullString
	assistant      sql.NullString
	thread         sql.NullString
}

func encodeRun(r *run.Run) (encodedRun, error) {
	var (
		out encodedRun
		err error
	)
	if r.RequiredAction != nil {
		if out.requiredAction, err = nullJSON(r.RequiredAction); err != nil {
			return out, err
		}
	}
	if r.LastError != nil {
		if out.lastError, err = nullJSON(r.LastError); err != nil {
			return out, err
		}
	}
	if r.IncompleteDetails != nil {
		if out.incomplete, err = nullJSON(r.IncompleteDetails); err != nil {
			return out, err
		}
	}
	if len(r.Tools) > 0 {
		if out.tools, err = nullJSON(r.Tools); err != nil {
			return out, err
		}
	}
	if out.assistant, err = nullJSON(r.Assistant); err != nil {
		return out, err
	}
	if out.thread, err = nullJSON(r.Thread); err != nil {
		return out, err
	}
	return out, nil
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner runScanner) (*run.Run, error) {
	var (
		r              run.Run
		status         string
		requiredAction sql.NullString
		lastError      sql.NullString
		incomplete     sql.NullString
		tools          sql.NullString
		assistant      sql.NullString
		thread         sql.NullString
		startedAt      sql.NullTime
		cancelledAt    sql.NullTime
		failedAt       sql.NullTime
		completedAt    sql.NullTime
		deletedAt      sql.NullTime
	)
	if err := scanner.Scan(
		&r.ID,
		&r.OwnerID,
		&r.AssistantID,
		&r.ThreadID,
		&status,
		&requiredAction,
		&lastError,
		&incomplete,
		&r.Model,
		&r.Instructions,
		&tools,
		&assistant,
		&thread,
		&r.CreatedAt,
		&r.ExpiresAt,
		&startedAt,
		&cancelledAt,
		&failedAt,
		&completedAt,
		&r.UpdatedAt,
		&deletedAt,
		&r.Version,
	); err != nil {
		return nil, err
	}
	r.Status = run.Status(status)
	if err := decodeJSON(requiredAction, &r.RequiredAction); err != nil {
		return nil, fmt.Errorf("decode required_action: %w", err)
	}
	if err := decodeJSON(lastError, &r.LastError); err != nil {
		return nil, fmt.Errorf("decode last_error: %w", err)
	}
	if err := decodeJSON(incomplete, &r.IncompleteDetails); err != nil {
		return nil, fmt.Errorf("decode incomplete_details: %w", err)
	}
	if err := decodeJSON(tools, &r.Tools); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	if err := decodeJSON(assistant, &r.Assistant); err != nil {
		return nil, fmt.Errorf("decode assistant: %w", err)
	}
	if err := decodeJSON(thread, &r.Thread); err != nil {
		return nil, fmt.Errorf("decode thread: %w", err)
	}
	r.StartedAt = timePtr(startedAt)
	r.CancelledAt = timePtr(cancelledAt)
	r.FailedAt = timePtr(failedAt)
	r.CompletedAt = timePtr(completedAt)
	r.DeletedAt = timePtr(deletedAt)
	return &r, nil
}

func nullJSON(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(value sql.NullString, dest any) error {
	if !value.Valid || value.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(value.String), dest)
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
