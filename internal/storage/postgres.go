package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"

	"podforge/pkg/logger"
	"podforge/pkg/model"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("row not found")
	// ErrConflict is returned when a compare-and-set transition loses:
	// the row's current status did not match the expected one. Expected
	// under at-least-once redelivery; callers treat it as a no-op.
	ErrConflict = errors.New("status transition conflict")
)

type PostgresStorage struct {
	pool *pgxpool.Pool
}

// New PostgreSQL storage instance
func NewPostgresStorage(databaseURL string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established")

	// Run migrations
	if err := runMigrations(databaseURL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Database migrations completed successfully")

	return &PostgresStorage{pool: pool}, nil
}

// Executing database migrations
func runMigrations(databaseURL string) error {
	migrationsURL, err := migrationsSourceURL()
	if err != nil {
		return err
	}

	logger.Info("Running migrations", zap.String("path", migrationsURL))

	db := stdlib.OpenDB(*parseConfig(databaseURL))
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err == migrate.ErrNoChange {
		logger.Info("No new migrations to apply")
	} else {
		logger.Info("Migrations applied successfully")
	}

	return nil
}

// ResetMigrations drops all tables and re-runs migrations (for development)
func ResetMigrations(databaseURL string) error {
	logger.Warn("Resetting database - this will drop all data!")

	migrationsURL, err := migrationsSourceURL()
	if err != nil {
		return err
	}

	db := stdlib.OpenDB(*parseConfig(databaseURL))
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Drop(); err != nil {
		return fmt.Errorf("failed to drop database: %w", err)
	}

	logger.Info("Database dropped successfully")

	if err := m.Up(); err != nil {
		return fmt.Errorf("failed to run migrations after reset: %w", err)
	}

	logger.Info("Database reset and migrations applied successfully")
	return nil
}

// Builds the file:// URL of the migrations directory (works on both
// Windows and Unix)
func migrationsSourceURL() (string, error) {
	migrationsPath, err := filepath.Abs("migrations")
	if err != nil {
		return "", fmt.Errorf("failed to get migrations path: %w", err)
	}

	if runtime.GOOS == "windows" {
		u := &url.URL{
			Scheme: "file",
			Path:   filepath.ToSlash(migrationsPath),
		}
		return u.String(), nil
	}

	return fmt.Sprintf("file://%s", migrationsPath), nil
}

// Parses database URL into pgx config
func parseConfig(databaseURL string) *pgx.ConnConfig {
	config, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		logger.Fatal("Failed to parse database URL", zap.Error(err))
	}
	return config
}

// Closes the database connection pool
func (s *PostgresStorage) Close() {
	s.pool.Close()
}

// ---- tasks ----

// CreateTask inserts a new task into the database
func (s *PostgresStorage) CreateTask(ctx context.Context, task *model.Task) error {
	query := `
		INSERT INTO tasks (
			id, user_id, request_text, status, error_text, final_result,
			created_at, started_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)`

	_, err := s.pool.Exec(ctx, query,
		task.ID,
		task.UserID,
		task.RequestText,
		task.Status,
		task.ErrorText,
		task.FinalResult,
		task.CreatedAt,
		task.StartedAt,
		task.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// GetTaskByID retrieves a task by its ID
func (s *PostgresStorage) GetTaskByID(ctx context.Context, id string) (*model.Task, error) {
	query := `
		SELECT id, user_id, request_text, status, error_text, final_result,
		       created_at, started_at, completed_at
		FROM tasks
		WHERE id = $1`

	var task model.Task
	row := s.pool.QueryRow(ctx, query, id)

	err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.RequestText,
		&task.Status,
		&task.ErrorText,
		&task.FinalResult,
		&task.CreatedAt,
		&task.StartedAt,
		&task.CompletedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return &task, nil
}

// TransitionTask moves a task from one status to another with a
// compare-and-set guard, stamping audit timestamps on the way. Returns
// ErrConflict if the row is no longer in the expected status.
func (s *PostgresStorage) TransitionTask(ctx context.Context, id string, from, to model.Status) error {
	query := `
		UPDATE tasks
		SET status = $3,
		    started_at = CASE
		        WHEN $3 = 'processing' AND started_at IS NULL THEN NOW()
		        ELSE started_at
		    END,
		    completed_at = CASE
		        WHEN $3 IN ('completed', 'failed') THEN NOW()
		        ELSE completed_at
		    END
		WHERE id = $1 AND status = $2`

	result, err := s.pool.Exec(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("failed to transition task: %w", err)
	}

	if result.RowsAffected() == 0 {
		return s.transitionFailure(ctx, "tasks", id)
	}

	return nil
}

// SetTaskError records the human-readable failure reason on a task row.
func (s *PostgresStorage) SetTaskError(ctx context.Context, id, errorText string) error {
	query := `UPDATE tasks SET error_text = $2 WHERE id = $1`

	result, err := s.pool.Exec(ctx, query, id, errorText)
	if err != nil {
		return fmt.Errorf("failed to set task error: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// SetTaskFinalResult stores the opaque final-result payload.
func (s *PostgresStorage) SetTaskFinalResult(ctx context.Context, id string, result model.JSONB) error {
	query := `UPDATE tasks SET final_result = $2 WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, result)
	if err != nil {
		return fmt.Errorf("failed to set task final result: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ListTasksByUser retrieves the user's most recent tasks.
func (s *PostgresStorage) ListTasksByUser(ctx context.Context, userID string, limit int) ([]*model.Task, error) {
	query := `
		SELECT id, user_id, request_text, status, error_text, final_result,
		       created_at, started_at, completed_at
		FROM tasks
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		var task model.Task
		err := rows.Scan(
			&task.ID,
			&task.UserID,
			&task.RequestText,
			&task.Status,
			&task.ErrorText,
			&task.FinalResult,
			&task.CreatedAt,
			&task.StartedAt,
			&task.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, &task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	return tasks, nil
}

// DeleteTask removes a task; sub-results cascade via foreign keys.
func (s *PostgresStorage) DeleteTask(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ---- speech results ----

// CreateSpeechResult inserts a new speech result row
func (s *PostgresStorage) CreateSpeechResult(ctx context.Context, sr *model.SpeechResult) error {
	query := `
		INSERT INTO speech_results (
			id, task_id, raw_script, script, audio_key, audio_size,
			audio_duration, status, error_text, created_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)`

	_, err := s.pool.Exec(ctx, query,
		sr.ID,
		sr.TaskID,
		sr.RawScript,
		sr.Script,
		sr.AudioKey,
		sr.AudioSize,
		sr.AudioDuration,
		sr.Status,
		sr.ErrorText,
		sr.CreatedAt,
		sr.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create speech result: %w", err)
	}

	return nil
}

// GetSpeechResultByID retrieves a speech result by its ID
func (s *PostgresStorage) GetSpeechResultByID(ctx context.Context, id string) (*model.SpeechResult, error) {
	query := `
		SELECT id, task_id, raw_script, script, audio_key, audio_size,
		       audio_duration, status, error_text, created_at, completed_at
		FROM speech_results
		WHERE id = $1`

	var sr model.SpeechResult
	row := s.pool.QueryRow(ctx, query, id)

	err := row.Scan(
		&sr.ID,
		&sr.TaskID,
		&sr.RawScript,
		&sr.Script,
		&sr.AudioKey,
		&sr.AudioSize,
		&sr.AudioDuration,
		&sr.Status,
		&sr.ErrorText,
		&sr.CreatedAt,
		&sr.CompletedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get speech result: %w", err)
	}

	return &sr, nil
}

// TransitionSpeechResult is the CAS transition for speech results.
func (s *PostgresStorage) TransitionSpeechResult(ctx context.Context, id string, from, to model.Status) error {
	query := `
		UPDATE speech_results
		SET status = $3,
		    completed_at = CASE
		        WHEN $3 IN ('completed', 'failed') THEN NOW()
		        ELSE completed_at
		    END
		WHERE id = $1 AND status = $2`

	result, err := s.pool.Exec(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("failed to transition speech result: %w", err)
	}

	if result.RowsAffected() == 0 {
		return s.transitionFailure(ctx, "speech_results", id)
	}

	return nil
}

// CompleteSpeechResult finalizes a processing speech result with its
// audio metadata. CAS from processing so a replayed stage cannot
// overwrite a completed row.
func (s *PostgresStorage) CompleteSpeechResult(ctx context.Context, id string, audioSize int64, audioDuration float64) error {
	query := `
		UPDATE speech_results
		SET status = 'completed',
		    audio_size = $2,
		    audio_duration = $3,
		    completed_at = NOW()
		WHERE id = $1 AND status = 'processing'`

	result, err := s.pool.Exec(ctx, query, id, audioSize, audioDuration)
	if err != nil {
		return fmt.Errorf("failed to complete speech result: %w", err)
	}

	if result.RowsAffected() == 0 {
		return s.transitionFailure(ctx, "speech_results", id)
	}

	return nil
}

// SetSpeechError records the failure reason on a speech result row.
func (s *PostgresStorage) SetSpeechError(ctx context.Context, id, errorText string) error {
	query := `UPDATE speech_results SET error_text = $2 WHERE id = $1`

	result, err := s.pool.Exec(ctx, query, id, errorText)
	if err != nil {
		return fmt.Errorf("failed to set speech error: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ---- stream results ----

// CreateStreamResult inserts a new stream result row
func (s *PostgresStorage) CreateStreamResult(ctx context.Context, sr *model.StreamResult) error {
	query := `
		INSERT INTO stream_results (
			id, speech_result_id, task_id, folder, master_playlist,
			bitrates, total_segments, status, error_text, created_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11
		)`

	bitrates, err := json.Marshal(sr.Bitrates)
	if err != nil {
		return fmt.Errorf("failed to marshal bitrates: %w", err)
	}

	_, err = s.pool.Exec(ctx, query,
		sr.ID,
		sr.SpeechResultID,
		sr.TaskID,
		sr.Folder,
		sr.MasterPlaylist,
		string(bitrates),
		sr.TotalSegments,
		sr.Status,
		sr.ErrorText,
		sr.CreatedAt,
		sr.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create stream result: %w", err)
	}

	return nil
}

// GetStreamResultByID retrieves a stream result by its ID
func (s *PostgresStorage) GetStreamResultByID(ctx context.Context, id string) (*model.StreamResult, error) {
	return s.getStreamResult(ctx, `WHERE id = $1`, id)
}

// GetStreamResultBySpeechID retrieves the stream result derived from a
// speech result (1:1)
func (s *PostgresStorage) GetStreamResultBySpeechID(ctx context.Context, speechResultID string) (*model.StreamResult, error) {
	return s.getStreamResult(ctx, `WHERE speech_result_id = $1`, speechResultID)
}

func (s *PostgresStorage) getStreamResult(ctx context.Context, where string, arg interface{}) (*model.StreamResult, error) {
	query := `
		SELECT id, speech_result_id, task_id, folder, master_playlist,
		       bitrates, total_segments, status, error_text, created_at, completed_at
		FROM stream_results ` + where

	var sr model.StreamResult
	var bitrates []byte
	row := s.pool.QueryRow(ctx, query, arg)

	err := row.Scan(
		&sr.ID,
		&sr.SpeechResultID,
		&sr.TaskID,
		&sr.Folder,
		&sr.MasterPlaylist,
		&bitrates,
		&sr.TotalSegments,
		&sr.Status,
		&sr.ErrorText,
		&sr.CreatedAt,
		&sr.CompletedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get stream result: %w", err)
	}

	if len(bitrates) > 0 {
		if err := json.Unmarshal(bitrates, &sr.Bitrates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bitrates: %w", err)
		}
	}

	return &sr, nil
}

// TransitionStreamResult is the CAS transition for stream results.
func (s *PostgresStorage) TransitionStreamResult(ctx context.Context, id string, from, to model.Status) error {
	query := `
		UPDATE stream_results
		SET status = $3,
		    completed_at = CASE
		        WHEN $3 IN ('completed', 'failed') THEN NOW()
		        ELSE completed_at
		    END
		WHERE id = $1 AND status = $2`

	result, err := s.pool.Exec(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("failed to transition stream result: %w", err)
	}

	if result.RowsAffected() == 0 {
		return s.transitionFailure(ctx, "stream_results", id)
	}

	return nil
}

// CompleteStreamResult finalizes a processing stream result atomically:
// playlist reference, rendition list and segment count land together.
func (s *PostgresStorage) CompleteStreamResult(ctx context.Context, id, masterPlaylist string, bitrates []int, totalSegments int) error {
	encoded, err := json.Marshal(bitrates)
	if err != nil {
		return fmt.Errorf("failed to marshal bitrates: %w", err)
	}

	query := `
		UPDATE stream_results
		SET status = 'completed',
		    master_playlist = $2,
		    bitrates = $3::jsonb,
		    total_segments = $4,
		    completed_at = NOW()
		WHERE id = $1 AND status = 'processing'`

	result, err := s.pool.Exec(ctx, query, id, masterPlaylist, string(encoded), totalSegments)
	if err != nil {
		return fmt.Errorf("failed to complete stream result: %w", err)
	}

	if result.RowsAffected() == 0 {
		return s.transitionFailure(ctx, "stream_results", id)
	}

	return nil
}

// SetStreamError records the failure reason on a stream result row.
func (s *PostgresStorage) SetStreamError(ctx context.Context, id, errorText string) error {
	query := `UPDATE stream_results SET error_text = $2 WHERE id = $1`

	result, err := s.pool.Exec(ctx, query, id, errorText)
	if err != nil {
		return fmt.Errorf("failed to set stream error: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Distinguishes a missing row from a lost CAS race.
func (s *PostgresStorage) transitionFailure(ctx context.Context, table, id string) error {
	var status model.Status
	query := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, table)

	err := s.pool.QueryRow(ctx, query, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to inspect %s row: %w", table, err)
	}

	return fmt.Errorf("%w: %s row %s is %q", ErrConflict, table, id, status)
}
