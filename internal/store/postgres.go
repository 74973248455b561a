package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/stresslab/internal/stress"
)

// PostgresStore persists study data in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			grp TEXT NOT NULL DEFAULT '',
			difficulty INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS task_sessions (
			id TEXT PRIMARY KEY,
			participant_id TEXT NOT NULL REFERENCES participants(id) ON DELETE CASCADE,
			task TEXT NOT NULL,
			config JSONB NOT NULL DEFAULT '{}'::jsonb,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NULL,
			last_trial_index INTEGER NOT NULL DEFAULT 0,
			final_trial_index INTEGER NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_sessions_participant ON task_sessions (participant_id, started_at DESC);`,
		`CREATE TABLE IF NOT EXISTS trial_events (
			session_id TEXT NOT NULL REFERENCES task_sessions(id) ON DELETE CASCADE,
			trial_index INTEGER NOT NULL,
			participant_id TEXT NOT NULL,
			task TEXT NOT NULL,
			stimulus TEXT NOT NULL DEFAULT '',
			response TEXT NOT NULL DEFAULT '',
			correct BOOLEAN NULL,
			reaction_time_ms BIGINT NOT NULL DEFAULT 0,
			difficulty INTEGER NOT NULL DEFAULT 0,
			stress DOUBLE PRECISION NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL DEFAULT 'scored',
			recorded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, trial_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trial_events_participant ON trial_events (participant_id, recorded_at);`,
		`CREATE TABLE IF NOT EXISTS stress_samples (
			id BIGSERIAL PRIMARY KEY,
			participant_id TEXT NOT NULL,
			raw_high DOUBLE PRECISION NOT NULL,
			ema_high DOUBLE PRECISION NOT NULL,
			features JSONB NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		);`,
		`ALTER TABLE stress_samples ADD COLUMN IF NOT EXISTS features JSONB NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_stress_samples_participant ON stress_samples (participant_id, id DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) RegisterParticipant(ctx context.Context, p Participant) (Participant, bool, error) {
	if p.ID == "" {
		return Participant{}, false, ErrInvalidRecord
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO participants (id, grp, difficulty, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Group, p.Difficulty, p.CreatedAt,
	)
	if err != nil {
		return Participant{}, false, fmt.Errorf("insert participant: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return p, true, nil
	}
	existing, err := s.GetParticipant(ctx, p.ID)
	return existing, false, err
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (Participant, error) {
	var p Participant
	err := s.pool.QueryRow(ctx,
		`SELECT id, grp, difficulty, created_at FROM participants WHERE id=$1`, id,
	).Scan(&p.ID, &p.Group, &p.Difficulty, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Participant{}, ErrNotFound
		}
		return Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context) ([]ParticipantOverview, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, p.grp, p.difficulty, p.created_at,
		        (SELECT count(*) FROM task_sessions ts WHERE ts.participant_id = p.id),
		        (SELECT count(*) FROM trial_events te WHERE te.participant_id = p.id),
		        (SELECT ema_high FROM stress_samples ss WHERE ss.participant_id = p.id ORDER BY id DESC LIMIT 1),
		        (SELECT max(recorded_at) FROM trial_events te WHERE te.participant_id = p.id)
		   FROM participants p ORDER BY p.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	out := make([]ParticipantOverview, 0, 16)
	for rows.Next() {
		var ov ParticipantOverview
		if err := rows.Scan(
			&ov.ID,
			&ov.Group,
			&ov.Difficulty,
			&ov.CreatedAt,
			&ov.Sessions,
			&ov.Trials,
			&ov.LastStress,
			&ov.LastActiveAt,
		); err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		out = append(out, ov)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SetDifficulty(ctx context.Context, participantID string, level int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE participants SET difficulty=$2 WHERE id=$1`, participantID, level)
	if err != nil {
		return fmt.Errorf("set difficulty: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) StartSession(ctx context.Context, sess TaskSession) error {
	if sess.ID == "" || sess.ParticipantID == "" {
		return ErrInvalidRecord
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	cfg, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}
	if sess.Config == nil {
		cfg = []byte("{}")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_sessions (id, participant_id, task, config, started_at)
		 SELECT $1, $2, $3, $4, $5 WHERE EXISTS (SELECT 1 FROM participants WHERE id=$2)`,
		sess.ID, sess.ParticipantID, sess.Task, cfg, sess.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if _, err := s.GetSession(ctx, sess.ID); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (TaskSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT id, participant_id, task, config, started_at, ended_at, last_trial_index, final_trial_index
		   FROM task_sessions WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TaskSession{}, ErrNotFound
		}
		return TaskSession{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) AppendTrial(ctx context.Context, r TrialRecord) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		last          int
		ended         *time.Time
		participantID string
		task          string
	)
	err = tx.QueryRow(ctx,
		`SELECT last_trial_index, ended_at, participant_id, task FROM task_sessions WHERE id=$1 FOR UPDATE`,
		r.SessionID,
	).Scan(&last, &ended, &participantID, &task)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("lock session: %w", err)
	}
	if r.TrialIndex == last && last > 0 {
		return true, nil
	}
	if ended != nil {
		return false, ErrSessionEnded
	}
	if r.TrialIndex != last+1 {
		return false, &OrderError{SessionID: r.SessionID, Expected: last + 1, Got: r.TrialIndex}
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO trial_events (
			session_id, trial_index, participant_id, task, stimulus, response, correct,
			reaction_time_ms, difficulty, stress, outcome, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.SessionID,
		r.TrialIndex,
		participantID,
		task,
		r.Stimulus,
		r.Response,
		r.Correct,
		r.ReactionTimeMS,
		r.Difficulty,
		r.Stress,
		r.Outcome,
		r.RecordedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert trial: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE task_sessions SET last_trial_index=$2 WHERE id=$1`, r.SessionID, r.TrialIndex); err != nil {
		return false, fmt.Errorf("advance session index: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return false, nil
}

func (s *PostgresStore) FinishSession(ctx context.Context, id string, finalIndex int, at time.Time) (TaskSession, error) {
	_, err := s.pool.Exec(ctx,
		`UPDATE task_sessions SET ended_at=$2, final_trial_index=$3 WHERE id=$1 AND ended_at IS NULL`,
		id, at.UTC(), finalIndex,
	)
	if err != nil {
		return TaskSession{}, fmt.Errorf("finish session: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *PostgresStore) ListTrials(ctx context.Context, sessionID string) ([]TrialRecord, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.queryTrials(ctx,
		`SELECT session_id, participant_id, task, trial_index, stimulus, response, correct,
		        reaction_time_ms, difficulty, stress, outcome, recorded_at
		   FROM trial_events WHERE session_id=$1 ORDER BY trial_index ASC`,
		sessionID,
	)
}

func (s *PostgresStore) QueryTrials(ctx context.Context, q LogQuery) ([]TrialRecord, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.ParticipantID != "" {
		add("participant_id=$%d", q.ParticipantID)
	}
	if q.SessionID != "" {
		add("session_id=$%d", q.SessionID)
	}
	if q.Task != "" {
		add("task=$%d", q.Task)
	}
	if q.Since != nil {
		add("recorded_at>=$%d", *q.Since)
	}
	if q.Until != nil {
		add("recorded_at<=$%d", *q.Until)
	}

	sql := `SELECT session_id, participant_id, task, trial_index, stimulus, response, correct,
	               reaction_time_ms, difficulty, stress, outcome, recorded_at
	          FROM trial_events`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.limit())
	sql += fmt.Sprintf(" ORDER BY recorded_at ASC, session_id ASC, trial_index ASC LIMIT $%d", len(args))
	return s.queryTrials(ctx, sql, args...)
}

func (s *PostgresStore) queryTrials(ctx context.Context, sql string, args ...any) ([]TrialRecord, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}
	defer rows.Close()

	out := make([]TrialRecord, 0, 32)
	for rows.Next() {
		var r TrialRecord
		if err := rows.Scan(
			&r.SessionID,
			&r.ParticipantID,
			&r.Task,
			&r.TrialIndex,
			&r.Stimulus,
			&r.Response,
			&r.Correct,
			&r.ReactionTimeMS,
			&r.Difficulty,
			&r.Stress,
			&r.Outcome,
			&r.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trial row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trial rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AddStressSample(ctx context.Context, sample StressSample) error {
	if sample.ParticipantID == "" {
		return ErrInvalidRecord
	}
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}
	var features []byte
	if sample.Features != nil {
		raw, err := json.Marshal(sample.Features)
		if err != nil {
			return fmt.Errorf("encode stress features: %w", err)
		}
		features = raw
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stress_samples (participant_id, raw_high, ema_high, features, recorded_at) VALUES ($1, $2, $3, $4, $5)`,
		sample.ParticipantID, sample.RawHigh, sample.EMAHigh, features, sample.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stress sample: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestStress(ctx context.Context, participantID string) (StressSample, bool, error) {
	var (
		out      StressSample
		features []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT participant_id, raw_high, ema_high, features, recorded_at FROM stress_samples
		  WHERE participant_id=$1 ORDER BY id DESC LIMIT 1`, participantID,
	).Scan(&out.ParticipantID, &out.RawHigh, &out.EMAHigh, &features, &out.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StressSample{}, false, nil
		}
		return StressSample{}, false, fmt.Errorf("latest stress: %w", err)
	}
	if len(features) > 0 {
		out.Features = new(stress.Features)
		if err := json.Unmarshal(features, out.Features); err != nil {
			return StressSample{}, false, fmt.Errorf("decode stress features: %w", err)
		}
	}
	return out, true, nil
}

func (s *PostgresStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM participants),
		        (SELECT count(*) FROM task_sessions),
		        (SELECT count(*) FROM trial_events),
		        (SELECT count(*) FROM stress_samples)`,
	).Scan(&c.Participants, &c.TaskSessions, &c.Trials, &c.StressSamples)
	if err != nil {
		return Counts{}, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanSession(row pgx.Row) (TaskSession, error) {
	var (
		sess  TaskSession
		cfg   []byte
		ended *time.Time
		final *int
	)
	if err := row.Scan(
		&sess.ID,
		&sess.ParticipantID,
		&sess.Task,
		&cfg,
		&sess.StartedAt,
		&ended,
		&sess.LastTrialIndex,
		&final,
	); err != nil {
		return TaskSession{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &sess.Config); err != nil {
			return TaskSession{}, fmt.Errorf("decode session config: %w", err)
		}
	}
	sess.EndedAt = ended
	sess.FinalTrialIndex = final
	return sess, nil
}
