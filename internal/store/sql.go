package store

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	logs "github.com/danmuck/roundctl/internal/logging"
	"github.com/danmuck/roundctl/internal/round"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Both dialects accept this schema and the $n placeholders used below.
const schema = `
CREATE TABLE IF NOT EXISTS app_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_event_offset BIGINT NOT NULL DEFAULT 0,
	last_epoch_id BIGINT,
	last_run_time BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS task_cache (
	task_id BIGINT PRIMARY KEY,
	task_record TEXT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS user_profile (
	principal TEXT NOT NULL,
	field TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (principal, field)
);
`

type SQL struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

var _ Store = (*SQL)(nil)

// Open connects to driver/dsn and creates missing tables.
func Open(ctx context.Context, driver, dsn string) (*SQL, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("store: %s: %w", strings.TrimSpace(pragma), err)
			}
		}
	} else if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}

	s := &SQL{db: db, driver: driver, now: time.Now}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	logs.Infof("store.Open driver=%s", driver)
	return s, nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) Checkpoint(ctx context.Context) (uint64, error) {
	var offset int64
	err := s.db.QueryRowContext(ctx, `SELECT last_event_offset FROM app_state WHERE id = 1`).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(offset), nil
}

func (s *SQL) SetCheckpoint(ctx context.Context, offset uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (id, last_event_offset, last_run_time)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE
		   SET last_event_offset = excluded.last_event_offset,
		       last_run_time     = excluded.last_run_time
	`, int64(offset), s.now().UnixMilli())
	return err
}

func (s *SQL) LastEpoch(ctx context.Context) (uint32, bool, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT last_epoch_id FROM app_state WHERE id = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !id.Valid {
		return 0, false, nil
	}
	return uint32(id.Int64), true, nil
}

func (s *SQL) SetLastEpoch(ctx context.Context, id uint32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (id, last_epoch_id)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE
		   SET last_epoch_id = excluded.last_epoch_id
	`, int64(id))
	return err
}

func (s *SQL) UpsertTask(ctx context.Context, rec round.TaskRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode task %s: %w", rec.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_cache (task_id, task_record, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id) DO UPDATE
		   SET task_record = excluded.task_record,
		       updated_at  = excluded.updated_at
	`, int64(rec.ID.Key()), string(body), s.now().UnixMilli())
	return err
}

func (s *SQL) Task(ctx context.Context, id round.TaskID) (round.TaskRecord, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT task_record FROM task_cache WHERE task_id = $1`, int64(id.Key())).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return round.TaskRecord{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return round.TaskRecord{}, err
	}
	return decodeTask(body)
}

// ListTasks orders by id after decoding. task_id holds Key() as a signed
// BIGINT, so epochs from 1<<31 up sort negative in SQL.
func (s *SQL) ListTasks(ctx context.Context) ([]round.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_record FROM task_cache`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]round.TaskRecord, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		rec, err := decodeTask(body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b round.TaskRecord) int {
		return cmp.Compare(a.ID.Key(), b.ID.Key())
	})
	return out, nil
}

func (s *SQL) UpsertProfileField(ctx context.Context, principal, field, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profile (principal, field, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (principal, field) DO UPDATE
		   SET value = excluded.value
	`, principal, field, value)
	return err
}

func (s *SQL) ProfileFields(ctx context.Context, principal string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM user_profile WHERE principal = $1`, principal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		out[field] = value
	}
	return out, rows.Err()
}

func decodeTask(body string) (round.TaskRecord, error) {
	var rec round.TaskRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return round.TaskRecord{}, fmt.Errorf("store: decode task: %w", err)
	}
	return rec, nil
}
