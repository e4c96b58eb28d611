package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"naualerts/internal/alert"
	logx "naualerts/pkg/logx"
)

//go:embed schema.sql
var sqliteSchema string

const kvInvertWeeks = "invert_weeks"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log, now: time.Now}, nil
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) GetMarker(ctx context.Context, source string) (alert.Marker, error) {
	mk := alert.Marker{Source: source}
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_id, version, updated_at FROM markers WHERE source = ?`, source,
	).Scan(&mk.LastID, &mk.Version, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return mk, nil
	}
	if err != nil {
		return alert.Marker{}, fmt.Errorf("get marker %s: %w", source, err)
	}
	mk.UpdatedAt = time.UnixMilli(ms).UTC()
	return mk, nil
}

func (s *sqliteStore) CompareAndSetMarker(ctx context.Context, source string, version, lastID uint64) (alert.Marker, error) {
	now := s.now().UTC().Truncate(time.Millisecond)
	var (
		res sql.Result
		err error
	)
	if version == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO markers(source, last_id, version, updated_at) VALUES(?,?,1,?)
			 ON CONFLICT(source) DO NOTHING`,
			source, lastID, now.UnixMilli())
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE markers SET last_id = ?, version = version + 1, updated_at = ?
			 WHERE source = ? AND version = ?`,
			lastID, now.UnixMilli(), source, version)
	}
	if err != nil {
		return alert.Marker{}, fmt.Errorf("set marker %s: %w", source, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return alert.Marker{}, err
	}
	if n == 0 {
		return alert.Marker{}, ErrMarkerConflict
	}
	return alert.Marker{Source: source, LastID: lastID, Version: version + 1, UpdatedAt: now}, nil
}

func (s *sqliteStore) Subscribe(ctx context.Context, topic alert.Topic, chatID int64) (bool, error) {
	return s.execChanged(ctx, `INSERT OR IGNORE INTO subscriptions(topic, chat_id) VALUES(?,?)`, string(topic), chatID)
}

func (s *sqliteStore) Unsubscribe(ctx context.Context, topic alert.Topic, chatID int64) (bool, error) {
	return s.execChanged(ctx, `DELETE FROM subscriptions WHERE topic = ? AND chat_id = ?`, string(topic), chatID)
}

func (s *sqliteStore) execChanged(ctx context.Context, q string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) IsSubscribed(ctx context.Context, topic alert.Topic, chatID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM subscriptions WHERE topic = ? AND chat_id = ?`, string(topic), chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) Subscribers(ctx context.Context, topic alert.Topic) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id FROM subscriptions WHERE topic = ? ORDER BY chat_id`, string(topic))
	if err != nil {
		return nil, fmt.Errorf("subscribers %s: %w", topic, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MigrateChat(ctx context.Context, oldID, newID int64) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`UPDATE OR IGNORE subscriptions SET chat_id = ? WHERE chat_id = ?`,
			`UPDATE OR IGNORE features SET chat_id = ? WHERE chat_id = ?`,
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q, newID, oldID); err != nil {
				return err
			}
		}
		// Rows left behind collided with an existing newID entry.
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE chat_id = ?`, oldID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM features WHERE chat_id = ?`, oldID); err != nil {
			return err
		}

		var raw string
		err := tx.QueryRowContext(ctx, `SELECT data FROM chat_stats WHERE chat_id = ?`, oldID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		var st alert.ChatStats
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return err
		}
		st.ChatID = newID
		b, err := json.Marshal(st)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_stats WHERE chat_id = ?`, oldID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chat_stats(chat_id, data) VALUES(?,?) ON CONFLICT(chat_id) DO UPDATE SET data = excluded.data`,
			newID, string(b))
		return err
	})
}

func (s *sqliteStore) RemoveChat(ctx context.Context, chatID int64) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM subscriptions WHERE chat_id = ?`,
			`DELETE FROM features WHERE chat_id = ?`,
			`DELETE FROM chat_stats WHERE chat_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SettingEnabled(ctx context.Context, st alert.Setting) (bool, error) {
	var v bool
	err := s.db.QueryRowContext(ctx, `SELECT enabled FROM settings WHERE name = ?`, string(st)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	return v, err
}

func (s *sqliteStore) SetSetting(ctx context.Context, st alert.Setting, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(name, enabled) VALUES(?,?) ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled`,
		string(st), enabled)
	return err
}

func (s *sqliteStore) FeatureEnabled(ctx context.Context, f alert.Feature, chatID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM features WHERE feature = ? AND chat_id = ?`, string(f), chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) SetFeature(ctx context.Context, f alert.Feature, chatID int64, enabled bool) error {
	q := `DELETE FROM features WHERE feature = ? AND chat_id = ?`
	if enabled {
		q = `INSERT OR IGNORE INTO features(feature, chat_id) VALUES(?,?)`
	}
	_, err := s.db.ExecContext(ctx, q, string(f), chatID)
	return err
}

func (s *sqliteStore) WeeksInverted(ctx context.Context) (bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, kvInvertWeeks).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return v == "1", err
}

func (s *sqliteStore) SetWeeksInverted(ctx context.Context, inverted bool) error {
	v := "0"
	if inverted {
		v = "1"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		kvInvertWeeks, v)
	return err
}

func (s *sqliteStore) PutChatStats(ctx context.Context, st alert.ChatStats) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_stats(chat_id, data) VALUES(?,?) ON CONFLICT(chat_id) DO UPDATE SET data = excluded.data`,
		st.ChatID, string(b))
	return err
}

func (s *sqliteStore) ChatStats(ctx context.Context) ([]alert.ChatStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, data FROM chat_stats ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []alert.ChatStats
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var st alert.ChatStats
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			s.log.Warn("skipping malformed chat stats", logx.Int64("chat_id", id), logx.Err(err))
			continue
		}
		st.ChatID = id
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SavePending(ctx context.Context, source string, as []alert.Alert) error {
	if len(as) == 0 {
		return nil
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, a := range as {
			b, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pending_alerts(source, data) VALUES(?,?)`, source, string(b)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) TakePending(ctx context.Context, source string) ([]alert.Alert, error) {
	var out []alert.Alert
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT data FROM pending_alerts WHERE source = ? ORDER BY seq`, source)
		if err != nil {
			return err
		}
		var raws []string
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				return err
			}
			raws = append(raws, raw)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, raw := range raws {
			var a alert.Alert
			if err := json.Unmarshal([]byte(raw), &a); err != nil {
				s.log.Warn("dropping malformed pending alert", logx.String("source", source), logx.Err(err))
				continue
			}
			out = append(out, a)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM pending_alerts WHERE source = ?`, source)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("take pending %s: %w", source, err)
	}
	return out, nil
}
