package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const metaClock = "clock"

// SaveClock persists the simulated clock so a later process resumes from it.
func (tx *Tx) SaveClock(ctx context.Context, now time.Time) error {
	return tx.putMeta(ctx, metaClock, formatTime(now))
}

// SaveClock persists the simulated clock outside any other write.
func (s *Store) SaveClock(ctx context.Context, now time.Time) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.SaveClock(ctx, now)
	})
}

// LoadClock returns the persisted clock. The boolean is false if the clock
// was never saved.
func (s *Store) LoadClock(ctx context.Context) (time.Time, bool, error) {
	v, found, err := s.conn().getMeta(ctx, metaClock)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse stored clock %q: %w", v, err)
	}
	return t.UTC(), true, nil
}

func (tx *Tx) putMeta(ctx context.Context, key, value string) error {
	_, err := tx.exec(ctx, `
		INSERT INTO registry_meta (meta_key, meta_value) VALUES (?, ?)
		ON CONFLICT (meta_key) DO UPDATE SET meta_value = excluded.meta_value
	`, key, value)
	if err != nil {
		return fmt.Errorf("put meta %q: %w", key, err)
	}
	return nil
}

func (c conn) getMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := c.queryRow(ctx, `SELECT meta_value FROM registry_meta WHERE meta_key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %q: %w", key, err)
	}
	return v, true, nil
}
