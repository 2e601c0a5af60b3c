package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
)

// Settings are small UI-managed values (spreadsheet name, worksheet name,
// sheet URLs). On first read, a missing key is seeded from the environment so
// existing setups keep working without manual re-entry.

// GetSetting returns a single setting value, seeding from env when absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == nil {
		return value, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, storageErr("get setting", err)
	}

	if env, ok := os.LookupEnv(key); ok {
		if err := s.SetSetting(ctx, key, env); err != nil {
			return "", false, err
		}
		return env, true, nil
	}
	return "", false, nil
}

// GetSettings returns the listed keys as a map; missing keys map to "".
func (s *Store) GetSettings(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		v, _, err := s.GetSetting(ctx, key)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	return storageErr("set setting", err)
}

// SetSettings persists multiple values in one transaction.
func (s *Store) SetSettings(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("set settings", err)
	}
	for key, value := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings(key, value) VALUES(?,?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
			key, value); err != nil {
			_ = tx.Rollback()
			return storageErr("set settings", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("set settings", err)
	}
	return nil
}
