package db

import (
	"database/sql"
	"fmt"
	"strconv"
)

// GetSetting returns the stored value for key, or fallback when unset.
func (db *DB) GetSetting(key, fallback string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting upserts an operator setting.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')`,
		key, value)
	return err
}

// GetSettingFloat parses a setting as float64.
func (db *DB) GetSettingFloat(key string, fallback float64) (float64, error) {
	raw, err := db.GetSetting(key, "")
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not numeric: %w", key, err)
	}
	return f, nil
}

// GetSettingInt parses a setting as int.
func (db *DB) GetSettingInt(key string, fallback int) (int, error) {
	raw, err := db.GetSetting(key, "")
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not an integer: %w", key, err)
	}
	return n, nil
}

// GetFlag returns a boolean feature flag. Unset flags default to fallback.
func (db *DB) GetFlag(name string, fallback bool) (bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM feature_flags WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return false, err
	}
	return value == "true" || value == "1", nil
}

// SetFlag upserts a boolean feature flag.
func (db *DB) SetFlag(name string, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	_, err := db.Exec(`
		INSERT INTO feature_flags (name, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = datetime('now')`,
		name, value)
	return err
}

// ListFlags returns all feature flags.
func (db *DB) ListFlags() (map[string]string, error) {
	rows, err := db.Query(`SELECT name, value FROM feature_flags ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	flags := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		flags[name] = value
	}
	return flags, rows.Err()
}
