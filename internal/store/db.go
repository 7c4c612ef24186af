package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	instance      INTEGER PRIMARY KEY,
	friendly_name TEXT NOT NULL,
	enabled       INTEGER NOT NULL DEFAULT 0,
	last_use      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS auth (
	user       TEXT PRIMARY KEY,
	password   TEXT NOT NULL,
	token      TEXT NOT NULL DEFAULT '',
	salt       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL DEFAULT 0,
	last_use   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS meta (
	uuid       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS settings (
	type          TEXT NOT NULL,
	config        TEXT NOT NULL,
	hyperion_inst INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (type, hyperion_inst)
);
`

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

// DB is the sqlite-backed store.
type DB struct {
	sqlDB *sql.DB
}

// OpenDB opens (and if needed creates) the database at path and ensures
// the schema exists.
func OpenDB(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Infow("sqlite store opened", "path", path)
	return &DB{sqlDB: sqlDB}, nil
}

func (d *DB) Close() error {
	return d.sqlDB.Close()
}

func (d *DB) Instances() ([]InstanceRecord, error) {
	rows, err := d.sqlDB.Query(
		`SELECT instance, friendly_name, enabled, last_use FROM instances ORDER BY instance`)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var records []InstanceRecord
	for rows.Next() {
		var r InstanceRecord
		var enabled int
		var lastUse int64
		if err := rows.Scan(&r.Instance, &r.FriendlyName, &enabled, &lastUse); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		r.Enabled = enabled != 0
		r.LastUse = fromMillis(lastUse)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (d *DB) UpsertInstance(record InstanceRecord) error {
	_, err := d.sqlDB.Exec(
		`INSERT INTO instances (instance, friendly_name, enabled, last_use)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (instance) DO UPDATE SET
		   friendly_name = excluded.friendly_name,
		   enabled = excluded.enabled,
		   last_use = excluded.last_use`,
		record.Instance, record.FriendlyName, boolToInt(record.Enabled), toMillis(record.LastUse))
	if err != nil {
		return fmt.Errorf("upsert instance %d: %w", record.Instance, err)
	}
	return nil
}

func (d *DB) DeleteInstance(instance int32) error {
	_, err := d.sqlDB.Exec(`DELETE FROM instances WHERE instance = ?`, instance)
	if err != nil {
		return fmt.Errorf("delete instance %d: %w", instance, err)
	}
	_, err = d.sqlDB.Exec(`DELETE FROM settings WHERE hyperion_inst = ?`, instance)
	if err != nil {
		return fmt.Errorf("delete instance %d settings: %w", instance, err)
	}
	return nil
}

func (d *DB) Setting(settingType string, instance int32) (SettingRecord, error) {
	row := d.sqlDB.QueryRow(
		`SELECT type, config, hyperion_inst, updated_at FROM settings
		 WHERE type = ? AND hyperion_inst = ?`, settingType, instance)

	var r SettingRecord
	var config string
	var updatedAt int64
	if err := row.Scan(&r.Type, &config, &r.Instance, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SettingRecord{}, fmt.Errorf("%w: setting %q instance %d", ErrNotFound, settingType, instance)
		}
		return SettingRecord{}, fmt.Errorf("query setting: %w", err)
	}
	r.Config = json.RawMessage(config)
	r.UpdatedAt = fromMillis(updatedAt)
	return r, nil
}

func (d *DB) SettingsFor(instance int32) ([]SettingRecord, error) {
	rows, err := d.sqlDB.Query(
		`SELECT type, config, hyperion_inst, updated_at FROM settings
		 WHERE hyperion_inst = ? ORDER BY type`, instance)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	var records []SettingRecord
	for rows.Next() {
		var r SettingRecord
		var config string
		var updatedAt int64
		if err := rows.Scan(&r.Type, &config, &r.Instance, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		r.Config = json.RawMessage(config)
		r.UpdatedAt = fromMillis(updatedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (d *DB) UpsertSetting(record SettingRecord) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	_, err := d.sqlDB.Exec(
		`INSERT INTO settings (type, config, hyperion_inst, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (type, hyperion_inst) DO UPDATE SET
		   config = excluded.config,
		   updated_at = excluded.updated_at`,
		record.Type, string(record.Config), record.Instance, toMillis(record.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert setting %q: %w", record.Type, err)
	}
	return nil
}

func (d *DB) DeleteSetting(settingType string, instance int32) error {
	_, err := d.sqlDB.Exec(
		`DELETE FROM settings WHERE type = ? AND hyperion_inst = ?`, settingType, instance)
	if err != nil {
		return fmt.Errorf("delete setting %q: %w", settingType, err)
	}
	return nil
}

func (d *DB) AuthUser(user string) (AuthRecord, error) {
	row := d.sqlDB.QueryRow(
		`SELECT user, password, token, salt, created_at, last_use FROM auth WHERE user = ?`, user)

	var r AuthRecord
	var createdAt, lastUse int64
	if err := row.Scan(&r.User, &r.Password, &r.Token, &r.Salt, &createdAt, &lastUse); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuthRecord{}, fmt.Errorf("%w: user %q", ErrNotFound, user)
		}
		return AuthRecord{}, fmt.Errorf("query auth user: %w", err)
	}
	r.CreatedAt = fromMillis(createdAt)
	r.LastUse = fromMillis(lastUse)
	return r, nil
}

func (d *DB) UpsertAuth(record AuthRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	_, err := d.sqlDB.Exec(
		`INSERT INTO auth (user, password, token, salt, created_at, last_use)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user) DO UPDATE SET
		   password = excluded.password,
		   token = excluded.token,
		   salt = excluded.salt,
		   last_use = excluded.last_use`,
		record.User, record.Password, record.Token, record.Salt,
		toMillis(record.CreatedAt), toMillis(record.LastUse))
	if err != nil {
		return fmt.Errorf("upsert auth user %q: %w", record.User, err)
	}
	return nil
}

func (d *DB) DeleteAuth(user string) error {
	_, err := d.sqlDB.Exec(`DELETE FROM auth WHERE user = ?`, user)
	if err != nil {
		return fmt.Errorf("delete auth user %q: %w", user, err)
	}
	return nil
}

// Meta returns the installation record, creating it on first access.
func (d *DB) Meta() (MetaRecord, error) {
	row := d.sqlDB.QueryRow(`SELECT uuid, created_at FROM meta LIMIT 1`)

	var r MetaRecord
	var createdAt int64
	err := row.Scan(&r.UUID, &createdAt)
	if err == nil {
		r.CreatedAt = fromMillis(createdAt)
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return MetaRecord{}, fmt.Errorf("query meta: %w", err)
	}

	r = MetaRecord{UUID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	if _, err := d.sqlDB.Exec(
		`INSERT INTO meta (uuid, created_at) VALUES (?, ?)`,
		r.UUID, toMillis(r.CreatedAt)); err != nil {
		return MetaRecord{}, fmt.Errorf("insert meta: %w", err)
	}
	logger.Infow("created installation id", "uuid", r.UUID)
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
