// Package store persists instance records, settings documents, auth
// users and installation metadata, backed by either an embedded sqlite
// database or a single flat JSON file.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/scheerer/ambilightd/internal/logging"
)

var logger = logging.New("store")

var ErrNotFound = errors.New("record not found")

// InstanceRecord is one row of the instances table.
type InstanceRecord struct {
	Instance     int32     `json:"instance"`
	FriendlyName string    `json:"friendly_name"`
	Enabled      bool      `json:"enabled"`
	LastUse      time.Time `json:"last_use"`
}

// AuthRecord is one row of the auth table. Password holds the salted
// hash, never the plaintext.
type AuthRecord struct {
	User      string    `json:"user"`
	Password  string    `json:"password"`
	Token     string    `json:"token"`
	Salt      string    `json:"salt"`
	CreatedAt time.Time `json:"created_at"`
	LastUse   time.Time `json:"last_use"`
}

// MetaRecord carries the persistent installation identity.
type MetaRecord struct {
	UUID      string    `json:"uuid"`
	CreatedAt time.Time `json:"created_at"`
}

// SettingRecord is one typed configuration document scoped to an
// instance; instance 0 holds global settings.
type SettingRecord struct {
	Type      string          `json:"type"`
	Config    json.RawMessage `json:"config"`
	Instance  int32           `json:"instance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the persistence surface shared by the sqlite and flat-file
// backends.
type Store interface {
	Instances() ([]InstanceRecord, error)
	UpsertInstance(record InstanceRecord) error
	DeleteInstance(instance int32) error

	Setting(settingType string, instance int32) (SettingRecord, error)
	SettingsFor(instance int32) ([]SettingRecord, error)
	UpsertSetting(record SettingRecord) error
	DeleteSetting(settingType string, instance int32) error

	AuthUser(user string) (AuthRecord, error)
	UpsertAuth(record AuthRecord) error
	DeleteAuth(user string) error

	Meta() (MetaRecord, error)

	Close() error
}
