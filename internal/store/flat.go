package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// flatDocument is the single JSON document mirroring the relational
// schema.
type flatDocument struct {
	Instances []InstanceRecord `json:"instances"`
	Auth      []AuthRecord     `json:"auth"`
	Meta      *MetaRecord      `json:"meta,omitempty"`
	Settings  []SettingRecord  `json:"settings"`
}

// Flat is the flat-file store. All records live in memory; every
// mutation rewrites the file atomically.
type Flat struct {
	path string

	mu  sync.Mutex
	doc flatDocument
}

// OpenFlat loads the JSON document at path, creating an empty one when
// the file does not exist yet.
func OpenFlat(path string) (*Flat, error) {
	f := &Flat{path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Infow("flat store starting empty", "path", path)
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("read flat config: %w", err)
	}

	if err := json.Unmarshal(data, &f.doc); err != nil {
		return nil, fmt.Errorf("parse flat config: %w", err)
	}
	logger.Infow("flat store opened", "path", path,
		"instances", len(f.doc.Instances), "settings", len(f.doc.Settings))
	return f, nil
}

func (f *Flat) Close() error {
	return nil
}

// save writes the document to a temp file and renames it over the
// original, so a crash mid-write never corrupts the config.
func (f *Flat) save() error {
	data, err := json.MarshalIndent(f.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode flat config: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write flat config: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace flat config: %w", err)
	}
	return nil
}

func (f *Flat) Instances() ([]InstanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records := make([]InstanceRecord, len(f.doc.Instances))
	copy(records, f.doc.Instances)
	sort.Slice(records, func(i, j int) bool { return records[i].Instance < records[j].Instance })
	return records, nil
}

func (f *Flat) UpsertInstance(record InstanceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, existing := range f.doc.Instances {
		if existing.Instance == record.Instance {
			f.doc.Instances[i] = record
			return f.save()
		}
	}
	f.doc.Instances = append(f.doc.Instances, record)
	return f.save()
}

func (f *Flat) DeleteInstance(instance int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	instances := f.doc.Instances[:0]
	for _, r := range f.doc.Instances {
		if r.Instance != instance {
			instances = append(instances, r)
		}
	}
	f.doc.Instances = instances

	settings := f.doc.Settings[:0]
	for _, r := range f.doc.Settings {
		if r.Instance != instance {
			settings = append(settings, r)
		}
	}
	f.doc.Settings = settings
	return f.save()
}

func (f *Flat) Setting(settingType string, instance int32) (SettingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range f.doc.Settings {
		if r.Type == settingType && r.Instance == instance {
			return r, nil
		}
	}
	return SettingRecord{}, fmt.Errorf("%w: setting %q instance %d", ErrNotFound, settingType, instance)
}

func (f *Flat) SettingsFor(instance int32) ([]SettingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var records []SettingRecord
	for _, r := range f.doc.Settings {
		if r.Instance == instance {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Type < records[j].Type })
	return records, nil
}

func (f *Flat) UpsertSetting(record SettingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	for i, existing := range f.doc.Settings {
		if existing.Type == record.Type && existing.Instance == record.Instance {
			f.doc.Settings[i] = record
			return f.save()
		}
	}
	f.doc.Settings = append(f.doc.Settings, record)
	return f.save()
}

func (f *Flat) DeleteSetting(settingType string, instance int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	settings := f.doc.Settings[:0]
	for _, r := range f.doc.Settings {
		if r.Type != settingType || r.Instance != instance {
			settings = append(settings, r)
		}
	}
	f.doc.Settings = settings
	return f.save()
}

func (f *Flat) AuthUser(user string) (AuthRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range f.doc.Auth {
		if r.User == user {
			return r, nil
		}
	}
	return AuthRecord{}, fmt.Errorf("%w: user %q", ErrNotFound, user)
}

func (f *Flat) UpsertAuth(record AuthRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	for i, existing := range f.doc.Auth {
		if existing.User == record.User {
			f.doc.Auth[i] = record
			return f.save()
		}
	}
	f.doc.Auth = append(f.doc.Auth, record)
	return f.save()
}

func (f *Flat) DeleteAuth(user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	auth := f.doc.Auth[:0]
	for _, r := range f.doc.Auth {
		if r.User != user {
			auth = append(auth, r)
		}
	}
	f.doc.Auth = auth
	return f.save()
}

func (f *Flat) Meta() (MetaRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.doc.Meta != nil {
		return *f.doc.Meta, nil
	}

	meta := MetaRecord{UUID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	f.doc.Meta = &meta
	if err := f.save(); err != nil {
		f.doc.Meta = nil
		return MetaRecord{}, err
	}
	logger.Infow("created installation id", "uuid", meta.UUID)
	return meta, nil
}
