package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cepro/powerguard/platform"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// settingsKey is the single platform.SettingsStore key this package owns.
// Everything persisted (Settings plus the diagnostic mirrors) is encoded as
// one JSON blob under this key, mirroring how the host platform exposes a
// single opaque settings object per app.
const settingsKey = "powerguard_settings"

// maxWriteAttempts bounds how many times a failed settings write is retried
// from the local backlog before it is dropped.
const maxWriteAttempts = 5

// pendingWrite is one settings write that the host platform's SettingsStore
// rejected or errored on, buffered locally for retry.
type pendingWrite struct {
	ID            uint `gorm:"primaryKey"`
	Payload       string
	AttemptCount  uint
	CreatedAt     time.Time
}

// record is the JSON envelope written to both the platform SettingsStore and
// the file backup.
type record struct {
	Settings Settings
	State    PersistedState
}

// Store persists Settings and PersistedState to the host platform's
// SettingsStore, with a local sqlite-backed retry queue for writes the
// platform rejects and a JSON file as a last-resort backup/cold-start seed.
type Store struct {
	mu   sync.Mutex
	plat platform.SettingsStore
	db   *gorm.DB

	backupPath string
	lastSaved  string // most recent payload this process wrote, to tell own writes from external ones
	log        *slog.Logger
}

// New opens (creating if absent) the local retry-queue database at dbPath
// and wires up file-backup at backupPath. plat may be nil in tests that only
// exercise the backup/retry-queue path.
func New(plat platform.SettingsStore, dbPath, backupPath string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open settings retry-queue database: %w", err)
	}
	if err := db.AutoMigrate(&pendingWrite{}); err != nil {
		return nil, fmt.Errorf("migrate settings retry-queue database: %w", err)
	}

	return &Store{
		plat:       plat,
		db:         db,
		backupPath: backupPath,
		log:        log,
	}, nil
}

// Load returns the persisted Settings and PersistedState. If the platform's
// settings store is empty or nil, fall back to the file backup; if both are
// empty, callers should use DefaultSettings().
func (s *Store) Load() (Settings, PersistedState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.plat != nil {
		if raw, ok := s.plat.SettingsGet(settingsKey); ok && raw != nil {
			if rec, ok := decodeRecord(raw); ok {
				return rec.Settings, rec.State, true
			}
		}
	}

	rec, ok := s.loadBackupLocked()
	if !ok {
		return Settings{}, PersistedState{}, false
	}
	return rec.Settings, rec.State, true
}

// Save persists settings and state: write-through to the platform settings
// store, a JSON file backup on every call, and — only if the platform write
// fails — an entry in the local retry queue. Persistence is best effort and
// never blocks the control loop.
func (s *Store) Save(settings Settings, state PersistedState) error {
	rec := record{Settings: settings, State: state}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeBackupLocked(payload); err != nil {
		s.log.Warn("settings file backup failed", "error", err)
	}

	if s.plat == nil {
		return nil
	}

	s.lastSaved = string(payload)
	if err := s.plat.SettingsSet(settingsKey, string(payload)); err != nil {
		s.log.Warn("settings platform write failed, queuing retry", "error", err)
		return s.enqueueLocked(string(payload))
	}
	return nil
}

// OnChange subscribes cb to be invoked whenever the platform settings store
// reports an external change under this package's key. Changes caused by
// this process's own Save calls are filtered out so a save can't trigger a
// reload of itself. No-op if plat is nil.
func (s *Store) OnChange(cb func()) {
	if s.plat == nil {
		return
	}
	s.plat.SettingsOnChange(func(key string) {
		if key != settingsKey {
			return
		}
		s.mu.Lock()
		raw, _ := s.plat.SettingsGet(settingsKey)
		str, ok := raw.(string)
		self := ok && str == s.lastSaved
		s.mu.Unlock()
		if self {
			return
		}
		cb()
	})
}

// DrainRetryQueue re-attempts every queued write against the platform
// settings store, dropping entries that have exceeded maxWriteAttempts or
// that succeed. Intended to be called periodically by the supervisor.
func (s *Store) DrainRetryQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.plat == nil {
		return
	}

	var pending []pendingWrite
	if err := s.db.Order("created_at asc").Find(&pending).Error; err != nil {
		s.log.Warn("read settings retry-queue failed", "error", err)
		return
	}

	for _, p := range pending {
		if err := s.plat.SettingsSet(settingsKey, p.Payload); err != nil {
			attempts := p.AttemptCount + 1
			if attempts >= maxWriteAttempts {
				s.log.Warn("dropping settings write after repeated failures", "attempts", attempts)
				s.db.Delete(&p)
				continue
			}
			s.db.Model(&p).UpdateColumn("attempt_count", attempts)
			continue
		}
		s.db.Delete(&p)
	}
}

func (s *Store) enqueueLocked(payload string) error {
	result := s.db.Create(&pendingWrite{Payload: payload, AttemptCount: 0, CreatedAt: time.Now()})
	return result.Error
}

func (s *Store) writeBackupLocked(payload []byte) error {
	if s.backupPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.backupPath), 0o755); err != nil {
		return err
	}
	tmp := s.backupPath + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.backupPath)
}

func (s *Store) loadBackupLocked() (record, bool) {
	if s.backupPath == "" {
		return record{}, false
	}
	raw, err := os.ReadFile(s.backupPath)
	if err != nil {
		return record{}, false
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.log.Warn("settings backup file corrupt", "error", err)
		return record{}, false
	}
	return rec, true
}

func decodeRecord(raw interface{}) (record, bool) {
	s, ok := raw.(string)
	if !ok {
		return record{}, false
	}
	var rec record
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return record{}, false
	}
	return rec, true
}
