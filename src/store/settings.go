package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	settingsFileName = "pin-settings.json"
	pinHashLength    = 64
)

// ErrBadPinHash is returned when enabling the PIN with a hash that is not
// 64 hex characters.
var ErrBadPinHash = errors.New("pinHash must be 64 hex characters when pinEnabled is true")

// PinSettings is the on-disk shape of pin-settings.json. Tunnel clients
// read it before authenticating, so the GET side is served unauthenticated.
type PinSettings struct {
	PinEnabled bool    `json:"pinEnabled"`
	PinHash    *string `json:"pinHash"`
	ThemeName  *string `json:"themeName"`
	UpdatedAt  *int64  `json:"updatedAt"`
}

// PinSettingsPatch carries a subset update; nil fields are left untouched.
type PinSettingsPatch struct {
	PinEnabled *bool   `json:"pinEnabled"`
	PinHash    *string `json:"pinHash"`
	ThemeName  *string `json:"themeName"`
}

// SettingsStore persists the PIN and theme settings.
type SettingsStore struct {
	path string

	mu        sync.Mutex
	settings  PinSettings
	lastWrite time.Time
}

// NewSettingsStore loads pin-settings.json from dir, starting from zero
// values when missing.
func NewSettingsStore(dir string) (*SettingsStore, error) {
	ss := &SettingsStore{path: filepath.Join(dir, settingsFileName)}

	data, err := os.ReadFile(ss.path)
	if err == nil {
		if err := json.Unmarshal(data, &ss.settings); err != nil {
			logrus.Warnf("Corrupt %s, resetting: %v", settingsFileName, err)
			ss.settings = PinSettings{}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return ss, nil
}

// Get returns the current settings.
func (ss *SettingsStore) Get() PinSettings {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.settings
}

// Update applies a subset patch. When the patched state has the PIN
// enabled, the hash must be exactly 64 hex characters; when disabled, the
// hash is cleared to null.
func (ss *SettingsStore) Update(patch PinSettingsPatch) (PinSettings, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	next := ss.settings
	if patch.PinEnabled != nil {
		next.PinEnabled = *patch.PinEnabled
	}
	if patch.PinHash != nil {
		hash := *patch.PinHash
		next.PinHash = &hash
	}
	if patch.ThemeName != nil {
		theme := *patch.ThemeName
		next.ThemeName = &theme
	}

	if next.PinEnabled {
		if next.PinHash == nil || !isHexString(*next.PinHash, pinHashLength) {
			return ss.settings, ErrBadPinHash
		}
	} else {
		next.PinHash = nil
	}

	now := time.Now().UnixMilli()
	next.UpdatedAt = &now
	ss.settings = next

	data, err := json.MarshalIndent(ss.settings, "", "  ")
	if err != nil {
		return ss.settings, err
	}
	ss.lastWrite = time.Now()
	return ss.settings, writeFileAtomic(ss.path, data)
}

// LastWriteAt returns when this process last flushed the file.
func (ss *SettingsStore) LastWriteAt() time.Time {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.lastWrite
}

func isHexString(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
