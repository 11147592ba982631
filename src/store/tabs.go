package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	tabsFileName = "tabs.json"

	// maxTabs is the hard cap on the tab count.
	maxTabs = 10

	defaultTabName = "Terminal"
)

var (
	// ErrTabNotFound is returned for operations on an unknown tab id.
	ErrTabNotFound = errors.New("tab not found")
	// ErrMaxTabs is returned when adding would exceed the tab cap.
	ErrMaxTabs = errors.New("maximum number of tabs reached")
	// ErrNameTaken is returned when renaming to a name another tab holds.
	ErrNameTaken = errors.New("tab name already in use")
)

// Tab is one persistent tab record. SessionID points at the last-known
// live session, or is null when the tab has no session.
type Tab struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	SessionID *string `json:"sessionId"`
}

// TabsFile is the on-disk shape of tabs.json.
type TabsFile struct {
	Tabs         []Tab `json:"tabs"`
	LastModified int64 `json:"lastModified"`
}

// TabStore is the persistent tab index. All operations are atomic at file
// granularity: read-modify-write under the store mutex, flushed to disk
// before returning.
type TabStore struct {
	path string

	mu        sync.Mutex
	file      TabsFile
	lastWrite time.Time
}

// NewTabStore loads tabs.json from dir, seeding a single default tab when
// the file is missing or unreadable. At least one tab always exists.
func NewTabStore(dir string) (*TabStore, error) {
	ts := &TabStore{path: filepath.Join(dir, tabsFileName)}

	data, err := os.ReadFile(ts.path)
	if err == nil {
		if err := json.Unmarshal(data, &ts.file); err != nil {
			logrus.Warnf("Corrupt %s, resetting: %v", tabsFileName, err)
			ts.file = TabsFile{}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if len(ts.file.Tabs) == 0 {
		ts.file.Tabs = []Tab{{ID: uuid.NewString(), Name: defaultTabName}}
		if err := ts.saveLocked(); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

// Get returns a snapshot of the tab file.
func (ts *TabStore) Get() TabsFile {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.copyLocked()
}

// Add appends a tab. A client-supplied id that already exists makes Add
// idempotent; an empty id gets a server-assigned one. Exceeding the tab
// cap fails with ErrMaxTabs.
func (ts *TabStore) Add(id, name string) (TabsFile, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if id != "" {
		for _, t := range ts.file.Tabs {
			if t.ID == id {
				return ts.copyLocked(), nil
			}
		}
	}
	if len(ts.file.Tabs) >= maxTabs {
		return ts.copyLocked(), ErrMaxTabs
	}
	if id == "" {
		id = uuid.NewString()
	}
	if name == "" {
		name = defaultTabName
	}
	ts.file.Tabs = append(ts.file.Tabs, Tab{ID: id, Name: name})
	err := ts.saveLocked()
	return ts.copyLocked(), err
}

// Remove deletes a tab. Removing the last tab auto-creates a fresh default
// tab so the invariant "at least one tab" holds.
func (ts *TabStore) Remove(id string) (TabsFile, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	idx := ts.indexLocked(id)
	if idx < 0 {
		return ts.copyLocked(), ErrTabNotFound
	}
	ts.file.Tabs = append(ts.file.Tabs[:idx], ts.file.Tabs[idx+1:]...)
	if len(ts.file.Tabs) == 0 {
		ts.file.Tabs = []Tab{{ID: uuid.NewString(), Name: defaultTabName}}
	}
	err := ts.saveLocked()
	return ts.copyLocked(), err
}

// Rename changes a tab's display name. Renaming to a name held by another
// tab fails with ErrNameTaken.
func (ts *TabStore) Rename(id, name string) (TabsFile, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	idx := ts.indexLocked(id)
	if idx < 0 {
		return ts.copyLocked(), ErrTabNotFound
	}
	for i, t := range ts.file.Tabs {
		if i != idx && t.Name == name {
			return ts.copyLocked(), ErrNameTaken
		}
	}
	ts.file.Tabs[idx].Name = name
	err := ts.saveLocked()
	return ts.copyLocked(), err
}

// SetSession binds a tab to a session id, or clears the binding when
// sessionID is empty.
func (ts *TabStore) SetSession(id, sessionID string) (TabsFile, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	idx := ts.indexLocked(id)
	if idx < 0 {
		return ts.copyLocked(), ErrTabNotFound
	}
	if sessionID == "" {
		ts.file.Tabs[idx].SessionID = nil
	} else {
		sid := sessionID
		ts.file.Tabs[idx].SessionID = &sid
	}
	err := ts.saveLocked()
	return ts.copyLocked(), err
}

// ClearSessions drops every session binding. Called on startup: sessions
// do not outlive the daemon.
func (ts *TabStore) ClearSessions() (TabsFile, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for i := range ts.file.Tabs {
		ts.file.Tabs[i].SessionID = nil
	}
	err := ts.saveLocked()
	return ts.copyLocked(), err
}

// Reset replaces the index with a single default tab.
func (ts *TabStore) Reset() (TabsFile, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.file.Tabs = []Tab{{ID: uuid.NewString(), Name: defaultTabName}}
	err := ts.saveLocked()
	return ts.copyLocked(), err
}

// Reload re-reads tabs.json from disk, for picking up external edits.
func (ts *TabStore) Reload() (TabsFile, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	data, err := os.ReadFile(ts.path)
	if err != nil {
		return ts.copyLocked(), err
	}
	var file TabsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return ts.copyLocked(), err
	}
	if len(file.Tabs) == 0 {
		return ts.copyLocked(), errors.New("tabs file has no tabs")
	}
	ts.file = file
	return ts.copyLocked(), nil
}

// LastWriteAt returns when this process last flushed the file, so the
// directory watcher can tell self-writes from external edits.
func (ts *TabStore) LastWriteAt() time.Time {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.lastWrite
}

func (ts *TabStore) indexLocked(id string) int {
	for i, t := range ts.file.Tabs {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (ts *TabStore) copyLocked() TabsFile {
	out := TabsFile{
		Tabs:         make([]Tab, len(ts.file.Tabs)),
		LastModified: ts.file.LastModified,
	}
	copy(out.Tabs, ts.file.Tabs)
	return out
}

// saveLocked flushes the file with a strictly monotonic lastModified.
func (ts *TabStore) saveLocked() error {
	lm := time.Now().UnixMilli()
	if lm <= ts.file.LastModified {
		lm = ts.file.LastModified + 1
	}
	ts.file.LastModified = lm

	data, err := json.MarshalIndent(ts.file, "", "  ")
	if err != nil {
		return err
	}
	ts.lastWrite = time.Now()
	return writeFileAtomic(ts.path, data)
}
