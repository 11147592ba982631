package store

import (
	encjson "encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CollectionFile is the on-disk shape shared by favorites.json and
// commands.json. Items are opaque to the daemon: the UI defines their
// fields, the core only reflects and broadcasts them.
type CollectionFile struct {
	Items        []encjson.RawMessage `json:"items"`
	LastModified int64             `json:"lastModified"`
}

// CollectionStore persists one reflect-and-broadcast item list.
type CollectionStore struct {
	name string
	path string

	mu        sync.Mutex
	file      CollectionFile
	lastWrite time.Time
}

// NewCollectionStore loads <name> from dir, starting empty when missing.
func NewCollectionStore(dir, name string) (*CollectionStore, error) {
	cs := &CollectionStore{name: name, path: filepath.Join(dir, name)}

	data, err := os.ReadFile(cs.path)
	if err == nil {
		if err := json.Unmarshal(data, &cs.file); err != nil {
			logrus.Warnf("Corrupt %s, resetting: %v", name, err)
			cs.file = CollectionFile{}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if cs.file.Items == nil {
		cs.file.Items = []encjson.RawMessage{}
	}
	return cs, nil
}

// Get returns a snapshot of the collection.
func (cs *CollectionStore) Get() CollectionFile {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.copyLocked()
}

// SetItems replaces the item list and persists it.
func (cs *CollectionStore) SetItems(items []encjson.RawMessage) (CollectionFile, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if items == nil {
		items = []encjson.RawMessage{}
	}
	cs.file.Items = items

	lm := time.Now().UnixMilli()
	if lm <= cs.file.LastModified {
		lm = cs.file.LastModified + 1
	}
	cs.file.LastModified = lm

	data, err := json.MarshalIndent(cs.file, "", "  ")
	if err != nil {
		return cs.copyLocked(), err
	}
	cs.lastWrite = time.Now()
	return cs.copyLocked(), writeFileAtomic(cs.path, data)
}

// Reload re-reads the file from disk.
func (cs *CollectionStore) Reload() (CollectionFile, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	data, err := os.ReadFile(cs.path)
	if err != nil {
		return cs.copyLocked(), err
	}
	var file CollectionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return cs.copyLocked(), err
	}
	if file.Items == nil {
		file.Items = []encjson.RawMessage{}
	}
	cs.file = file
	return cs.copyLocked(), nil
}

// LastWriteAt returns when this process last flushed the file.
func (cs *CollectionStore) LastWriteAt() time.Time {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.lastWrite
}

func (cs *CollectionStore) copyLocked() CollectionFile {
	out := CollectionFile{
		Items:        make([]encjson.RawMessage, len(cs.file.Items)),
		LastModified: cs.file.LastModified,
	}
	copy(out.Items, cs.file.Items)
	return out
}
