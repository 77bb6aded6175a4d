package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore keeps queue items as one JSON file each in a directory. It
// catches writes the SQL store rejected so they are not lost.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a store rooted at dir. The directory is created on
// first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the store directory
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Put writes item, replacing any earlier copy
func (s *FileStore) Put(item *Item) error {
	if item.ID == "" || strings.ContainsAny(item.ID, `/\`) {
		return fmt.Errorf("invalid item id %q", item.ID)
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding fallback item: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating fallback dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating fallback temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing fallback item: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("syncing fallback item: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing fallback item: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path(item.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming fallback item: %w", err)
	}
	return nil
}

// List returns all stored items in creation order. Unreadable files are
// skipped and reported through the returned error alongside the good items.
func (s *FileStore) List() ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading fallback dir: %w", err)
	}

	var items []*Item
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			errs = append(errs, fmt.Errorf("reading %s: %w", e.Name(), err))
			continue
		}

		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			errs = append(errs, fmt.Errorf("decoding %s: %w", e.Name(), err))
			continue
		}
		items = append(items, &item)
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})

	return items, errors.Join(errs...)
}

// Delete removes an item; a missing item is not an error
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing fallback item: %w", err)
	}
	return nil
}

// Clear removes every stored item and returns how many were removed
func (s *FileStore) Clear() (int, error) {
	items, err := s.List()
	if err != nil && len(items) == 0 {
		return 0, err
	}

	removed := 0
	for _, item := range items {
		if err := s.Delete(item.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
