package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/tildaslashalef/anchorsync/internal/loggy"
)

// Store is the router's view of the cache: the current groups over a
// repository
type Store struct {
	repo   Repository
	groups Groups
	logger *loggy.Logger
}

// NewStore creates a store for the given current groups
func NewStore(repo Repository, groups Groups, logger *loggy.Logger) *Store {
	return &Store{
		repo:   repo,
		groups: groups,
		logger: logger,
	}
}

// Groups returns the current group names
func (s *Store) Groups() Groups {
	return s.groups
}

// Open creates all current groups
func (s *Store) Open(ctx context.Context) error {
	for _, name := range s.groups.All() {
		if err := s.repo.CreateGroup(ctx, name); err != nil {
			return fmt.Errorf("opening cache group %s: %w", name, err)
		}
	}
	return nil
}

// Put stores resp for req in the group for kind. Only GET requests are
// stored; other methods are ignored.
func (s *Store) Put(ctx context.Context, kind Kind, req *http.Request, resp *http.Response, maxBody int64) error {
	if req.Method != http.MethodGet {
		return nil
	}

	entry, err := NewEntry(s.groups.Name(kind), req, resp, maxBody)
	if err != nil {
		return err
	}
	return s.repo.Put(ctx, entry)
}

// PutEntry stores a prepared entry
func (s *Store) PutEntry(ctx context.Context, entry *Entry) error {
	return s.repo.Put(ctx, entry)
}

// Match finds req in the current groups, searching static, dynamic, then api
func (s *Store) Match(ctx context.Context, req *http.Request) (*Entry, error) {
	return s.MatchKey(ctx, RequestKey(req))
}

// MatchKey is Match for a precomputed request key
func (s *Store) MatchKey(ctx context.Context, key string) (*Entry, error) {
	for _, group := range s.groups.All() {
		entry, err := s.repo.Get(ctx, group, key)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// Prune deletes every group outside the current set and returns their names
func (s *Store) Prune(ctx context.Context) ([]string, error) {
	names, err := s.repo.ListGroups(ctx)
	if err != nil {
		return nil, err
	}

	current := s.groups.All()
	var deleted []string
	for _, name := range names {
		if slices.Contains(current, name) {
			continue
		}
		if err := s.repo.DeleteGroup(ctx, name); err != nil {
			return deleted, fmt.Errorf("deleting cache group %s: %w", name, err)
		}
		s.logger.Info("Deleted stale cache group", "group", name)
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// Purge deletes every group, current ones included
func (s *Store) Purge(ctx context.Context) (int, error) {
	names, err := s.repo.ListGroups(ctx)
	if err != nil {
		return 0, err
	}
	for i, name := range names {
		if err := s.repo.DeleteGroup(ctx, name); err != nil {
			return i, fmt.Errorf("deleting cache group %s: %w", name, err)
		}
	}
	return len(names), nil
}

// Stats returns entry counts per stored group
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	return s.repo.CountEntries(ctx)
}
