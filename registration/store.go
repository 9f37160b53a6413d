package registration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ResultStore keeps a bounded history of registration results, persisted
// as a JSON file.
type ResultStore struct {
	path       string
	maxResults int
	results    map[string]*Result
	mu         sync.RWMutex
}

// storeFile is the on-disk layout
type storeFile struct {
	Results     []*Result `json:"results"`
	LastUpdated int64     `json:"lastUpdated"`
}

// LoadStore opens the store at path. A missing file gives an empty store.
// maxResults <= 0 keeps every result.
func LoadStore(path string, maxResults int) (*ResultStore, error) {
	s := &ResultStore{
		path:       path,
		maxResults: maxResults,
		results:    make(map[string]*Result),
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil // No results yet
		}
		return nil, fmt.Errorf("reading result store: %w", err)
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing result store: %w", err)
	}
	for _, r := range f.Results {
		if r != nil && r.ID != "" {
			s.results[r.ID] = r
		}
	}
	return s, nil
}

// Put records a result, evicting the oldest entries past the limit
func (s *ResultStore) Put(r *Result) {
	if r == nil || r.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results[r.ID] = r
	if s.maxResults <= 0 || len(s.results) <= s.maxResults {
		return
	}
	sorted := s.sortedLocked()
	for _, old := range sorted[:len(sorted)-s.maxResults] {
		delete(s.results, old.ID)
	}
}

// Get returns the result with the given ID
func (s *ResultStore) Get(id string) (*Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	return r, ok
}

// List returns all results, oldest first
func (s *ResultStore) List() []*Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

// Len returns the number of stored results
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

func (s *ResultStore) sortedLocked() []*Result {
	out := make([]*Result, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Save writes the store to its file. A store without a path is memory only.
func (s *ResultStore) Save() error {
	if s.path == "" {
		return nil
	}

	// Ensure directory exists
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating result store directory: %w", err)
	}

	f := storeFile{Results: s.List(), LastUpdated: time.Now().Unix()}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result store: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("writing result store: %w", err)
	}
	return nil
}
