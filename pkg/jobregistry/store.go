// Package jobregistry persists orchestrated job records so that job state
// survives the process that drove it and can be listed later.
package jobregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrRecordNotFound is returned when no record exists for an id.
var ErrRecordNotFound = errors.New("job record not found")

// Store persists job records.
//
// Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, record *JobRecord) error
	Get(ctx context.Context, id string) (*JobRecord, error)
	List(ctx context.Context) ([]JobRecord, error)
}

// FileStore persists and loads JobRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<backend>--<job_id>/job.json
//
// Root is expected to be under the app data dir.
type FileStore struct {
	root string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(root string) *FileStore {
	return &FileStore{root: strings.TrimSpace(root)}
}

func (s *FileStore) RootDir() string {
	return s.root
}

func (s *FileStore) recordDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *FileStore) recordPath(id string) string {
	return filepath.Join(s.recordDir(id), "job.json")
}

func (s *FileStore) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func validateID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("record id is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	return id, nil
}

// Put writes record atomically (temp file + rename).
func (s *FileStore) Put(_ context.Context, record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	if strings.TrimSpace(record.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	id, err := validateID(record.ID())
	if err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	dir := s.recordDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}
	if err := os.Rename(tmpName, s.recordPath(id)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Get loads the record stored under id (see RecordID).
func (s *FileStore) Get(_ context.Context, id string) (*JobRecord, error) {
	id, err := validateID(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &record, nil
}

// List returns all readable records, newest first.
func (s *FileStore) List(ctx context.Context) ([]JobRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(ctx, entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(records []JobRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

// Find returns the record for jobID when the backend is unknown. It fails if
// the id is ambiguous across backends.
func Find(ctx context.Context, s Store, jobID string) (*JobRecord, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var match *JobRecord
	for i := range records {
		if records[i].JobID != jobID {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("job id %s exists on several backends (%s, %s)", jobID, match.Backend, records[i].Backend)
		}
		match = &records[i]
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, jobID)
	}
	return match, nil
}

// Touch sets UpdatedAt to now.
func (r *JobRecord) Touch(now time.Time) {
	t := now.UTC()
	r.UpdatedAt = &t
}
