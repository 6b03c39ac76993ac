package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const recordExt = ".json"

// ErrInvalidKey is returned for keys that cannot be used as file names
var ErrInvalidKey = errors.New("invalid state key")

// Store is a file-backed key/value store for discovery records.
// Each key is one JSON file under the state directory. Writes go through a
// temp file and a rename so readers never observe a partial record.
type Store struct {
	dir    string
	logger *slog.Logger
}

// Entry is a raw record returned by ListAll
type Entry struct {
	Key  string
	Data json.RawMessage
}

// Decode unmarshals the entry into out
func (e Entry) Decode(out any) error {
	return json.Unmarshal(e.Data, out)
}

// NewStore creates a store rooted at dir. The directory is created lazily.
func NewStore(dir string) *Store {
	return &Store{
		dir:    dir,
		logger: slog.Default(),
	}
}

// Dir returns the state directory root
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path backing key
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+recordExt)
}

func validateKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) || strings.HasSuffix(key, ".tmp") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Write atomically replaces the record stored under key.
// Failures are logged; callers may treat the returned error as advisory.
func (s *Store) Write(key string, record any) error {
	err := s.write(key, record)
	if err != nil {
		s.logger.Warn("Failed to write state record", "key", key, "dir", s.dir, "error", err)
	}
	return err
}

func (s *Store) write(key string, record any) error {
	if err := validateKey(key); err != nil {
		return err
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state record: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Unique temp name per writer; a shared ".tmp" would let two writers
	// interleave their bytes before the rename.
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create state temp file: %w", err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write state temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync state temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close state temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0o644); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to chmod state temp file: %w", err)
	}

	if err := os.Rename(tempPath, s.Path(key)); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	return nil
}

// Read decodes the record stored under key into out.
// Returns false with a nil error when the record does not exist.
func (s *Store) Read(key string, out any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read state file: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to parse state file %s: %w", s.Path(key), err)
	}
	return true, nil
}

// Exists reports whether a record is stored under key
func (s *Store) Exists(key string) bool {
	if validateKey(key) != nil {
		return false
	}
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// Delete removes the record under key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

// ListAll returns every record whose key starts with prefix, sorted by key.
// Unreadable records are logged and skipped.
func (s *Store) ListAll(prefix string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		key := strings.TrimSuffix(name, recordExt)
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			// Deleted between ReadDir and ReadFile
			if !errors.Is(err, os.ErrNotExist) {
				s.logger.Debug("Skipping unreadable state file", "file", name, "error", err)
			}
			continue
		}
		if !json.Valid(data) {
			s.logger.Debug("Skipping malformed state file", "file", name)
			continue
		}
		entries = append(entries, Entry{Key: key, Data: data})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Purge removes every record (and leftover temp file) in the state directory,
// malformed ones included, and returns how many records were deleted.
// Non-record files such as the event journal are left alone.
func (s *Store) Purge() (int, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list state directory: %w", err)
	}

	removed := 0
	var errs []error
	for _, de := range dirEntries {
		name := de.Name()
		isRecord := strings.HasSuffix(name, recordExt)
		if de.IsDir() || !(isRecord || strings.HasSuffix(name, ".tmp")) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		if isRecord {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}
