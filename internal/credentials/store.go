package credentials

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// storeDirPerm is the permission mode for the directory holding the
	// credentials file.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the credentials file. The
	// record contains live bearer and refresh tokens, so access is
	// restricted to the owning user.
	storeFilePerm = fs.FileMode(0o600)
)

// Store persists a single Record as one JSON document at a fixed path.
// It is the synchronization point between the login flow, the refresh
// daemon, and the token proxy: writers publish via an atomic rename, so a
// concurrent Load never observes a half-written document.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore creates a store for the given file path.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the canonical file path of the store.
func (s *Store) Path() string {
	return s.path
}

// Load reads the current record. A missing or unparseable file returns
// (nil, nil): both mean "no credentials yet" to every caller, and a corrupt
// file must never crash a reader that can simply re-authorize.
func (s *Store) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("credentials file is corrupt, treating as absent",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)

		return nil, nil
	}

	return &rec, nil
}

// Save writes the record atomically: marshal to a temp file in the same
// directory, fsync, then rename over the canonical path. If the atomic
// path fails the new record is still written directly rather than lost,
// and the degraded write is logged.
func (s *Store) Save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, storeDirPerm); err != nil {
		return fmt.Errorf("creating credentials dir: %w", err)
	}

	if err := s.writeAtomic(dir, data); err != nil {
		s.logger.Warn("atomic write failed, falling back to direct write",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)

		if werr := os.WriteFile(s.path, data, storeFilePerm); werr != nil {
			return fmt.Errorf("writing credentials file: %w", werr)
		}
	}

	// Re-assert owner-only permissions; the file may predate this process
	// with a looser mode, and the fallback path may have left it as-is.
	if err := os.Chmod(s.path, storeFilePerm); err != nil {
		s.logger.Warn("setting credentials file permissions",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// writeAtomic performs the temp-file-then-rename publication. The temp
// file lives in the same directory so the rename stays on one filesystem.
func (s *Store) writeAtomic(dir string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	defer func() {
		// No-ops after a successful rename.
		tmp.Close()
		os.Remove(tmpPath)
	}()

	if err := tmp.Chmod(storeFilePerm); err != nil {
		return fmt.Errorf("setting temp file permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
