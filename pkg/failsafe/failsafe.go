// Package failsafe writes files so that an interruption at any point leaves
// either the complete old or the complete new content recoverable.
//
// A file "p" is backed by up to three siblings:
//
//	p$new   the next content, written before anything is renamed
//	p$old   the previous content while p is being replaced
//	p$temp  staging for a first write or a recovery copy; never read back
//
// Reads prefer p, then p$new, then p$old.
package failsafe

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	suffixNew  = "$new"
	suffixOld  = "$old"
	suffixTemp = "$temp"
)

// Store applies the fail-safe protocol to files of an FS.
type Store struct {
	fs  FS
	log *zap.SugaredLogger
}

func New(fs FS) *Store {
	return &Store{fs: fs, log: zap.S().Named("failsafe")}
}

func (s *Store) FS() FS {
	return s.fs
}

// Get recovers path to a single canonical file if a write was interrupted
// and returns its content. It returns ErrNotExist when no variant holds
// valid content.
func (s *Store) Get(path string) ([]byte, error) {
	if err := s.recover(path); err != nil {
		return nil, err
	}
	return s.fs.ReadFile(path)
}

func (s *Store) recover(path string) error {
	ok, err := s.fs.Exists(path)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	newPath, oldPath, tempPath := path+suffixNew, path+suffixOld, path+suffixTemp

	ok, err = s.fs.Exists(newPath)
	if err != nil {
		return err
	}
	if ok {
		s.log.Infow("recovering interrupted write", "path", path, "from", newPath)
		if err := s.copyFile(newPath, oldPath); err != nil {
			return fmt.Errorf("back up %s: %w", newPath, err)
		}
		if err := s.fs.Rename(newPath, path); err != nil {
			return fmt.Errorf("restore %s: %w", newPath, err)
		}
		if err := s.fs.Sync(); err != nil {
			return err
		}
		return s.removeVariants(path)
	}

	ok, err = s.fs.Exists(oldPath)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrNotExist)
	}

	s.log.Infow("recovering interrupted write", "path", path, "from", oldPath)
	if err := s.copyFile(oldPath, tempPath); err != nil {
		return fmt.Errorf("stage %s: %w", oldPath, err)
	}
	if err := s.fs.Rename(tempPath, path); err != nil {
		return fmt.Errorf("restore %s: %w", oldPath, err)
	}
	return s.fs.Sync()
}

// Write replaces the content of path with the concatenation of parts.
func (s *Store) Write(path string, parts ...[]byte) error {
	ok, err := s.fs.Exists(path)
	if err != nil {
		return err
	}

	if !ok {
		tempPath := path + suffixTemp
		if err := s.fs.WriteFile(tempPath, parts...); err != nil {
			return fmt.Errorf("write %s: %w", tempPath, err)
		}
		if err := s.fs.Sync(); err != nil {
			return err
		}
		if err := s.fs.Rename(tempPath, path); err != nil {
			return fmt.Errorf("install %s: %w", path, err)
		}
		return s.fs.Sync()
	}

	newPath, oldPath := path+suffixNew, path+suffixOld
	if err := s.fs.WriteFile(newPath, parts...); err != nil {
		return fmt.Errorf("write %s: %w", newPath, err)
	}
	if err := s.fs.Remove(oldPath); err != nil {
		return fmt.Errorf("remove stale %s: %w", oldPath, err)
	}
	if err := s.fs.Sync(); err != nil {
		return err
	}
	if err := s.fs.Rename(path, oldPath); err != nil {
		return fmt.Errorf("back up %s: %w", path, err)
	}
	if err := s.fs.Sync(); err != nil {
		return err
	}
	if err := s.fs.Rename(newPath, path); err != nil {
		return fmt.Errorf("install %s: %w", path, err)
	}
	if err := s.fs.Sync(); err != nil {
		return err
	}
	return s.fs.Remove(oldPath)
}

func (s *Store) copyFile(from, to string) error {
	b, err := s.fs.ReadFile(from)
	if err != nil {
		return err
	}
	if err := s.fs.WriteFile(to, b); err != nil {
		return err
	}
	return s.fs.Sync()
}

func (s *Store) removeVariants(path string) error {
	var errs error
	for _, suffix := range []string{suffixNew, suffixOld, suffixTemp} {
		errs = multierr.Append(errs, s.fs.Remove(path+suffix))
	}
	if errs != nil {
		return fmt.Errorf("clean up recovered variants: %w", errs)
	}
	return nil
}
