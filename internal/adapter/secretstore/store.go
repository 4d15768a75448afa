// Package secretstore implements the one-shot secret bundle storage engine
// used by cmd/secretsvc, and the HTTP client Admission uses to talk to it.
package secretstore

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/svmbench/platform/internal/domain"
)

// refPattern matches the hex job secret_ref used to derive on-disk file
// names; anything else is rejected before it ever touches the filesystem.
var refPattern = regexp.MustCompile(`^[a-f0-9]{1,64}$`)

// ErrInvalidRef is returned when a ref does not match refPattern.
var ErrInvalidRef = errors.New("invalid secret_ref")

// Store is the on-disk, one-shot bundle storage engine: PUT/GET/DELETE a
// tar bundle per secret_ref, serving a bundle at most MaxReads times before
// deleting it.
type Store struct {
	Dir      string
	MaxReads int
}

// NewStore constructs a Store rooted at dir, creating it (mode 0700) if
// necessary.
func NewStore(dir string, maxReads int) (*Store, error) {
	if maxReads <= 0 {
		maxReads = 1
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("op=secretstore.NewStore: %w", err)
	}
	_ = os.Chmod(dir, 0o700)
	return &Store{Dir: dir, MaxReads: maxReads}, nil
}

func (s *Store) bundlePath(ref string) (string, error) {
	if !refPattern.MatchString(ref) {
		return "", fmt.Errorf("op=secretstore.bundlePath: %w: %s", ErrInvalidRef, ref)
	}
	return filepath.Join(s.Dir, ref+".tar"), nil
}

func (s *Store) hitsPath(ref string) (string, error) {
	if !refPattern.MatchString(ref) {
		return "", fmt.Errorf("op=secretstore.hitsPath: %w: %s", ErrInvalidRef, ref)
	}
	return filepath.Join(s.Dir, ref+".hits"), nil
}

// writeFileDurable writes data to path via a same-directory temp file,
// fsync, chmod 0600, then atomic rename, so a partial file never appears
// at the final name.
func writeFileDurable(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	_ = os.Chmod(tmp, 0o600)
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Put stores bundle at ref, replacing any existing bundle and resetting its
// hit counter.
func (s *Store) Put(ref string, bundle []byte) error {
	path, err := s.bundlePath(ref)
	if err != nil {
		return err
	}
	if err := writeFileDurable(path, bundle); err != nil {
		return fmt.Errorf("op=secretstore.Put: %w", err)
	}
	if hp, err := s.hitsPath(ref); err == nil {
		_ = os.Remove(hp)
	}
	slog.Info("stored secret bundle", slog.String("secret_ref", ref))
	return nil
}

func readHits(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0
	}
	return n
}

func (s *Store) incrementHits(ref string) (int, error) {
	path, err := s.hitsPath(ref)
	if err != nil {
		return 0, err
	}
	count := readHits(path) + 1
	if err := writeFileDurable(path, []byte(strconv.Itoa(count))); err != nil {
		return 0, fmt.Errorf("write hit counter: %w", err)
	}
	return count, nil
}

// Get returns the bundle stored at ref, deleting it (and its hit counter)
// once it has been served MaxReads times. Returns domain.ErrNotFound if no
// bundle is stored at ref.
func (s *Store) Get(ref string) ([]byte, error) {
	path, err := s.bundlePath(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("op=secretstore.Get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=secretstore.Get: %w", err)
	}

	hits, err := s.incrementHits(ref)
	if err != nil {
		slog.Warn("unable to update hit counter", slog.String("secret_ref", ref), slog.Any("error", err))
	}
	slog.Info("served secret bundle", slog.String("secret_ref", ref), slog.Int("hits", hits))
	if hits >= s.MaxReads {
		if err := s.Delete(ref); err != nil {
			slog.Warn("unable to delete exhausted bundle", slog.String("secret_ref", ref), slog.Any("error", err))
		}
	}
	return data, nil
}

// Delete removes the bundle and hit counter at ref, if present. Deleting a
// bundle that does not exist is not an error.
func (s *Store) Delete(ref string) error {
	path, err := s.bundlePath(ref)
	if err != nil {
		return err
	}
	hp, err := s.hitsPath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("op=secretstore.Delete: %w", err)
	}
	_ = os.Remove(hp)
	return nil
}

// CheckToken reports whether provided matches expected using a
// constant-time comparison. An empty expected disables the check: an unset
// token means auth is not required.
func CheckToken(provided, expected string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
