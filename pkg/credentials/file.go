package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

const (
	storeDirMode = 0o700
	storeFileMod = 0o600

	tempFilePattern = ".credentials-*.toml.tmp"
)

type fileSchema struct {
	Credentials map[string]string `toml:"credentials"`
}

// FileStore persists credentials to a TOML file and keeps an in-memory copy.
// Watch reloads the copy when the file is edited by another process.
type FileStore struct {
	path   string
	values map[string]string
	mu     sync.RWMutex
	logger zerolog.Logger

	watcher  *fsnotify.Watcher
	debounce *time.Timer
	done     chan struct{}
	stopOnce sync.Once
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens the credential file at path. A missing file is treated
// as an empty store and created on the first write.
func NewFileStore(path string, logger zerolog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("credential file path is required")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve credential path: %w", err)
	}

	s := &FileStore{
		path:   filepath.Clean(absPath),
		values: make(map[string]string),
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := s.reload(); err != nil {
		return nil, err
	}

	return s, nil
}

// Path returns the credential file path
func (s *FileStore) Path() string {
	return s.path
}

// Get returns the value of a credential
func (s *FileStore) Get(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateName(name); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[name]
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return value, nil
}

// Set stores a credential and persists the file
func (s *FileStore) Set(ctx context.Context, name, value string) error {
	return s.Update(ctx, map[string]string{name: value})
}

// Update stores several credentials and persists the file once
func (s *FileStore) Update(ctx context.Context, values map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for name := range values {
		if err := validateName(name); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]string, len(s.values)+len(values))
	for k, v := range s.values {
		next[k] = v
	}
	for k, v := range values {
		next[k] = v
	}

	if err := s.write(next); err != nil {
		return err
	}
	s.values = next

	s.logger.Debug().
		Str("path", s.path).
		Int("updated", len(values)).
		Msg("Credentials persisted")

	return nil
}

// Watch starts reloading the store when the file changes on disk.
// It returns once the watcher is installed; call Close to stop it.
func (s *FileStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, storeDirMode); err != nil {
		watcher.Close()
		return fmt.Errorf("create credential directory: %w", err)
	}

	// Watch the directory: editors and our own writes replace the file
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.watcher = watcher
	go s.eventLoop()

	s.logger.Info().Str("path", s.path).Msg("Credential watcher started")
	return nil
}

// Close stops the watcher if one is running
func (s *FileStore) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.debounce != nil {
			s.debounce.Stop()
		}
		s.mu.Unlock()
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}

func (s *FileStore) eventLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.scheduleReload()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Credential watcher error")

		case <-s.done:
			return
		}
	}
}

func (s *FileStore) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(100*time.Millisecond, func() {
		select {
		case <-s.done:
			return
		default:
		}
		if err := s.reload(); err != nil {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("Failed to reload credentials")
			return
		}
		s.logger.Info().Str("path", s.path).Msg("Credentials reloaded")
	})
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read credential file: %w", err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode credential file: %w", err)
	}

	values := make(map[string]string, len(file.Credentials))
	for k, v := range file.Credentials {
		values[k] = v
	}

	s.mu.Lock()
	s.values = values
	s.mu.Unlock()

	return nil
}

// write must be called with the lock held
func (s *FileStore) write(values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), storeDirMode); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}

	data, err := toml.Marshal(fileSchema{Credentials: values})
	if err != nil {
		return fmt.Errorf("encode credential file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(s.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tempName := tempFile.Name()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		os.Remove(tempName)
		return fmt.Errorf("write temp credential file: %w", err)
	}
	if err := tempFile.Chmod(storeFileMod); err != nil {
		tempFile.Close()
		os.Remove(tempName)
		return fmt.Errorf("chmod temp credential file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("close temp credential file: %w", err)
	}

	if err := os.Rename(tempName, s.path); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("replace credential file: %w", err)
	}

	return nil
}
