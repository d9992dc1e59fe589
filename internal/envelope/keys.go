package envelope

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// KeySource supplies the wrapping key. It is consulted on every seal and open
// so a missing key surfaces at first use rather than at process start.
type KeySource interface {
	WrappingKey() ([]byte, error)
}

// KeySourceFunc adapts a function to KeySource.
type KeySourceFunc func() ([]byte, error)

func (f KeySourceFunc) WrappingKey() ([]byte, error) { return f() }

// EnvKeySource reads a base64 wrapping key from the named environment variable.
func EnvKeySource(name string) KeySource {
	return KeySourceFunc(func() ([]byte, error) {
		return decodeKey(name, os.Getenv(name))
	})
}

// StaticKeySource wraps a fixed base64 wrapping key.
func StaticKeySource(encoded string) KeySource {
	return KeySourceFunc(func() ([]byte, error) {
		return decodeKey("static key", encoded)
	})
}

func loadKey(src KeySource) ([]byte, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no wrapping key source", ErrConfig)
	}
	return src.WrappingKey()
}

func decodeKey(label, encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrConfig, label)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid base64", ErrConfig, label)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %s must decode to %d bytes (got %d)", ErrConfig, label, KeySize, len(key))
	}
	return key, nil
}

// RetiredKeySource is implemented by key sources that keep wrapping keys
// replaced by rotation. Open falls back to them; Seal never uses them.
type RetiredKeySource interface {
	KeySource
	RetiredKeys() [][]byte
}

// Keyring pairs the current key source with retired ones.
type Keyring struct {
	current KeySource
	retired []KeySource
}

func NewKeyring(current KeySource, retired ...KeySource) *Keyring {
	return &Keyring{current: current, retired: retired}
}

func (k *Keyring) WrappingKey() ([]byte, error) {
	return loadKey(k.current)
}

// RetiredKeys lists the current source's retired keys followed by the
// configured ones. Retired sources that fail to load are skipped.
func (k *Keyring) RetiredKeys() [][]byte {
	var out [][]byte
	if inner, ok := k.current.(RetiredKeySource); ok {
		out = append(out, inner.RetiredKeys()...)
	}
	for _, src := range k.retired {
		key, err := loadKey(src)
		if err != nil {
			continue
		}
		out = appendUniqueKey(out, key)
	}
	return out
}

func appendUniqueKey(keys [][]byte, key []byte) [][]byte {
	for _, existing := range keys {
		if bytes.Equal(existing, key) {
			return keys
		}
	}
	return append(keys, key)
}

// FileKeySource reads base64 wrapping keys from a file and reloads them when
// the file changes. The first non-blank line is the current key; further
// lines are retired keys that still open older blobs. Lines starting with '#'
// are ignored. A key replaced by a reload is retained in memory as retired,
// and the last successfully loaded key stays active if a reload fails.
type FileKeySource struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	key     []byte
	listed  [][]byte
	rotated [][]byte
	loadErr error
	loaded  bool
}

func NewFileKeySource(path string, logger *slog.Logger) *FileKeySource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileKeySource{path: filepath.Clean(path), logger: logger}
}

func (f *FileKeySource) WrappingKey() ([]byte, error) {
	f.mu.RLock()
	if f.loaded {
		key, err := f.key, f.loadErr
		f.mu.RUnlock()
		if key != nil {
			return key, nil
		}
		return nil, err
	}
	f.mu.RUnlock()
	return f.Reload()
}

// RetiredKeys returns the retired keys listed in the file, then keys replaced
// by reloads since start, newest first. The current key is never included.
func (f *FileKeySource) RetiredKeys() [][]byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out [][]byte
	for _, key := range f.listed {
		if !bytes.Equal(key, f.key) {
			out = appendUniqueKey(out, key)
		}
	}
	for i := len(f.rotated) - 1; i >= 0; i-- {
		if !bytes.Equal(f.rotated[i], f.key) {
			out = appendUniqueKey(out, f.rotated[i])
		}
	}
	return out
}

// Reload re-reads the key file and returns the current key.
func (f *FileKeySource) Reload() ([]byte, error) {
	raw, err := os.ReadFile(f.path)
	var keys [][]byte
	if err != nil {
		err = fmt.Errorf("%w: read key file: %v", ErrConfig, err)
	} else {
		keys, err = decodeKeyFile("key file "+f.path, string(raw))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = true
	if err != nil {
		f.loadErr = err
		if f.key != nil {
			return f.key, nil
		}
		return nil, err
	}
	if f.key != nil && !bytes.Equal(f.key, keys[0]) {
		f.rotated = appendUniqueKey(f.rotated, f.key)
	}
	f.key = keys[0]
	f.listed = keys[1:]
	f.loadErr = nil
	return f.key, nil
}

func decodeKeyFile(label, raw string) ([][]byte, error) {
	var keys [][]byte
	for i, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, err := decodeKey(fmt.Sprintf("%s line %d", label, i+1), line)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s holds no key", ErrConfig, label)
	}
	return keys, nil
}

// Watch reloads the key whenever the file is written, created or renamed into
// place. It blocks until ctx is done.
func (f *FileKeySource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new key watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic rename-into-place is seen.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch key dir: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if _, err := f.Reload(); err != nil {
				f.logger.Error("wrapping key reload failed", "path", f.path, "error", err)
				continue
			}
			f.mu.RLock()
			failed := f.loadErr != nil
			f.mu.RUnlock()
			if failed {
				f.logger.Warn("wrapping key file invalid, keeping previous key", "path", f.path)
				continue
			}
			f.logger.Info("wrapping key reloaded", "path", f.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("wrapping key watcher error", "error", err)
		}
	}
}
