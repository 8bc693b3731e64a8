// Package secret provides the file-backed secrets store and the
// ${SECRET:ref} placeholder resolution applied to connector environments
// and auth headers before anything reaches an exec or a wire.
package secret

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"runtime"
	"sort"
	"sync"
	"time"
)

// placeholderPattern matches ${SECRET:<ref>} with the ref captured.
var placeholderPattern = regexp.MustCompile(`\$\{SECRET:([A-Za-z0-9_.-]+)\}`)

// secretsFile is the on-disk shape of the store.
type secretsFile struct {
	Version   string            `json:"version"`
	Refs      map[string]string `json:"refs"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store is a file-backed secrets store. Values live in a 0600 JSON file
// in the config directory; the encryption-at-rest cipher is handled by an
// external layer and is not part of this store's contract.
type Store struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewStore creates a Store over the given file path.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// load reads the secrets file, returning an empty map when absent.
func (s *Store) load() (*secretsFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &secretsFile{Version: "1", Refs: map[string]string{}}, nil
		}
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			if mode := info.Mode().Perm(); mode&0077 != 0 {
				s.logger.Warn("secrets file has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var f secretsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}
	if f.Refs == nil {
		f.Refs = map[string]string{}
	}
	return &f, nil
}

// save writes the secrets file atomically with 0600 permissions.
func (s *Store) save(f *secretsFile) error {
	f.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}
	data = append(data, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write secrets temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename secrets file: %w", err)
	}
	return nil
}

// Set stores or replaces a secret value under ref.
func (s *Store) Set(ref, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return err
	}
	f.Refs[ref] = value
	return s.save(f)
}

// Delete removes a secret. Deleting an unknown ref is a no-op.
func (s *Store) Delete(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return err
	}
	delete(f.Refs, ref)
	return s.save(f)
}

// Refs lists the stored secret names (never the values), sorted.
func (s *Store) Refs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(f.Refs))
	for ref := range f.Refs {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs, nil
}

// ResolveString replaces every ${SECRET:ref} placeholder in value. An
// unknown ref fails with an error naming the ref, never a value.
func (s *Store) ResolveString(value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return "", err
	}
	return resolve(value, f.Refs)
}

// ResolveEnv resolves placeholders across a connector environment map.
// The input map is not modified.
func (s *Store) ResolveEnv(env map[string]string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(env))
	for k, v := range env {
		resolved, err := resolve(v, f.Refs)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func resolve(value string, refs map[string]string) (string, error) {
	var missing string
	out := placeholderPattern.ReplaceAllStringFunc(value, func(m string) string {
		ref := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := refs[ref]
		if !ok {
			if missing == "" {
				missing = ref
			}
			return m
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("unknown secret reference %q", missing)
	}
	return out, nil
}
