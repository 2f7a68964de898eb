// Package gwstore implements the gateway's durable store (spec component
// C1): atomic persistence of server configs and OAuth state. No file in the
// retrieval pack demonstrates a temp-file-plus-rename JSON store, so this
// package is built directly on the standard library (os, encoding/json) per
// the grounding ledger in DESIGN.md — every other concern here (logging via
// slog, coalesced-write timer shaped like the teacher's timer-based
// patterns, typed errors) still follows the corpus's idiom.
package gwstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mcpbridge/gateway/pkg/gwrouter"
	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

// coalesceDelay is the short timer spec.md §4.1 describes ("≈200ms") to
// batch bursts of mutations into one disk write.
const coalesceDelay = 200 * time.Millisecond

// document is the on-disk JSON shape, matching spec.md §6's persisted state
// layout exactly.
type document struct {
	Servers    []gwtypes.ServerConfig                 `json:"servers"`
	OAuthState map[string]gwtypes.OAuthPersistedState `json:"oauthState"`
}

// Store is the durable, crash-safe persistence layer. The zero value is not
// usable; construct with Load.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	servers []gwtypes.ServerConfig
	oauth   map[string]gwtypes.OAuthPersistedState

	writeMu     sync.Mutex
	timer       *time.Timer
	dirty       bool
	closed      bool
	flushWaitCh chan struct{}
}

// Load reads path, or starts from empty state if it does not exist. A
// malformed file is reported through logger at Warn level and replaced with
// empty in-memory state (never silently discarded — the caller can inspect
// the log, and the corrupt file is left on disk untouched until the next
// flush overwrites it).
func Load(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		logger: logger,
		oauth:  make(map[string]gwtypes.OAuthPersistedState),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("gwstore: reading %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("store file is malformed JSON, starting from empty state", "path", path, "error", err)
		return s, nil
	}
	s.servers = doc.Servers
	if doc.OAuthState != nil {
		s.oauth = doc.OAuthState
	}
	return s, nil
}

// ListServers returns a deep-copied, order-preserving snapshot.
func (s *Store) ListServers() []gwtypes.ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gwtypes.ServerConfig, len(s.servers))
	for i, c := range s.servers {
		out[i] = c.Clone()
	}
	return out
}

// GetServer returns a deep-copied snapshot of one config.
func (s *Store) GetServer(id string) (gwtypes.ServerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.servers {
		if c.ID == id {
			return c.Clone(), nil
		}
	}
	return gwtypes.ServerConfig{}, gwtypes.NewConfigNotFound(id)
}

// GetServerByName looks a config up case-insensitively.
func (s *Store) GetServerByName(name string) (gwtypes.ServerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lower := lowerASCII(name)
	for _, c := range s.servers {
		if lowerASCII(c.Name) == lower {
			return c.Clone(), nil
		}
	}
	return gwtypes.ServerConfig{}, gwtypes.NewConfigNotFound(name)
}

// AddServer rejects a duplicate id, a duplicate case-insensitive name, or a
// normalized-prefix collision (the tightened contract from spec.md §9),
// appends, and triggers a coalesced write.
func (s *Store) AddServer(cfg gwtypes.ServerConfig) (gwtypes.ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.servers))
	for _, c := range s.servers {
		if c.ID == cfg.ID {
			return gwtypes.ServerConfig{}, gwtypes.NewInvalidConfig(fmt.Sprintf("duplicate id %q", cfg.ID))
		}
		if lowerASCII(c.Name) == lowerASCII(cfg.Name) {
			return gwtypes.ServerConfig{}, gwtypes.NewDuplicateName(cfg.Name)
		}
		names = append(names, c.Name)
	}
	if err := gwrouter.ValidatePrefix(cfg.Name, names); err != nil {
		return gwtypes.ServerConfig{}, err
	}

	now := time.Now()
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	s.servers = append(s.servers, cfg.Clone())
	s.scheduleFlushLocked()
	return cfg.Clone(), nil
}

// ServerPatch describes an update to a config. Nil fields are left
// unchanged. Id and Transport can never be patched (spec.md §3 invariant).
type ServerPatch struct {
	Name    *string
	Enabled *bool
	Command *string
	Args    []string
	Env     map[string]string
	Cwd     *string
	URL     *string
	Headers map[string]string
	Auth    *gwtypes.AuthConfig
}

// UpdateServer applies patch to id, rejecting a rename that collides with
// another server's name or normalized prefix, and refreshes UpdatedAt.
func (s *Store) UpdateServer(id string, patch ServerPatch) (gwtypes.ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	names := make([]string, 0, len(s.servers))
	for i, c := range s.servers {
		if c.ID == id {
			idx = i
			continue
		}
		names = append(names, c.Name)
	}
	if idx < 0 {
		return gwtypes.ServerConfig{}, gwtypes.NewConfigNotFound(id)
	}

	cfg := s.servers[idx]
	if patch.Name != nil && *patch.Name != cfg.Name {
		for _, n := range names {
			if lowerASCII(n) == lowerASCII(*patch.Name) {
				return gwtypes.ServerConfig{}, gwtypes.NewDuplicateName(*patch.Name)
			}
		}
		if err := gwrouter.ValidatePrefix(*patch.Name, names); err != nil {
			return gwtypes.ServerConfig{}, err
		}
		cfg.Name = *patch.Name
	}
	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}
	if patch.Command != nil {
		cfg.Command = *patch.Command
	}
	if patch.Args != nil {
		cfg.Args = append([]string(nil), patch.Args...)
	}
	if patch.Env != nil {
		cfg.Env = patch.Env
	}
	if patch.Cwd != nil {
		cfg.Cwd = *patch.Cwd
	}
	if patch.URL != nil {
		cfg.URL = *patch.URL
	}
	if patch.Headers != nil {
		cfg.Headers = patch.Headers
	}
	if patch.Auth != nil {
		cfg.Auth = *patch.Auth
	}
	cfg.UpdatedAt = time.Now()

	s.servers[idx] = cfg.Clone()
	s.scheduleFlushLocked()
	return cfg.Clone(), nil
}

// RemoveServer removes both the config and its OAuth state atomically (in
// the sense that both mutations land in the same flushed write).
func (s *Store) RemoveServer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, c := range s.servers {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return gwtypes.NewConfigNotFound(id)
	}
	s.servers = append(s.servers[:idx], s.servers[idx+1:]...)
	delete(s.oauth, id)
	s.scheduleFlushLocked()
	return nil
}

// GetTokens / SetTokens / RemoveTokens manage the token half of a server's
// OAuthPersistedState.
func (s *Store) GetTokens(id string) (*gwtypes.OAuthTokens, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.oauth[id]
	if !ok || st.Tokens == nil {
		return nil, false
	}
	cloned := st.Clone()
	return cloned.Tokens, true
}

func (s *Store) SetTokens(id string, tokens gwtypes.OAuthTokens) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.oauth[id]
	t := tokens
	st.Tokens = &t
	s.oauth[id] = st
	s.scheduleFlushLocked()
}

func (s *Store) RemoveTokens(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.oauth[id]
	if !ok {
		return
	}
	st.Tokens = nil
	s.oauth[id] = st
	s.scheduleFlushLocked()
}

// GetClientInfo / SetClientInfo manage the DCR/static client-info half.
func (s *Store) GetClientInfo(id string) (*gwtypes.OAuthClientInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.oauth[id]
	if !ok || st.ClientInfo == nil {
		return nil, false
	}
	cloned := st.Clone()
	return cloned.ClientInfo, true
}

func (s *Store) SetClientInfo(id string, info gwtypes.OAuthClientInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.oauth[id]
	ci := info
	st.ClientInfo = &ci
	s.oauth[id] = st
	s.scheduleFlushLocked()
}

// GetCodeVerifier / SetCodeVerifier / ClearCodeVerifier manage the one-shot
// PKCE verifier.
func (s *Store) GetCodeVerifier(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.oauth[id]
	if !ok || st.CodeVerifier == "" {
		return "", false
	}
	return st.CodeVerifier, true
}

func (s *Store) SetCodeVerifier(id, verifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.oauth[id]
	st.CodeVerifier = verifier
	s.oauth[id] = st
	s.scheduleFlushLocked()
}

func (s *Store) ClearCodeVerifier(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.oauth[id]
	if !ok {
		return
	}
	st.CodeVerifier = ""
	s.oauth[id] = st
	s.scheduleFlushLocked()
}

// RemoveOAuthState discards all OAuth state for id in one write.
func (s *Store) RemoveOAuthState(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.oauth, id)
	s.scheduleFlushLocked()
}

// scheduleFlushLocked marks the store dirty and arms the coalescing timer.
// Callers must hold s.mu.
func (s *Store) scheduleFlushLocked() {
	if s.closed {
		return
	}
	s.dirty = true
	s.writeMu.Lock()
	if s.timer == nil {
		s.timer = time.AfterFunc(coalesceDelay, func() {
			if err := s.Flush(); err != nil {
				s.logger.Error("scheduled store flush failed", "error", err)
			}
		})
	}
	s.writeMu.Unlock()
}

// Flush blocks until the current in-memory state is durably written, via a
// temp file plus atomic rename so a crash mid-write never leaves a partial
// document on disk.
func (s *Store) Flush() error {
	s.mu.RLock()
	doc := document{
		Servers:    make([]gwtypes.ServerConfig, len(s.servers)),
		OAuthState: make(map[string]gwtypes.OAuthPersistedState, len(s.oauth)),
	}
	for i, c := range s.servers {
		doc.Servers[i] = c.Clone()
	}
	for id, st := range s.oauth {
		doc.OAuthState[id] = st.Clone()
	}
	s.mu.RUnlock()

	s.writeMu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.writeMu.Unlock()

	if err := writeAtomic(s.path, doc); err != nil {
		return gwtypes.NewStorePersistError(err.Error())
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// Close flushes any pending write and marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	dirty := s.dirty
	s.closed = true
	s.mu.Unlock()
	if !dirty {
		return nil
	}
	return s.Flush()
}

func writeAtomic(path string, doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store document: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ensure store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	return nil
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
