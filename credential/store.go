// Package credential holds the single Bilibili login credential and persists
// it to disk with field-level encryption at the storage boundary. Absence of a
// credential is the normal unauthenticated state, not an error.
package credential

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/kumoworks/bilifetch/crypto"
)

// Credential is the set of cookie values unlocking authenticated quality
// tiers. RefreshToken is optional but required for proactive renewal.
type Credential struct {
	SESSDATA     string
	BiliJCT      string
	DedeUserID   int64
	RefreshToken string
	SavedAt      time.Time
}

// Usable reports whether the credential can authenticate requests: the three
// primary fields must all be present.
func (c Credential) Usable() bool {
	return c.SESSDATA != "" && c.BiliJCT != "" && c.DedeUserID != 0
}

// CookieHeader renders the credential as a Cookie header value.
func (c Credential) CookieHeader() string {
	return fmt.Sprintf("SESSDATA=%s; bili_jct=%s; DedeUserID=%d", c.SESSDATA, c.BiliJCT, c.DedeUserID)
}

// Store guards the current credential and mirrors every change to a JSON file.
type Store struct {
	path string
	enc  crypto.Encryptor

	mu  sync.RWMutex
	cur *Credential
}

// record is the on-disk shape. Sensitive string fields carry the crypto
// marker when encrypted; dede_user_id tolerates both number and string forms
// written by earlier versions.
type record struct {
	SESSDATA     string `json:"sessdata"`
	BiliJCT      string `json:"bili_jct"`
	DedeUserID   any    `json:"dede_user_id"`
	RefreshToken string `json:"refresh_token"`
	SavedAt      string `json:"saved_at"`
}

// NewStore loads any persisted credential from path. A missing or unreadable
// file yields an empty store; per-field decode problems fall back to defaults
// rather than failing the whole load.
func NewStore(path string, enc crypto.Encryptor) *Store {
	s := &Store{path: path, enc: enc}
	s.load()
	return s
}

func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("credential file unreadable, starting unauthenticated", slog.String("path", s.path), slog.Any("err", err))
		}
		return
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		slog.Warn("credential file malformed, starting unauthenticated", slog.String("path", s.path), slog.Any("err", err))
		return
	}
	cred := Credential{
		SESSDATA:     s.decryptField("sessdata", rec.SESSDATA),
		BiliJCT:      s.decryptField("bili_jct", rec.BiliJCT),
		RefreshToken: s.decryptField("refresh_token", rec.RefreshToken),
		DedeUserID:   coerceID(rec.DedeUserID),
	}
	if t, err := time.Parse(time.RFC3339, rec.SavedAt); err == nil {
		cred.SavedAt = t
	}
	s.cur = &cred
}

func (s *Store) decryptField(name, stored string) string {
	v, err := crypto.DecryptString(s.enc, stored)
	if err != nil {
		slog.Warn("credential field undecryptable, defaulting to empty", slog.String("field", name), slog.Any("err", err))
		return ""
	}
	return v
}

func coerceID(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		id, _ := strconv.ParseInt(n, 10, 64)
		return id
	default:
		return 0
	}
}

// Current returns the stored credential, if any.
func (s *Store) Current() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		return Credential{}, false
	}
	return *s.cur, true
}

// Usable reports whether a usable credential is currently held.
func (s *Store) Usable() bool {
	c, ok := s.Current()
	return ok && c.Usable()
}

// Set replaces the credential and persists it synchronously.
func (s *Store) Set(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now().UTC()
	}
	s.cur = &c
	return s.save(c)
}

// Clear drops the credential and removes the file (logout).
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}

func (s *Store) save(c Credential) error {
	rec := record{
		SESSDATA:     s.encryptField("sessdata", c.SESSDATA),
		BiliJCT:      s.encryptField("bili_jct", c.BiliJCT),
		RefreshToken: s.encryptField("refresh_token", c.RefreshToken),
		DedeUserID:   c.DedeUserID,
		SavedAt:      c.SavedAt.Format(time.RFC3339),
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir credential dir: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return nil
}

// encryptField degrades to storing plaintext when encryption fails; losing
// the credential is worse than storing it unprotected.
func (s *Store) encryptField(name, plain string) string {
	if plain == "" {
		return ""
	}
	v, err := crypto.EncryptString(s.enc, plain)
	if err != nil {
		slog.Warn("credential field encryption failed, storing plaintext", slog.String("field", name), slog.Any("err", err))
		return plain
	}
	return v
}
