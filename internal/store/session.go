package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ThinkingLevel is the per-session thinking pin.
type ThinkingLevel string

const (
	ThinkOff     ThinkingLevel = "off"
	ThinkMinimal ThinkingLevel = "minimal"
	ThinkLow     ThinkingLevel = "low"
	ThinkMedium  ThinkingLevel = "medium"
	ThinkHigh    ThinkingLevel = "high"
	ThinkMax     ThinkingLevel = "max"
)

// ValidThinkingLevel reports whether s names a thinking level.
func ValidThinkingLevel(s string) bool {
	switch ThinkingLevel(s) {
	case ThinkOff, ThinkMinimal, ThinkLow, ThinkMedium, ThinkHigh, ThinkMax:
		return true
	}
	return false
}

// VerboseLevel is the per-session tool verbosity setting.
type VerboseLevel string

const (
	VerboseOff  VerboseLevel = "off"
	VerboseOn   VerboseLevel = "on"
	VerboseFull VerboseLevel = "full"
)

// Session is the persistent per-conversation state. Unknown JSON keys read
// from disk are preserved across read-modify-write cycles.
type Session struct {
	SessionKey    string        `json:"sessionKey"`
	SessionID     string        `json:"sessionId,omitempty"`
	LastChannel   string        `json:"lastChannel,omitempty"`
	LastProvider  string        `json:"lastProvider,omitempty"`
	LastTo        string        `json:"lastTo,omitempty"`
	ThinkingLevel ThinkingLevel `json:"thinkingLevel,omitempty"`
	Verbose       VerboseLevel  `json:"verbose,omitempty"`
	QueueMode     string        `json:"queueMode,omitempty"`  // "" inherits
	Activation    string        `json:"activation,omitempty"` // groups: "mention" or "always"
	Model         string        `json:"model,omitempty"`      // session model override
	Aborted       bool          `json:"aborted,omitempty"`
	UpdatedAt     int64         `json:"updatedAt"` // wall-clock ms, never regresses
	ContextUsed   int           `json:"contextUsed,omitempty"`
	Primed        bool          `json:"primed,omitempty"`

	extra map[string]json.RawMessage
}

var sessionKnownKeys = map[string]bool{
	"sessionKey": true, "sessionId": true, "lastChannel": true,
	"lastProvider": true, "lastTo": true, "thinkingLevel": true,
	"verbose": true, "queueMode": true, "activation": true, "model": true,
	"aborted": true, "updatedAt": true, "contextUsed": true, "primed": true,
}

// UnmarshalJSON keeps keys this reader does not know about so they survive
// the next write.
func (s *Session) UnmarshalJSON(data []byte) error {
	type alias Session
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Session(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if sessionKnownKeys[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		s.extra = raw
	}
	return nil
}

// MarshalJSON merges preserved unknown keys back into the output.
func (s Session) MarshalJSON() ([]byte, error) {
	type alias Session
	data, err := json.Marshal(alias(s))
	if err != nil {
		return nil, err
	}
	if len(s.extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.extra {
		if _, claimed := merged[k]; !claimed {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// TranscriptEntry is one line in a session's JSONL log.
type TranscriptEntry struct {
	At     int64  `json:"at"`
	Role   string `json:"role"` // "user" or "assistant"
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text"`
	RunID  string `json:"runId,omitempty"`
}

// SessionStore is the persistent sessionKey → Session mapping backed by
// sessions.json plus per-session JSONL transcripts under sessions/.
type SessionStore struct {
	indexPath string
	logDir    string

	mu       sync.RWMutex
	sessions map[string]*Session

	actor fileActor
}

// NewSessionStore loads sessions.json from the state dir (missing = empty).
func NewSessionStore(stateDir string) (*SessionStore, error) {
	st := &SessionStore{
		indexPath: filepath.Join(stateDir, "sessions.json"),
		logDir:    filepath.Join(stateDir, "sessions"),
		sessions:  make(map[string]*Session),
	}

	data, err := os.ReadFile(st.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}
	if err := json.Unmarshal(data, &st.sessions); err != nil {
		return nil, fmt.Errorf("session index corrupted: %w", err)
	}
	for key, s := range st.sessions {
		if s.SessionKey == "" {
			s.SessionKey = key
		}
	}
	return st, nil
}

// Get returns a copy of the session, or false if absent.
func (st *SessionStore) Get(key string) (Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[key]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// GetOrCreate returns the session for key, creating it lazily.
func (st *SessionStore) GetOrCreate(key string) Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[key]; ok {
		return *s
	}
	s := &Session{SessionKey: key, UpdatedAt: time.Now().UnixMilli()}
	st.sessions[key] = s
	return *s
}

// Update applies fn to the session under the store lock, enforces updatedAt
// monotonicity against the on-disk copy, and flushes the index. fn receives a
// session that already exists (created lazily if needed).
func (st *SessionStore) Update(key string, fn func(*Session)) error {
	return st.actor.do(func() error {
		st.mu.Lock()
		s, ok := st.sessions[key]
		if !ok {
			s = &Session{SessionKey: key}
			st.sessions[key] = s
		}
		before := s.UpdatedAt
		fn(s)
		if s.UpdatedAt < before {
			s.UpdatedAt = before
		}

		// Concurrent writers merge by taking the max updatedAt from the
		// on-disk copy before flushing.
		if onDisk, err := st.readDisk(key); err == nil && onDisk.UpdatedAt > s.UpdatedAt {
			s.UpdatedAt = onDisk.UpdatedAt
		}
		snapshot := st.snapshotLocked()
		st.mu.Unlock()

		if err := writeJSONAtomic(st.indexPath, snapshot); err != nil {
			return fmt.Errorf("session index write: %w", err)
		}
		return nil
	})
}

// Touch bumps updatedAt to now (monotonic).
func (st *SessionStore) Touch(key string) error {
	now := time.Now().UnixMilli()
	return st.Update(key, func(s *Session) {
		if now > s.UpdatedAt {
			s.UpdatedAt = now
		}
	})
}

// Count returns the number of known sessions.
func (st *SessionStore) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Keys returns every session key.
func (st *SessionStore) Keys() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	keys := make([]string, 0, len(st.sessions))
	for k := range st.sessions {
		keys = append(keys, k)
	}
	return keys
}

// AppendTranscript appends one entry to the session's JSONL log.
func (st *SessionStore) AppendTranscript(key string, entry TranscriptEntry) error {
	if entry.At == 0 {
		entry.At = time.Now().UnixMilli()
	}
	path := filepath.Join(st.logDir, sanitizeFilename(key)+".jsonl")
	return appendJSONL(path, entry)
}

// ReadTranscript returns up to limit most recent transcript entries.
func (st *SessionStore) ReadTranscript(key string, limit int) ([]TranscriptEntry, error) {
	path := filepath.Join(st.logDir, sanitizeFilename(key)+".jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []TranscriptEntry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e TranscriptEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func (st *SessionStore) snapshotLocked() map[string]*Session {
	out := make(map[string]*Session, len(st.sessions))
	for k, v := range st.sessions {
		copied := *v
		out[k] = &copied
	}
	return out
}

func (st *SessionStore) readDisk(key string) (Session, error) {
	data, err := os.ReadFile(st.indexPath)
	if err != nil {
		return Session{}, err
	}
	var all map[string]Session
	if err := json.Unmarshal(data, &all); err != nil {
		return Session{}, err
	}
	s, ok := all[key]
	if !ok {
		return Session{}, os.ErrNotExist
	}
	return s, nil
}

var filenameSanitizer = strings.NewReplacer(":", "_", "/", "_", "\\", "_", " ", "_")

func sanitizeFilename(key string) string {
	return filenameSanitizer.Replace(key)
}
