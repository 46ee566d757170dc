// Package store implements the Session Store (C1): an append-only
// per-session journal of messages plus header metadata, persisted as one
// JSON-lines file per session with a leading header record.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kestrelrun/agentcore/pkg/models"
)

// ErrSessionNotFound names the missing-session condition. No Store
// operation returns it: each one treats a session without a journal as
// empty, and Append creates the journal.
var ErrSessionNotFound = errors.New("store: session not found")

// sessionMutex serializes all writers and rewriters for one session so
// that a reader never observes a torn view mid-rewrite.
type sessionMutex struct {
	mu sync.Mutex
}

// Store is a filesystem-backed Session Store. One journal file per session
// lives at <dir>/<session_id>.jsonl.
type Store struct {
	dir    string
	locks  sync.Map // map[string]*sessionMutex
	inMem  sync.Map // map[string]*models.Session, lazily-initialized headers
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) journalPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(sessionID, &sessionMutex{})
	return &m.(*sessionMutex).mu
}

type journalLine struct {
	Header  *models.SessionHeader `json:"header,omitempty"`
	Message *models.Message       `json:"message,omitempty"`
}

// readJournal loads the full journal: header (zero value if file absent)
// plus ordered messages. Caller must hold the session lock.
func (s *Store) readJournal(sessionID string) (models.SessionHeader, []models.Message, error) {
	path := s.journalPath(sessionID)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return models.SessionHeader{SessionID: sessionID}, nil, nil
	}
	if err != nil {
		return models.SessionHeader{}, nil, fmt.Errorf("store: open journal: %w", err)
	}
	defer f.Close()

	var header models.SessionHeader
	var messages []models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var jl journalLine
		if err := json.Unmarshal(line, &jl); err != nil {
			return models.SessionHeader{}, nil, fmt.Errorf("store: corrupt journal line: %w", err)
		}
		if first && jl.Header != nil {
			header = *jl.Header
			first = false
			continue
		}
		first = false
		if jl.Message != nil {
			messages = append(messages, *jl.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return models.SessionHeader{}, nil, fmt.Errorf("store: scan journal: %w", err)
	}
	if header.SessionID == "" {
		header.SessionID = sessionID
	}
	return header, messages, nil
}

// writeJournal rewrites the full journal atomically: write a temp file,
// fsync, then rename over the original. Caller must hold the session lock.
func (s *Store) writeJournal(sessionID string, header models.SessionHeader, messages []models.Message) error {
	path := s.journalPath(sessionID)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: create temp journal: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	if err := enc.Encode(journalLine{Header: &header}); err != nil {
		f.Close()
		return fmt.Errorf("store: encode header: %w", err)
	}
	for i := range messages {
		if err := enc.Encode(journalLine{Message: &messages[i]}); err != nil {
			f.Close()
			return fmt.Errorf("store: encode message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("store: flush temp journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("store: fsync temp journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("store: close temp journal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename temp journal: %w", err)
	}
	return nil
}

// Open returns the current Session, auto-initializing an empty header if
// the journal does not exist yet. It does not create the journal file;
// that happens lazily on first Append.
func (s *Store) Open(sessionID string) (models.Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	header, messages, err := s.readJournal(sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now()
	}
	return models.Session{Header: header, Messages: messages}, nil
}

// Append adds one message to the session's journal, creating and
// initializing the session if it does not yet exist. The append is
// flushed (fsync'd) before this call returns.
func (s *Store) Append(sessionID string, msg models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	header, messages, err := s.readJournal(sessionID)
	if err != nil {
		return err
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now()
	}
	messages = append(messages, msg)
	return s.writeJournal(sessionID, header, messages)
}

// ReplacePrefix replaces messages[:upToIndex] with a single summary
// message, implemented by rewriting the journal to a temp file and
// atomically renaming — concurrent readers see either the pre- or
// post-rewrite state, never a torn view.
func (s *Store) ReplacePrefix(sessionID string, upToIndex int, summary models.Message) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	header, messages, err := s.readJournal(sessionID)
	if err != nil {
		return err
	}
	if upToIndex < 0 {
		upToIndex = 0
	}
	if upToIndex > len(messages) {
		upToIndex = len(messages)
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now()
	}
	newMessages := make([]models.Message, 0, len(messages)-upToIndex+1)
	newMessages = append(newMessages, summary)
	newMessages = append(newMessages, messages[upToIndex:]...)
	return s.writeJournal(sessionID, header, newMessages)
}

// Snapshot returns an immutable ordered copy of a session's messages.
func (s *Store) Snapshot(sessionID string) ([]models.Message, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	_, messages, err := s.readJournal(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out, nil
}

// UpdateHeader applies patch to the session header, rewriting the journal
// atomically.
func (s *Store) UpdateHeader(sessionID string, patch models.HeaderPatch) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	header, messages, err := s.readJournal(sessionID)
	if err != nil {
		return err
	}
	if patch.Provider != nil {
		header.Provider = *patch.Provider
	}
	if patch.Model != nil {
		header.Model = *patch.Model
	}
	if patch.WorkspaceDir != nil {
		header.WorkspaceDir = *patch.WorkspaceDir
	}
	if patch.UsageDelta != nil {
		header.Usage.Add(*patch.UsageDelta)
	}
	if patch.ParentSessionID != nil {
		header.ParentSessionID = *patch.ParentSessionID
	}
	if patch.Depth != nil {
		header.Depth = *patch.Depth
	}
	return s.writeJournal(sessionID, header, messages)
}
