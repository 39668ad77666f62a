// Package docstore persists named lists of records as JSON documents on disk.
//
// Each document lives at <dir>/<name>.json. Read-modify-write cycles on one
// document are serialized by a mutex keyed by the document path, and every
// write replaces the file atomically (temp file, fsync, rename).
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"authdesk/internal/apperr"
)

const SchemaVersion = 1

// Document names used by the managers.
const (
	Users         = "users"
	Profiles      = "profiles"
	Tokens        = "tokens"
	Sessions      = "sessions"
	AuditLogs     = "audit_logs"
	Verifications = "verifications"
	ShareRequests = "share_requests"
)

var knownNames = []string{Users, Profiles, Tokens, Sessions, AuditLogs, Verifications, ShareRequests}

type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Records       json.RawMessage `json:"records"`
}

type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func Open(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("docstore: empty data directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("docstore: resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("docstore: create %s: %w", abs, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    abs,
		logger: logger.With("module", "docstore"),
		now:    func() time.Time { return time.Now().UTC() },
		locks:  map[string]*sync.Mutex{},
	}, nil
}

func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Names lists the documents the service knows about, in a stable order.
func (s *Store) Names() []string {
	out := append([]string(nil), knownNames...)
	sort.Strings(out)
	return out
}

func (s *Store) lockFor(name string) *sync.Mutex {
	path := s.Path(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[path]
	if !ok {
		m = &sync.Mutex{}
		s.locks[path] = m
	}
	return m
}

func (s *Store) Exists(name string) (bool, error) {
	_, err := os.Stat(s.Path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, apperr.Storage("stat "+name+" document", err)
}

// readRecords returns the raw records array of a document. A missing file
// yields nil. Caller holds the document lock.
func (s *Store) readRecords(name string) (json.RawMessage, error) {
	raw, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		s.logger.Error("document read failed", "document", name, "error", err)
		return nil, apperr.Storage("read "+name+" document", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	switch raw[0] {
	case '[':
		return json.RawMessage(raw), nil
	case '{':
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Error("document corrupt", "document", name, "error", err)
			return nil, apperr.Storage("decode "+name+" document", err)
		}
		if env.SchemaVersion > SchemaVersion {
			err := fmt.Errorf("schema version %d is newer than supported %d", env.SchemaVersion, SchemaVersion)
			s.logger.Error("document schema unsupported", "document", name, "error", err)
			return nil, apperr.Storage("decode "+name+" document", err)
		}
		return env.Records, nil
	default:
		err := fmt.Errorf("unexpected leading byte %q", raw[0])
		s.logger.Error("document corrupt", "document", name, "error", err)
		return nil, apperr.Storage("decode "+name+" document", err)
	}
}

// writeRecords replaces a document atomically. Caller holds the document lock.
func (s *Store) writeRecords(name string, records any) error {
	body, err := json.Marshal(records)
	if err != nil {
		return apperr.Storage("encode "+name+" document", err)
	}
	raw, err := json.MarshalIndent(envelope{
		SchemaVersion: SchemaVersion,
		UpdatedAt:     s.now(),
		Records:       body,
	}, "", "  ")
	if err != nil {
		return apperr.Storage("encode "+name+" document", err)
	}
	if err := writeFileAtomic(s.Path(name), append(raw, '\n'), 0o600); err != nil {
		s.logger.Error("document write failed", "document", name, "error", err)
		return apperr.Storage("write "+name+" document", err)
	}
	return nil
}

// Snapshot returns the raw records of every known document. Each document is
// read under its own lock; the result is not a cross-document transaction.
func (s *Store) Snapshot(ctx context.Context) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(knownNames))
	for _, name := range s.Names() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m := s.lockFor(name)
		m.Lock()
		recs, err := s.readRecords(name)
		m.Unlock()
		if err != nil {
			return nil, err
		}
		if recs == nil {
			recs = json.RawMessage("[]")
		}
		out[name] = recs
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
