// Package memory provides an in-memory document store used for tests and
// ephemeral environments. It is the reference implementation of the
// session.DocumentStore contract and the transactional core the durable
// backends wrap.
package memory

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"docbase/pkg/session"
)

// Compile-time contract assertion ensuring memory.Store adheres to the store collaborator interface.
var _ session.DocumentStore = (*Store)(nil)

// storedDocument is the committed server-side state of one document.
type storedDocument struct {
	key      string // original casing as first written
	body     json.RawMessage
	metadata map[string]any
	etag     uint64
}

// Snapshot captures a point-in-time clone of the store state for external
// persistence.
type Snapshot struct {
	Documents map[string]SnapshotDocument `json:"documents"`
	NextETag  uint64                      `json:"next_etag"`
}

// SnapshotDocument is the serialized form of one stored document.
type SnapshotDocument struct {
	Key      string          `json:"key"`
	Body     json.RawMessage `json:"body"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	ETag     uint64          `json:"etag"`
}

// Store holds documents keyed case-insensitively with a monotonically
// increasing ETag counter. Batches apply atomically: version tokens are
// validated for every command before any mutation happens.
type Store struct {
	mu       sync.RWMutex
	docs     map[string]*storedDocument
	nextETag uint64
	pending  map[string]struct{}
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		docs:    make(map[string]*storedDocument),
		pending: make(map[string]struct{}),
	}
}

func foldKey(key string) string {
	return strings.ToLower(key)
}

func etagToken(etag uint64) string {
	return strconv.FormatUint(etag, 10)
}

// GetDocument returns the committed document under key.
func (s *Store) GetDocument(_ context.Context, key string) (session.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[foldKey(key)]
	if !ok {
		return session.Document{}, session.NotFoundError{Key: key}
	}
	metadata := cloneMetadata(doc.metadata)
	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata[session.MetaKey] = doc.key
	metadata[session.MetaVersionToken] = etagToken(doc.etag)
	_, nonAuthoritative := s.pending[foldKey(key)]
	return session.Document{
		Body:             cloneRaw(doc.body),
		Metadata:         metadata,
		VersionToken:     etagToken(doc.etag),
		NonAuthoritative: nonAuthoritative,
	}, nil
}

// MarkNonAuthoritative flags or clears a key as subject to an uncommitted
// write elsewhere, so reads report a non-authoritative snapshot.
func (s *Store) MarkNonAuthoritative(key string, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending {
		s.pending[foldKey(key)] = struct{}{}
		return
	}
	delete(s.pending, foldKey(key))
}

// ExecuteBatch applies the ordered commands atomically and returns one result
// per command in input order. A put under a prefix key (trailing separator)
// receives a store-assigned key.
func (s *Store) ExecuteBatch(_ context.Context, commands []session.Command) ([]session.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cmd := range commands {
		if cmd.VersionToken == "" {
			continue
		}
		existing, ok := s.docs[foldKey(cmd.Key)]
		if !ok {
			return nil, session.ConcurrencyError{Key: cmd.Key, Expected: cmd.VersionToken}
		}
		if actual := etagToken(existing.etag); actual != cmd.VersionToken {
			return nil, session.ConcurrencyError{Key: cmd.Key, Expected: cmd.VersionToken, Actual: actual}
		}
	}

	results := make([]session.CommandResult, 0, len(commands))
	for _, cmd := range commands {
		switch cmd.Method {
		case session.MethodDelete:
			delete(s.docs, foldKey(cmd.Key))
			results = append(results, session.CommandResult{Method: session.MethodDelete, Key: cmd.Key})
		case session.MethodPut:
			s.nextETag++
			key := cmd.Key
			if strings.HasSuffix(key, "/") {
				key += etagToken(s.nextETag)
			}
			metadata := cloneMetadata(cmd.Metadata)
			delete(metadata, session.MetaKey)
			delete(metadata, session.MetaVersionToken)
			s.docs[foldKey(key)] = &storedDocument{
				key:      key,
				body:     cloneRaw(cmd.Body),
				metadata: metadata,
				etag:     s.nextETag,
			}
			resultMeta := cloneMetadata(metadata)
			if resultMeta == nil {
				resultMeta = make(map[string]any)
			}
			resultMeta[session.MetaKey] = key
			resultMeta[session.MetaVersionToken] = etagToken(s.nextETag)
			results = append(results, session.CommandResult{
				Method:       session.MethodPut,
				Key:          key,
				VersionToken: etagToken(s.nextETag),
				Metadata:     resultMeta,
			})
		default:
			return nil, session.NotFoundError{Key: cmd.Key}
		}
	}
	return results, nil
}

// Len returns the number of committed documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := Snapshot{
		Documents: make(map[string]SnapshotDocument, len(s.docs)),
		NextETag:  s.nextETag,
	}
	for fold, doc := range s.docs {
		snapshot.Documents[fold] = SnapshotDocument{
			Key:      doc.key,
			Body:     cloneRaw(doc.body),
			Metadata: cloneMetadata(doc.metadata),
			ETag:     doc.etag,
		}
	}
	return snapshot
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[string]*storedDocument, len(snapshot.Documents))
	for fold, doc := range snapshot.Documents {
		s.docs[fold] = &storedDocument{
			key:      doc.Key,
			body:     cloneRaw(doc.Body),
			metadata: cloneMetadata(doc.Metadata),
			etag:     doc.ETag,
		}
	}
	s.nextETag = snapshot.NextETag
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cloned := make(json.RawMessage, len(raw))
	copy(cloned, raw)
	return cloned
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneMetadata(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
