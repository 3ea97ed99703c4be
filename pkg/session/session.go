package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"
)

// Session is the unit of work. It keeps the bidirectional key/entity
// registries, the deletion set, the request budget, and the transaction
// enlistment state for one logical interaction with the store.
//
// A session must be confined to a single logical unit of work; its registries
// are not safe for concurrent mutation. The sole exception is the enlistment
// state, which tolerates coordinator callbacks from other goroutines.
type Session struct {
	opts  Options
	store DocumentStore

	byKey    map[string]*trackedDocument
	byEntity map[uintptr]*trackedDocument
	order    []*trackedDocument
	deletion []*trackedDocument

	requests int

	enlisted   atomic.Bool
	enlistment *Enlistment

	beforeStore  []StoreListener
	afterStore   []StoreListener
	beforeDelete []DeleteListener
	onConvert    []ConvertListener
	onStored     []StoredListener
}

// trackedDocument binds an entity reference to its tracking record.
type trackedDocument struct {
	entity        any
	handle        uintptr
	meta          *DocumentMetadata
	pendingDelete bool
}

// New constructs a session over the given store collaborator. The store may
// be nil for a purely local unit of work; Load and SaveChanges then fail.
func New(store DocumentStore, opts Options) *Session {
	return &Session{
		opts:     opts.normalized(),
		store:    store,
		byKey:    make(map[string]*trackedDocument),
		byEntity: make(map[uintptr]*trackedDocument),
	}
}

// foldKey normalizes a key for identity-map lookups. Keys compare
// case-insensitively; the stored casing is preserved in metadata.
func foldKey(key string) string {
	return strings.ToLower(key)
}

// entityHandle issues the reference-identity handle for an entity. Entities
// must be pointer-shaped (pointer or map) so that two structurally equal
// values remain distinct tracking subjects.
func entityHandle(entity any) (uintptr, error) {
	v := reflect.ValueOf(entity)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map:
		if v.IsNil() {
			return 0, fmt.Errorf("cannot track nil %T", entity)
		}
		return v.Pointer(), nil
	default:
		return 0, fmt.Errorf("entity must be a pointer or map, got %T", entity)
	}
}

func (s *Session) record(entity any) (*trackedDocument, bool) {
	handle, err := entityHandle(entity)
	if err != nil {
		return nil, false
	}
	rec, ok := s.byEntity[handle]
	return rec, ok
}

// Track hydrates a document into the session. When the key is already
// tracked the existing entity is returned unchanged: in-memory edits win
// over re-hydration. Otherwise the document is vetted (read veto,
// non-authoritative gate, version-token format), converted into an entity,
// and registered with frozen deep-copy baselines.
func (s *Session) Track(key string, body json.RawMessage, metadata map[string]any) (any, error) {
	if key == "" {
		return nil, fmt.Errorf("track: empty document key")
	}
	if rec, ok := s.byKey[foldKey(key)]; ok {
		return rec.entity, nil
	}
	metadata = cloneJSONMap(metadata)
	if metadata == nil {
		metadata = make(map[string]any)
	}
	if trigger, reason, vetoed := readVeto(metadata); vetoed {
		return nil, ReadVetoedError{Key: key, Trigger: trigger, Reason: reason}
	}
	if nonAuthoritative(metadata) && !s.opts.AllowNonAuthoritative {
		return nil, NonAuthoritativeDeniedError{Key: key}
	}
	token, err := resolveVersionToken(metadata)
	if err != nil {
		return nil, err
	}

	entity, err := s.opts.Converter.FromDocument(key, body, metadata)
	if err != nil {
		var unresolvable UnresolvableTypeError
		if !errors.As(err, &unresolvable) {
			return nil, err
		}
		// Unknown type tag falls back to the dynamic conversion.
		entity, err = defaultConverter{}.FromDocument(key, body, map[string]any{})
		if err != nil {
			return nil, err
		}
	}

	baseline, err := stripInternalMarkers(body)
	if err != nil {
		return nil, err
	}
	return s.register(key, entity, &DocumentMetadata{
		Key:              key,
		ETag:             token,
		Metadata:         metadata,
		OriginalMetadata: cloneJSONMap(metadata),
		OriginalValue:    baseline,
	})
}

// trackExisting registers a caller-held entity under a fetched document,
// used by the lazy hydrate path of MetadataFor.
func (s *Session) trackExisting(key string, entity any, doc Document) error {
	metadata := cloneJSONMap(doc.Metadata)
	if metadata == nil {
		metadata = make(map[string]any)
	}
	if doc.VersionToken != "" {
		metadata[MetaVersionToken] = doc.VersionToken
	}
	if trigger, reason, vetoed := readVeto(metadata); vetoed {
		return ReadVetoedError{Key: key, Trigger: trigger, Reason: reason}
	}
	if doc.NonAuthoritative && !s.opts.AllowNonAuthoritative {
		return NonAuthoritativeDeniedError{Key: key}
	}
	baseline, err := stripInternalMarkers(doc.Body)
	if err != nil {
		return err
	}
	_, err = s.register(key, entity, &DocumentMetadata{
		Key:              key,
		ETag:             doc.VersionToken,
		Metadata:         metadata,
		OriginalMetadata: cloneJSONMap(metadata),
		OriginalValue:    baseline,
	})
	return err
}

func (s *Session) register(key string, entity any, meta *DocumentMetadata) (any, error) {
	handle, err := entityHandle(entity)
	if err != nil {
		return nil, err
	}
	rec := &trackedDocument{entity: entity, handle: handle, meta: meta}
	s.byEntity[handle] = rec
	if key != "" && !isPrefixKey(key) {
		s.byKey[foldKey(key)] = rec
	}
	s.order = append(s.order, rec)
	return entity, nil
}

// isPrefixKey reports whether a key is a prefix identifier: the store assigns
// the final key, so the binding is exempt from duplicate conflicts.
func isPrefixKey(key string) bool {
	return strings.HasSuffix(key, "/")
}

// stripInternalMarkers removes out-of-band "@" attributes from a document
// body before it is frozen as a baseline.
func stripInternalMarkers(body json.RawMessage) (json.RawMessage, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("strip metadata markers: %w", err)
	}
	delete(doc, bodyMetadataKey)
	for k := range doc {
		if strings.HasPrefix(k, "@") {
			delete(doc, k)
		}
	}
	stripped, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("strip metadata markers: %w", err)
	}
	return stripped, nil
}

// Store registers a fresh entity for persistence. The identifier is taken
// from the entity when it exposes one, otherwise requested from the key
// generator. Fresh records carry empty baselines, so a stored entity is
// always reported changed until its first successful save.
func (s *Session) Store(entity any) error {
	handle, err := entityHandle(entity)
	if err != nil {
		return err
	}
	if _, ok := s.byEntity[handle]; ok {
		// Same reference stored twice is a no-op.
		return nil
	}

	var key string
	accessor, hasAccessor := identifierAccessorFor(entity, s.opts.IdentityConverters)
	if hasAccessor {
		key, err = accessor.Get()
		if err != nil {
			return err
		}
	}
	if key == "" {
		key, err = s.opts.KeyGenerator.GenerateKey(entity)
		if err != nil {
			return err
		}
	}
	if other, ok := s.byKey[foldKey(key)]; ok && other.handle != handle && !isPrefixKey(key) {
		return DuplicateIdentityError{Key: key}
	}

	_, err = s.register(key, entity, &DocumentMetadata{
		Key:      key,
		Metadata: map[string]any{MetaCollection: TagFor(entity)},
	})
	return err
}

// Delete marks a tracked entity for deletion at the next save cycle. Marking
// the same entity twice is a no-op.
func (s *Session) Delete(entity any) error {
	rec, ok := s.record(entity)
	if !ok {
		return UntrackedEntityError{Type: fmt.Sprintf("%T", entity)}
	}
	if rec.pendingDelete {
		return nil
	}
	rec.pendingDelete = true
	s.deletion = append(s.deletion, rec)
	return nil
}

// Evict removes an entity from all session registries. Evicting an unknown
// entity is a no-op.
func (s *Session) Evict(entity any) {
	rec, ok := s.record(entity)
	if !ok {
		return
	}
	s.drop(rec)
}

func (s *Session) drop(rec *trackedDocument) {
	delete(s.byEntity, rec.handle)
	if rec.meta.Key != "" {
		fold := foldKey(rec.meta.Key)
		if bound, ok := s.byKey[fold]; ok && bound == rec {
			delete(s.byKey, fold)
		}
	}
	s.order = removeRecord(s.order, rec)
	if rec.pendingDelete {
		rec.pendingDelete = false
		s.deletion = removeRecord(s.deletion, rec)
	}
}

func removeRecord(recs []*trackedDocument, rec *trackedDocument) []*trackedDocument {
	for i, r := range recs {
		if r == rec {
			return append(recs[:i], recs[i+1:]...)
		}
	}
	return recs
}

// Clear atomically empties every registry, resets the request counter, and
// drops the enlistment so a reused session re-enlists for a new ambient
// transaction.
func (s *Session) Clear() {
	s.byKey = make(map[string]*trackedDocument)
	s.byEntity = make(map[uintptr]*trackedDocument)
	s.order = nil
	s.deletion = nil
	s.requests = 0
	s.enlisted.Store(false)
	s.enlistment = nil
}

// DocumentID returns the key a tracked entity is bound to.
func (s *Session) DocumentID(entity any) (string, bool) {
	rec, ok := s.record(entity)
	if !ok {
		return "", false
	}
	return rec.meta.Key, true
}

// MetadataFor returns the live metadata map of a tracked entity. An
// untracked entity that exposes a resolvable identifier is lazily hydrated
// from the store first; otherwise the lookup fails with NotFoundError.
func (s *Session) MetadataFor(ctx context.Context, entity any) (map[string]any, error) {
	if rec, ok := s.record(entity); ok {
		return rec.meta.Metadata, nil
	}
	accessor, ok := identifierAccessorFor(entity, s.opts.IdentityConverters)
	if !ok {
		return nil, NotFoundError{}
	}
	key, err := accessor.Get()
	if err != nil {
		return nil, err
	}
	if key == "" || s.store == nil {
		return nil, NotFoundError{Key: key}
	}
	if err := s.IncrementRequestCount(); err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.trackExisting(key, entity, doc); err != nil {
		return nil, err
	}
	rec, _ := s.record(entity)
	return rec.meta.Metadata, nil
}

// Load fetches a document and tracks it. A key already present in the
// identity map resolves locally without a remote call.
func (s *Session) Load(ctx context.Context, key string) (any, error) {
	if rec, ok := s.byKey[foldKey(key)]; ok {
		return rec.entity, nil
	}
	if s.store == nil {
		return nil, NotFoundError{Key: key}
	}
	if err := s.IncrementRequestCount(); err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, key)
	if err != nil {
		return nil, err
	}
	metadata := cloneJSONMap(doc.Metadata)
	if metadata == nil {
		metadata = make(map[string]any)
	}
	if doc.VersionToken != "" {
		metadata[MetaVersionToken] = doc.VersionToken
	}
	if doc.NonAuthoritative {
		metadata[MetaNonAuthoritative] = true
	}
	return s.Track(key, doc.Body, metadata)
}

// IncrementRequestCount consumes one unit of the request budget, failing
// fast with BudgetExceededError before the remote call is attempted.
func (s *Session) IncrementRequestCount() error {
	s.requests++
	if s.requests > s.opts.MaxRequests {
		return BudgetExceededError{Requests: s.requests, Max: s.opts.MaxRequests}
	}
	return nil
}

// DecrementRequestCount compensates for a logically undone remote call, such
// as a deduplicated retry. It is never applied automatically.
func (s *Session) DecrementRequestCount() {
	if s.requests > 0 {
		s.requests--
	}
}

// RequestCount returns the number of budget units consumed so far.
func (s *Session) RequestCount() int {
	return s.requests
}

// NonAuthoritativeTimeout exposes the configured wait bound for the
// surrounding load path. The session itself never waits.
func (s *Session) NonAuthoritativeTimeout() time.Duration {
	return s.opts.NonAuthoritativeTimeout
}

// TrackedCount returns the number of entities currently tracked.
func (s *Session) TrackedCount() int {
	return len(s.byEntity)
}
