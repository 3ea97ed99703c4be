package session

// Listener callbacks run synchronously, in registration order, at the defined
// points of the save cycle. A returned error propagates to the caller and
// aborts the in-progress cycle.
type (
	// StoreListener runs before or after a changed entity is written.
	StoreListener func(key string, entity any, metadata map[string]any) error
	// DeleteListener runs before a pending deletion is turned into a command.
	DeleteListener func(key string, entity any, metadata map[string]any) error
	// ConvertListener runs every time an entity is converted to document
	// form, before any structural comparison. It may rewrite body or
	// metadata in place and therefore must be deterministic: a
	// non-idempotent listener makes entities appear perpetually dirty.
	ConvertListener func(key string, body map[string]any, metadata map[string]any) error
	// StoredListener is notified after a Put result has been reconciled.
	StoredListener func(key string, entity any)
)

// OnBeforeStore registers a listener invoked for each changed entity before
// its Put command is built.
func (s *Session) OnBeforeStore(fn StoreListener) {
	s.beforeStore = append(s.beforeStore, fn)
}

// OnAfterStore registers a listener invoked after a Put result is reconciled.
func (s *Session) OnAfterStore(fn StoreListener) {
	s.afterStore = append(s.afterStore, fn)
}

// OnBeforeDelete registers a listener invoked before a Delete command is built.
func (s *Session) OnBeforeDelete(fn DeleteListener) {
	s.beforeDelete = append(s.beforeDelete, fn)
}

// OnConvert registers a listener invoked on every entity-to-document
// conversion.
func (s *Session) OnConvert(fn ConvertListener) {
	s.onConvert = append(s.onConvert, fn)
}

// OnStored registers the stored notification fired during reconciliation.
func (s *Session) OnStored(fn StoredListener) {
	s.onStored = append(s.onStored, fn)
}
