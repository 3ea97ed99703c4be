package session

import "fmt"

// NotFoundError is returned when a document lookup misses, either against the
// session's registries or the backing store.
type NotFoundError struct {
	Key string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return "document not found"
	}
	return fmt.Sprintf("document %s not found", e.Key)
}

// DuplicateIdentityError is returned when Store resolves an identifier that is
// already bound to a different tracked entity.
type DuplicateIdentityError struct {
	Key string
}

func (e DuplicateIdentityError) Error() string {
	return fmt.Sprintf("document key %s is already bound to a different entity in this session", e.Key)
}

// ReadVetoedError is returned when the server withheld a document's content by
// policy. Trigger names the server-side policy hook, Reason its explanation.
type ReadVetoedError struct {
	Key     string
	Trigger string
	Reason  string
}

func (e ReadVetoedError) Error() string {
	return fmt.Sprintf("read of %s vetoed by %s: %s", e.Key, e.Trigger, e.Reason)
}

// NonAuthoritativeDeniedError is returned on hydrate when the source snapshot
// is subject to an uncommitted write elsewhere and the session disallows
// non-authoritative reads.
type NonAuthoritativeDeniedError struct {
	Key string
}

func (e NonAuthoritativeDeniedError) Error() string {
	return fmt.Sprintf("document %s is non-authoritative and the session disallows non-authoritative reads", e.Key)
}

// UnresolvableTypeError signals that a document carries a type tag with no
// registered Go type. Converters return it to request fallback to the default
// dynamic conversion; Track never surfaces it as a hard failure.
type UnresolvableTypeError struct {
	Tag string
}

func (e UnresolvableTypeError) Error() string {
	return fmt.Sprintf("no type registered for tag %q", e.Tag)
}

// IdentityConversionError is returned when an entity exposes an identifier of
// a non-string type and no identity converter is registered for it.
type IdentityConversionError struct {
	Type string
}

func (e IdentityConversionError) Error() string {
	return fmt.Sprintf("no identity converter registered for identifier type %s", e.Type)
}

// UntrackedEntityError is returned when Delete is called with an entity the
// session has never tracked.
type UntrackedEntityError struct {
	Type string
}

func (e UntrackedEntityError) Error() string {
	return fmt.Sprintf("%s entity is not tracked by this session", e.Type)
}

// BudgetExceededError is returned before a remote call is attempted once the
// session's request ceiling has been reached.
type BudgetExceededError struct {
	Requests int
	Max      int
}

func (e BudgetExceededError) Error() string {
	return fmt.Sprintf("request budget exceeded: %d requests, ceiling %d", e.Requests, e.Max)
}

// VersionTokenFormatError is returned when document metadata carries a version
// token that is not a string.
type VersionTokenFormatError struct {
	Value any
}

func (e VersionTokenFormatError) Error() string {
	return fmt.Sprintf("malformed version token %v (%T)", e.Value, e.Value)
}

// ConcurrencyError is returned by a store backend when a command's version
// token no longer matches the stored document. The session only attaches
// tokens; resolving the conflict is the caller's concern.
type ConcurrencyError struct {
	Key      string
	Expected string
	Actual   string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version token mismatch on %s: sent %q, store has %q", e.Key, e.Expected, e.Actual)
}

// SaveCycleConflictError is returned when one save cycle would both delete and
// write the same key. The cycle is rejected rather than resolved by ordering.
type SaveCycleConflictError struct {
	Key string
}

func (e SaveCycleConflictError) Error() string {
	return fmt.Sprintf("save cycle deletes and writes document %s", e.Key)
}
