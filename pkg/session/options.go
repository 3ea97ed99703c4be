package session

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRequests is the request-budget ceiling applied when Options does
// not set one.
const DefaultMaxRequests = 30

// DefaultNonAuthoritativeTimeout bounds how long a surrounding load path may
// wait for an authoritative snapshot. The session only exposes the value; it
// never waits itself.
const DefaultNonAuthoritativeTimeout = 15 * time.Second

// Options configures a session. The zero value is usable: DefaultOptions
// fills the commonly wanted defaults and is the usual starting point.
type Options struct {
	// ResourceManagerID identifies this client as a durable transaction
	// participant.
	ResourceManagerID uuid.UUID
	// MaxRequests caps remote calls per session; 0 means DefaultMaxRequests.
	MaxRequests int
	// UseOptimisticConcurrency attaches version tokens to commands.
	UseOptimisticConcurrency bool
	// AllowNonAuthoritative permits hydrating snapshots that are subject to
	// an uncommitted write elsewhere.
	AllowNonAuthoritative bool
	// NonAuthoritativeTimeout is surfaced to the surrounding load path for
	// its wait/retry policy; 0 means DefaultNonAuthoritativeTimeout.
	NonAuthoritativeTimeout time.Duration
	// Transaction is the ambient transaction this session enlists in, if any.
	Transaction *TransactionHandle
	// Converter overrides the built-in entity conversion.
	Converter EntityConverter
	// KeyGenerator overrides the built-in ULID key generator.
	KeyGenerator KeyGenerator
	// Types resolves document type tags to registered Go types.
	Types *TypeRegistry
	// IdentityConverters map non-string identifier field types to their
	// string key form.
	IdentityConverters map[reflect.Type]IdentityConverter
}

// DefaultOptions returns the baseline configuration: fresh resource-manager
// identity, default ceilings, non-authoritative reads allowed.
func DefaultOptions() Options {
	return Options{
		ResourceManagerID:       uuid.New(),
		MaxRequests:             DefaultMaxRequests,
		AllowNonAuthoritative:   true,
		NonAuthoritativeTimeout: DefaultNonAuthoritativeTimeout,
	}
}

func (o Options) normalized() Options {
	if o.ResourceManagerID == uuid.Nil {
		o.ResourceManagerID = uuid.New()
	}
	if o.MaxRequests <= 0 {
		o.MaxRequests = DefaultMaxRequests
	}
	if o.NonAuthoritativeTimeout <= 0 {
		o.NonAuthoritativeTimeout = DefaultNonAuthoritativeTimeout
	}
	if o.KeyGenerator == nil {
		o.KeyGenerator = NewULIDKeyGenerator()
	}
	if o.Converter == nil {
		o.Converter = defaultConverter{types: o.Types}
	}
	return o
}
