// Package session implements the client-side unit of work for a document
// store: an identity map of tracked entities, structural change detection
// against frozen baselines, ordered command-batch construction, and
// exactly-once enlistment in an ambient distributed transaction.
package session

import "encoding/json"

// Reserved metadata keys exchanged with the store. Keys beginning with "@"
// are out-of-band attributes and never part of a document body.
const (
	// MetaKey carries the document key inside metadata.
	MetaKey = "@id"
	// MetaVersionToken carries the optimistic-concurrency token.
	MetaVersionToken = "@etag"
	// MetaCollection carries the collection tag derived from the entity type.
	MetaCollection = "@collection"
	// MetaType carries the Go type tag used to resolve a registered type.
	MetaType = "@type"
	// MetaReadVeto marks a document whose content was withheld by policy.
	// Its value is an object with "trigger" and "reason" fields.
	MetaReadVeto = "@read-veto"
	// MetaNonAuthoritative marks a snapshot subject to an uncommitted write.
	MetaNonAuthoritative = "@non-authoritative"

	// bodyMetadataKey is the embedded metadata object stripped from bodies
	// on hydrate.
	bodyMetadataKey = "@metadata"
)

// DocumentMetadata is the per-entity tracking record. Metadata is the live,
// caller-visible attribute map; OriginalMetadata and OriginalValue are the
// frozen baselines captured at hydrate, first store, or reconciliation, and
// are mutated only by the session.
type DocumentMetadata struct {
	Key              string
	ETag             string
	Metadata         map[string]any
	OriginalMetadata map[string]any
	OriginalValue    json.RawMessage
}

// resolveVersionToken extracts the token from metadata. A missing token is
// fine; a non-string one is a format error.
func resolveVersionToken(metadata map[string]any) (string, error) {
	raw, ok := metadata[MetaVersionToken]
	if !ok || raw == nil {
		return "", nil
	}
	token, ok := raw.(string)
	if !ok {
		return "", VersionTokenFormatError{Value: raw}
	}
	return token, nil
}

// readVeto inspects metadata for the veto marker and decodes its trigger and
// reason when present.
func readVeto(metadata map[string]any) (trigger, reason string, vetoed bool) {
	raw, ok := metadata[MetaReadVeto]
	if !ok || raw == nil {
		return "", "", false
	}
	veto, ok := raw.(map[string]any)
	if !ok {
		return "", "", true
	}
	if t, ok := veto["trigger"].(string); ok {
		trigger = t
	}
	if r, ok := veto["reason"].(string); ok {
		reason = r
	}
	return trigger, reason, true
}

func nonAuthoritative(metadata map[string]any) bool {
	flag, ok := metadata[MetaNonAuthoritative].(bool)
	return ok && flag
}

// cloneRawMessage copies JSON bytes so callers cannot mutate frozen baselines.
func cloneRawMessage(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cloned := make(json.RawMessage, len(raw))
	copy(cloned, raw)
	return cloned
}

// cloneJSONValue deep-copies JSON-shaped values (maps, slices, scalars).
func cloneJSONValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneJSONMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneJSONValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneJSONMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneJSONValue(v)
	}
	return out
}
