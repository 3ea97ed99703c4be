package session

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// convertEntity serializes an entity to document form and runs the
// on-convert listeners. Listeners may rewrite the body or metadata in place;
// because conversion runs before every structural comparison they must be
// idempotent.
func (s *Session) convertEntity(rec *trackedDocument) (map[string]any, error) {
	body, err := s.opts.Converter.ToDocument(rec.entity)
	if err != nil {
		return nil, err
	}
	for _, fn := range s.onConvert {
		if err := fn(rec.meta.Key, body, rec.meta.Metadata); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// changedRecord reports whether a record differs structurally from its
// baselines and returns the freshly converted body for reuse by the command
// builder.
func (s *Session) changedRecord(rec *trackedDocument) (bool, map[string]any, error) {
	body, err := s.convertEntity(rec)
	if err != nil {
		return false, nil, err
	}
	if rec.meta.OriginalValue == nil {
		// No baseline yet: fresh store, dirty until first successful save.
		return true, body, nil
	}
	live, err := json.Marshal(body)
	if err != nil {
		return false, nil, fmt.Errorf("serialize %s for comparison: %w", rec.meta.Key, err)
	}
	if !jsonpatch.Equal(live, rec.meta.OriginalValue) {
		return true, body, nil
	}
	same, err := metadataEqual(rec.meta.Metadata, rec.meta.OriginalMetadata)
	if err != nil {
		return false, nil, err
	}
	return !same, body, nil
}

// metadataEqual compares two metadata maps structurally: key order is
// irrelevant, array elements compare in order.
func metadataEqual(live, baseline map[string]any) (bool, error) {
	a, err := json.Marshal(live)
	if err != nil {
		return false, fmt.Errorf("serialize metadata: %w", err)
	}
	b, err := json.Marshal(baseline)
	if err != nil {
		return false, fmt.Errorf("serialize metadata: %w", err)
	}
	return jsonpatch.Equal(a, b), nil
}

// Changed reports whether a tracked entity differs from its baseline. An
// untracked entity is never changed.
func (s *Session) Changed(entity any) (bool, error) {
	rec, ok := s.record(entity)
	if !ok {
		return false, nil
	}
	changed, _, err := s.changedRecord(rec)
	return changed, err
}

// HasChanges reports whether the next save cycle would emit any command:
// a pending deletion or any structurally changed entity.
func (s *Session) HasChanges() (bool, error) {
	if len(s.deletion) > 0 {
		return true, nil
	}
	for _, rec := range s.order {
		changed, _, err := s.changedRecord(rec)
		if err != nil {
			return false, err
		}
		if changed {
			return true, nil
		}
	}
	return false, nil
}
