package session

import (
	"context"
	"encoding/json"
	"fmt"
)

// SaveBatch is an ordered command list paired with the positionally aligned
// entities that produced it: deletions first, then puts, in encounter order.
type SaveBatch struct {
	Commands []Command
	Entities []any
}

// BuildSaveBatch runs one save cycle up to the transport boundary: it
// attempts transaction enlistment, turns the deletion set and every changed
// entity into commands, and returns the batch for an external executor.
//
// Pending deletions leave the session's registries here; changed entities
// only give up their identity-map binding, which Reconcile restores under
// the result key. A cycle that would both delete and write one key is
// rejected with SaveCycleConflictError.
func (s *Session) BuildSaveBatch() (*SaveBatch, error) {
	if err := s.enlistTransaction(); err != nil {
		return nil, err
	}

	batch := &SaveBatch{}
	deletedKeys := make(map[string]struct{}, len(s.deletion))
	for _, rec := range s.deletion {
		key := rec.meta.Key
		token := rec.meta.ETag
		rec.pendingDelete = false
		delete(s.byEntity, rec.handle)
		if bound, ok := s.byKey[foldKey(key)]; ok && bound == rec {
			delete(s.byKey, foldKey(key))
		}
		s.order = removeRecord(s.order, rec)
		for _, fn := range s.beforeDelete {
			if err := fn(key, rec.entity, rec.meta.Metadata); err != nil {
				return nil, err
			}
		}
		cmd := Command{Method: MethodDelete, Key: key}
		if s.opts.UseOptimisticConcurrency {
			cmd.VersionToken = token
		}
		batch.Commands = append(batch.Commands, cmd)
		batch.Entities = append(batch.Entities, rec.entity)
		deletedKeys[foldKey(key)] = struct{}{}
	}
	s.deletion = nil

	tracked := make([]*trackedDocument, len(s.order))
	copy(tracked, s.order)
	for _, rec := range tracked {
		changed, _, err := s.changedRecord(rec)
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}
		key := rec.meta.Key
		if _, conflict := deletedKeys[foldKey(key)]; conflict {
			return nil, SaveCycleConflictError{Key: key}
		}
		for _, fn := range s.beforeStore {
			if err := fn(key, rec.entity, rec.meta.Metadata); err != nil {
				return nil, err
			}
		}
		// Serialize after the listeners so their mutations are persisted.
		body, err := s.convertEntity(rec)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("serialize %s: %w", key, err)
		}
		if bound, ok := s.byKey[foldKey(key)]; ok && bound == rec {
			delete(s.byKey, foldKey(key))
		}
		cmd := Command{
			Method:   MethodPut,
			Key:      key,
			Body:     raw,
			Metadata: cloneJSONMap(rec.meta.Metadata),
		}
		if s.opts.UseOptimisticConcurrency {
			cmd.VersionToken = rec.meta.ETag
		}
		batch.Commands = append(batch.Commands, cmd)
		batch.Entities = append(batch.Entities, rec.entity)
	}
	return batch, nil
}

// Reconcile folds batch results back into the session in input order. Put
// results rebind the identity map under the result key, refresh the
// baselines and version token to the just-persisted state, inject the key
// onto the entity, and fire the stored notification and after-store
// listeners. Delete results need no further registry update.
func (s *Session) Reconcile(results []CommandResult, entities []any) error {
	if len(results) != len(entities) {
		return fmt.Errorf("reconcile: %d results for %d entities", len(results), len(entities))
	}
	for i, res := range results {
		if res.Method != MethodPut {
			continue
		}
		entity := entities[i]
		rec, ok := s.record(entity)
		if !ok {
			return fmt.Errorf("reconcile: entity for %s is no longer tracked", res.Key)
		}
		rec.meta.Key = res.Key
		rec.meta.ETag = res.VersionToken
		if !isPrefixKey(res.Key) {
			s.byKey[foldKey(res.Key)] = rec
		}
		if accessor, ok := identifierAccessorFor(entity, s.opts.IdentityConverters); ok {
			if err := accessor.Set(res.Key); err != nil {
				return err
			}
		}
		rec.meta.Metadata = cloneJSONMap(res.Metadata)
		if rec.meta.Metadata == nil {
			rec.meta.Metadata = make(map[string]any)
		}
		rec.meta.OriginalMetadata = cloneJSONMap(rec.meta.Metadata)
		body, err := s.convertEntity(rec)
		if err != nil {
			return err
		}
		baseline, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", res.Key, err)
		}
		rec.meta.OriginalValue = baseline
		for _, fn := range s.onStored {
			fn(res.Key, entity)
		}
		for _, fn := range s.afterStore {
			if err := fn(res.Key, entity, rec.meta.Metadata); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveChanges runs a full save cycle against the session's batch executor:
// build, execute, reconcile. An empty batch performs no remote call.
func (s *Session) SaveChanges(ctx context.Context) error {
	batch, err := s.BuildSaveBatch()
	if err != nil {
		return err
	}
	if len(batch.Commands) == 0 {
		return nil
	}
	if s.store == nil {
		return fmt.Errorf("session has no batch executor")
	}
	if err := s.IncrementRequestCount(); err != nil {
		return err
	}
	results, err := s.store.ExecuteBatch(ctx, batch.Commands)
	if err != nil {
		return err
	}
	return s.Reconcile(results, batch.Entities)
}
