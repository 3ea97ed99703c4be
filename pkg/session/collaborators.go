package session

import (
	"context"
	"encoding/json"
)

// Document is a store snapshot of a single document as returned by a Fetcher.
type Document struct {
	Body             json.RawMessage
	Metadata         map[string]any
	VersionToken     string
	NonAuthoritative bool
}

// Fetcher retrieves single documents from the store. A miss is reported as
// NotFoundError.
type Fetcher interface {
	GetDocument(ctx context.Context, key string) (Document, error)
}

// CommandMethod identifies a batch command kind.
type CommandMethod string

const (
	// MethodPut writes a document body and metadata under a key.
	MethodPut CommandMethod = "PUT"
	// MethodDelete removes the document under a key.
	MethodDelete CommandMethod = "DELETE"
)

// Command is one entry of an ordered persistence batch. VersionToken is empty
// unless the session runs with optimistic concurrency enabled.
type Command struct {
	Method       CommandMethod
	Key          string
	Body         json.RawMessage
	Metadata     map[string]any
	VersionToken string
}

// CommandResult reports the outcome of one command, positionally aligned with
// the submitted batch.
type CommandResult struct {
	Method       CommandMethod
	Key          string
	VersionToken string
	Metadata     map[string]any
}

// BatchExecutor applies an ordered command batch atomically and returns one
// result per command, in input order.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, commands []Command) ([]CommandResult, error)
}

// DocumentStore is the full store collaborator contract the reference
// backends implement.
type DocumentStore interface {
	Fetcher
	BatchExecutor
}
