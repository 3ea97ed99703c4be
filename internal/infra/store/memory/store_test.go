package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"docbase/pkg/session"
)

func put(key, body string) session.Command {
	return session.Command{Method: session.MethodPut, Key: key, Body: json.RawMessage(body)}
}

func TestPutAndGetRoundTrip(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	results, err := store.ExecuteBatch(ctx, []session.Command{put("users/1", `{"name":"Ada"}`)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != 1 || results[0].Key != "users/1" || results[0].VersionToken == "" {
		t.Fatalf("unexpected result %+v", results[0])
	}

	doc, err := store.GetDocument(ctx, "users/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(string(doc.Body), `"Ada"`) {
		t.Fatalf("unexpected body %s", doc.Body)
	}
	if doc.VersionToken != results[0].VersionToken {
		t.Fatalf("token mismatch: %q vs %q", doc.VersionToken, results[0].VersionToken)
	}
	if doc.Metadata[session.MetaKey] != "users/1" {
		t.Fatalf("expected key in metadata, got %v", doc.Metadata)
	}
}

func TestGetMissingDocument(t *testing.T) {
	store := NewStore()
	_, err := store.GetDocument(context.Background(), "users/404")
	var notFound session.NotFoundError
	if !errors.As(err, &notFound) || notFound.Key != "users/404" {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestKeysFoldCaseButPreserveCasing(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.ExecuteBatch(ctx, []session.Command{put("Users/Ada", `{}`)}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	doc, err := store.GetDocument(ctx, "users/ada")
	if err != nil {
		t.Fatalf("get folded: %v", err)
	}
	if doc.Metadata[session.MetaKey] != "Users/Ada" {
		t.Fatalf("expected original casing, got %v", doc.Metadata[session.MetaKey])
	}
	if store.Len() != 1 {
		t.Fatalf("expected one document, got %d", store.Len())
	}
}

func TestVersionTokensAdvancePerWrite(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	first, err := store.ExecuteBatch(ctx, []session.Command{put("users/1", `{"v":1}`)})
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	second, err := store.ExecuteBatch(ctx, []session.Command{put("users/1", `{"v":2}`)})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if first[0].VersionToken == second[0].VersionToken {
		t.Fatalf("expected advancing tokens, both %q", first[0].VersionToken)
	}
}

func TestConcurrencyValidationBeforeAnyApply(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	results, err := store.ExecuteBatch(ctx, []session.Command{put("users/1", `{"v":1}`)})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	stale := session.Command{
		Method:       session.MethodPut,
		Key:          "users/1",
		Body:         json.RawMessage(`{"v":3}`),
		VersionToken: "999",
	}
	// First command is valid but must not be applied when a later one fails.
	batch := []session.Command{put("users/2", `{"v":1}`), stale}
	_, err = store.ExecuteBatch(ctx, batch)
	var conflict session.ConcurrencyError
	if !errors.As(err, &conflict) || conflict.Key != "users/1" {
		t.Fatalf("expected ConcurrencyError for users/1, got %v", err)
	}
	if conflict.Actual != results[0].VersionToken {
		t.Fatalf("expected actual token %q, got %q", results[0].VersionToken, conflict.Actual)
	}
	if _, err := store.GetDocument(ctx, "users/2"); err == nil {
		t.Fatal("no command of a failed batch may be applied")
	}
}

func TestConcurrencyTokenAgainstMissingDocument(t *testing.T) {
	store := NewStore()
	cmd := session.Command{Method: session.MethodDelete, Key: "users/404", VersionToken: "1"}
	_, err := store.ExecuteBatch(context.Background(), []session.Command{cmd})
	var conflict session.ConcurrencyError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrencyError, got %v", err)
	}
}

func TestPrefixKeysReceiveAssignedSuffix(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	results, err := store.ExecuteBatch(ctx, []session.Command{
		put("orders/", `{"total":1}`),
		put("orders/", `{"total":2}`),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if results[0].Key == results[1].Key {
		t.Fatalf("expected distinct assigned keys, both %q", results[0].Key)
	}
	for _, res := range results {
		if !strings.HasPrefix(res.Key, "orders/") || strings.HasSuffix(res.Key, "/") {
			t.Fatalf("unexpected assigned key %q", res.Key)
		}
		if _, err := store.GetDocument(ctx, res.Key); err != nil {
			t.Fatalf("get %s: %v", res.Key, err)
		}
	}
}

func TestDeleteRemovesDocument(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.ExecuteBatch(ctx, []session.Command{put("users/1", `{}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.ExecuteBatch(ctx, []session.Command{{Method: session.MethodDelete, Key: "Users/1"}}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}
}

func TestNonAuthoritativeMarking(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.ExecuteBatch(ctx, []session.Command{put("users/1", `{}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store.MarkNonAuthoritative("USERS/1", true)
	doc, err := store.GetDocument(ctx, "users/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !doc.NonAuthoritative {
		t.Fatal("expected non-authoritative snapshot")
	}
	store.MarkNonAuthoritative("users/1", false)
	doc, err = store.GetDocument(ctx, "users/1")
	if err != nil {
		t.Fatalf("get after clear: %v", err)
	}
	if doc.NonAuthoritative {
		t.Fatal("expected authoritative snapshot after clearing")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.ExecuteBatch(ctx, []session.Command{
		put("users/1", `{"name":"Ada"}`),
		put("users/2", `{"name":"Grace"}`),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	snapshot := store.ExportState()

	restored := NewStore()
	restored.ImportState(snapshot)
	if restored.Len() != 2 {
		t.Fatalf("expected 2 documents, got %d", restored.Len())
	}
	doc, err := restored.GetDocument(ctx, "users/1")
	if err != nil {
		t.Fatalf("get restored: %v", err)
	}
	if !strings.Contains(string(doc.Body), `"Ada"`) {
		t.Fatalf("unexpected body %s", doc.Body)
	}
	// The ETag counter carries over, so tokens keep advancing.
	results, err := restored.ExecuteBatch(ctx, []session.Command{put("users/3", `{}`)})
	if err != nil {
		t.Fatalf("write restored: %v", err)
	}
	if results[0].VersionToken != "3" {
		t.Fatalf("expected token 3, got %q", results[0].VersionToken)
	}
}

func TestGetReturnsIsolatedCopies(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.ExecuteBatch(ctx, []session.Command{put("users/1", `{"name":"Ada"}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	doc, _ := store.GetDocument(ctx, "users/1")
	doc.Body[0] = 'X'
	doc.Metadata["tampered"] = true

	fresh, _ := store.GetDocument(ctx, "users/1")
	if fresh.Body[0] == 'X' {
		t.Fatal("stored body must not alias returned copies")
	}
	if _, ok := fresh.Metadata["tampered"]; ok {
		t.Fatal("stored metadata must not alias returned copies")
	}
}
