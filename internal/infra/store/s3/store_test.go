package s3

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
	store := NewMockForTests()
	ctx := context.Background()

	results, err := store.ExecuteBatch(ctx, []session.Command{
		{
			Method:   session.MethodPut,
			Key:      "users/1",
			Body:     json.RawMessage(`{"name":"Ada"}`),
			Metadata: map[string]any{"owner": "platform"},
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != 1 || results[0].VersionToken == "" {
		t.Fatalf("unexpected result %+v", results)
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
	if doc.Metadata["owner"] != "platform" {
		t.Fatalf("expected envelope metadata, got %v", doc.Metadata)
	}
}

func TestGetMissingObject(t *testing.T) {
	store := NewMockForTests()
	_, err := store.GetDocument(context.Background(), "users/404")
	var notFound session.NotFoundError
	if !errors.As(err, &notFound) || notFound.Key != "users/404" {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestKeysFoldCase(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()

	if _, err := store.ExecuteBatch(ctx, []session.Command{put("Users/Ada", `{}`)}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := store.GetDocument(ctx, "users/ada"); err != nil {
		t.Fatalf("expected case-folded lookup to hit: %v", err)
	}
}

func TestVersionTokensAdvancePerWrite(t *testing.T) {
	store := NewMockForTests()
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

func TestStaleTokenRejected(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()

	if _, err := store.ExecuteBatch(ctx, []session.Command{put("users/1", `{"v":1}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	stale := session.Command{
		Method:       session.MethodPut,
		Key:          "users/1",
		Body:         json.RawMessage(`{"v":2}`),
		VersionToken: "not-the-etag",
	}
	_, err := store.ExecuteBatch(ctx, []session.Command{stale})
	var conflict session.ConcurrencyError
	if !errors.As(err, &conflict) || conflict.Key != "users/1" {
		t.Fatalf("expected ConcurrencyError, got %v", err)
	}
}

func TestMatchingTokenAccepted(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()

	seed, err := store.ExecuteBatch(ctx, []session.Command{put("users/1", `{"v":1}`)})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	update := session.Command{
		Method:       session.MethodPut,
		Key:          "users/1",
		Body:         json.RawMessage(`{"v":2}`),
		VersionToken: seed[0].VersionToken,
	}
	if _, err := store.ExecuteBatch(ctx, []session.Command{update}); err != nil {
		t.Fatalf("update with current token: %v", err)
	}
}

func TestDeleteRemovesObject(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()

	if _, err := store.ExecuteBatch(ctx, []session.Command{put("users/1", `{}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.ExecuteBatch(ctx, []session.Command{{Method: session.MethodDelete, Key: "users/1"}}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err := store.GetDocument(ctx, "users/1")
	var notFound session.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError after delete, got %v", err)
	}
}

func TestPrefixKeysReceiveAssignedSuffix(t *testing.T) {
	store := NewMockForTests()
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
	}
}

func TestSessionAgainstS3Store(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()

	sess := session.New(store, session.DefaultOptions())
	entity := map[string]any{"id": "users/1", "name": "Ada"}
	if err := sess.Store(entity); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := sess.SaveChanges(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	fresh := session.New(store, session.DefaultOptions())
	loaded, err := fresh.Load(ctx, "users/1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.(map[string]any)["name"] != "Ada" {
		t.Fatalf("unexpected entity %v", loaded)
	}
}
