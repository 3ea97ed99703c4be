// Command docbase is a small operational CLI over the document store
// configured through the environment (see internal/core.OpenDocumentStore).
// It runs one unit of work per invocation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"docbase/internal/core"
	"docbase/pkg/session"
)

var exitFunc = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "docbase:", err)
		exitFunc(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("docbase", flag.ContinueOnError)
	fs.SetOutput(stderr)
	trace := fs.Bool("trace", false, "write JSON trace spans to stderr")
	optimistic := fs.Bool("optimistic", false, "attach version tokens to writes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: docbase [flags] get|put|delete <key> [json]")
	}

	ctx := context.Background()
	store, err := core.OpenDocumentStore(ctx)
	if err != nil {
		return err
	}
	opts := []core.ServiceOption{}
	if *trace {
		opts = append(opts, core.WithTracer(core.NewJSONTracer(stderr)))
	}
	sessOpts := session.DefaultOptions()
	sessOpts.UseOptimisticConcurrency = *optimistic
	opts = append(opts, core.WithSessionOptions(sessOpts))
	svc := core.NewService(store, opts...)
	sess := svc.OpenSession()

	switch cmd := rest[0]; cmd {
	case "get":
		if len(rest) != 2 {
			return fmt.Errorf("usage: docbase get <key>")
		}
		entity, err := svc.Load(ctx, sess, rest[1])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entity)
	case "put":
		if len(rest) != 3 {
			return fmt.Errorf("usage: docbase put <key> <json>")
		}
		var body map[string]any
		if err := json.Unmarshal([]byte(rest[2]), &body); err != nil {
			return fmt.Errorf("parse document: %w", err)
		}
		body["id"] = rest[1]
		if err := svc.Track(ctx, sess, body); err != nil {
			return err
		}
		if err := svc.SaveChanges(ctx, sess); err != nil {
			return err
		}
		key, _ := sess.DocumentID(body)
		fmt.Fprintln(stdout, key)
		return nil
	case "delete":
		if len(rest) != 2 {
			return fmt.Errorf("usage: docbase delete <key>")
		}
		entity, err := svc.Load(ctx, sess, rest[1])
		if err != nil {
			return err
		}
		if err := svc.Delete(ctx, sess, entity); err != nil {
			return err
		}
		return svc.SaveChanges(ctx, sess)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
