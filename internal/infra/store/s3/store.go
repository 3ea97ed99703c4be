// Package s3 provides a document store over an S3-compatible backend (AWS S3
// or MinIO). Each document is one object holding a JSON envelope of body and
// metadata; the S3 object ETag serves as the version token.
package s3

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/oklog/ulid/v2"

	"docbase/pkg/session"
)

// Compile-time contract assertion ensuring the store satisfies the session collaborator interface.
var _ session.DocumentStore = (*Store)(nil)

// Store maps document keys to object keys in a single bucket. Batches apply
// commands sequentially after an up-front version check; S3 offers no
// cross-object transaction, so a mid-batch failure can leave earlier commands
// applied. Deployments needing batch atomicity belong on the sqlite or
// postgres backends.
type Store struct {
	client *s3.Client
	bucket string
}

// Config holds explicit construction parameters (mostly for tests). For prod
// we rely primarily on environment variables.
type Config struct {
	Region    string
	Bucket    string
	Endpoint  string // optional; if set enables custom endpoint (e.g. MinIO)
	PathStyle bool
}

// Environment variables read by OpenFromEnv:
//   DOCBASE_STORE_DRIVER=s3
//   DOCBASE_S3_BUCKET=<bucket> (required)
//   DOCBASE_S3_REGION=<region> (default us-east-1)
//   DOCBASE_S3_ENDPOINT=<url> (optional, for MinIO)
//   DOCBASE_S3_PATH_STYLE=true|false (default false)
//   AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)

// New creates an S3 document store from Config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// OpenFromEnv constructs an S3 store from process environment.
func OpenFromEnv(ctx context.Context) (*Store, error) {
	bucket := os.Getenv("DOCBASE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("DOCBASE_S3_BUCKET required for s3 driver")
	}
	cfg := Config{
		Bucket:    bucket,
		Region:    os.Getenv("DOCBASE_S3_REGION"),
		Endpoint:  os.Getenv("DOCBASE_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("DOCBASE_S3_PATH_STYLE"), "true"),
	}
	return New(ctx, cfg)
}

// envelope is the stored object form: the document body plus its out-of-band
// metadata.
type envelope struct {
	Body     json.RawMessage `json:"body"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

func objectKey(key string) string {
	return strings.ToLower(key) + ".json"
}

// GetDocument fetches one document object.
func (s *Store) GetDocument(ctx context.Context, key string) (session.Document, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: aws.String(objectKey(key))})
	if err != nil {
		if isMissing(err) {
			return session.Document{}, session.NotFoundError{Key: key}
		}
		return session.Document{}, err
	}
	defer func() { _ = out.Body.Close() }()
	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return session.Document{}, fmt.Errorf("read %s: %w", key, err)
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return session.Document{}, fmt.Errorf("decode %s: %w", key, err)
	}
	token := trimETag(out.ETag)
	metadata := env.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata[session.MetaKey] = key
	metadata[session.MetaVersionToken] = token
	return session.Document{
		Body:         env.Body,
		Metadata:     metadata,
		VersionToken: token,
	}, nil
}

// ExecuteBatch validates every version token with a Head pass, then applies
// the commands in order.
func (s *Store) ExecuteBatch(ctx context.Context, commands []session.Command) ([]session.CommandResult, error) {
	for _, cmd := range commands {
		if cmd.VersionToken == "" {
			continue
		}
		actual, err := s.headToken(ctx, cmd.Key)
		if err != nil {
			if isMissing(err) {
				return nil, session.ConcurrencyError{Key: cmd.Key, Expected: cmd.VersionToken}
			}
			return nil, err
		}
		if actual != cmd.VersionToken {
			return nil, session.ConcurrencyError{Key: cmd.Key, Expected: cmd.VersionToken, Actual: actual}
		}
	}

	results := make([]session.CommandResult, 0, len(commands))
	for _, cmd := range commands {
		switch cmd.Method {
		case session.MethodDelete:
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: aws.String(objectKey(cmd.Key))}); err != nil {
				return nil, fmt.Errorf("delete %s: %w", cmd.Key, err)
			}
			results = append(results, session.CommandResult{Method: session.MethodDelete, Key: cmd.Key})
		case session.MethodPut:
			key := cmd.Key
			if strings.HasSuffix(key, "/") {
				id := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader)
				key += id.String()
			}
			metadata := cmd.Metadata
			if metadata != nil {
				metadata = cloneStringMap(metadata)
				delete(metadata, session.MetaKey)
				delete(metadata, session.MetaVersionToken)
			}
			payload, err := json.Marshal(envelope{Body: cmd.Body, Metadata: metadata})
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", key, err)
			}
			out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:      &s.bucket,
				Key:         aws.String(objectKey(key)),
				Body:        bytes.NewReader(payload),
				ContentType: aws.String("application/json"),
			})
			if err != nil {
				return nil, fmt.Errorf("put %s: %w", key, err)
			}
			token := trimETag(out.ETag)
			resultMeta := cloneStringMap(metadata)
			if resultMeta == nil {
				resultMeta = make(map[string]any)
			}
			resultMeta[session.MetaKey] = key
			resultMeta[session.MetaVersionToken] = token
			results = append(results, session.CommandResult{
				Method:       session.MethodPut,
				Key:          key,
				VersionToken: token,
				Metadata:     resultMeta,
			})
		default:
			return nil, fmt.Errorf("unsupported command method %s", cmd.Method)
		}
	}
	return results, nil
}

func (s *Store) headToken(ctx context.Context, key string) (string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: aws.String(objectKey(key))})
	if err != nil {
		return "", err
	}
	return trimETag(out.ETag), nil
}

func isMissing(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func trimETag(etag *string) string {
	if etag == nil {
		return ""
	}
	return strings.Trim(*etag, "\"")
}

func cloneStringMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
