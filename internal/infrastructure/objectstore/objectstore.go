// Package objectstore writes archive objects to an S3-compatible bucket.
//
// It backs the s3 sink (one JSON object per routed event) and the
// dead-letter export (one NDJSON object per export).
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/config"
)

// Content types used for archive objects.
const (
	ContentTypeJSON   = "application/json"
	ContentTypeNDJSON = "application/x-ndjson"
)

// ErrDisabled is returned by Open when the archive section is switched off.
var ErrDisabled = errors.New("objectstore: disabled in configuration")

// putObjectAPI is the slice of the S3 client the store needs.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store writes objects under a key prefix in one bucket.
type Store struct {
	client putObjectAPI
	bucket string
	prefix string
}

// Open loads AWS credentials from the default chain. A non-empty endpoint
// switches to path-style addressing for MinIO and similar servers.
func Open(ctx context.Context, cfg config.ArchiveConfig) (*Store, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return newStore(s3.NewFromConfig(awsCfg, s3opts...), cfg.Bucket, cfg.Prefix), nil
}

func newStore(client putObjectAPI, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Put uploads data at key (already prefixed, see Key).
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put object %s: %w", key, err)
	}
	return nil
}

// Key joins elems under the store prefix and an optional sub-prefix.
func (s *Store) Key(elems ...string) string {
	return path.Join(append([]string{s.prefix}, elems...)...)
}

// EventKey partitions event objects by thing and UTC day:
// {prefix}/{sub}/{thingId}/2026/03/04/{unixnano}-{seq}.json
func (s *Store) EventKey(sub, thingID string, ts time.Time, seq uint64) string {
	ts = ts.UTC()
	return s.Key(sub, thingID, ts.Format("2006/01/02"), fmt.Sprintf("%d-%d.json", ts.UnixNano(), seq))
}

// ExportKey names a dead-letter export object.
func (s *Store) ExportKey(at time.Time) string {
	return s.Key("dead-letters", at.UTC().Format("20060102T150405Z")+".ndjson")
}
