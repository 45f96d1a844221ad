package resultsink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"docpipeline/internal/logger"
)

// ObjectScheme is the reference scheme produced by ObjectSink.
const ObjectScheme = "s3"

// ObjectConfig holds the connection settings for an S3-compatible bucket.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Region    string
	UseSSL    bool
}

// ObjectSink stores result documents as JSON objects.
type ObjectSink struct {
	client *minio.Client
	bucket string
	prefix string
	region string

	mu      sync.Mutex
	ensured bool
}

// NewObjectSink creates an ObjectSink from static credentials.
func NewObjectSink(cfg ObjectConfig) (*ObjectSink, error) {
	const op = "NewObjectSink"

	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, wrap(op, ErrInvalidConfiguration, "endpoint and bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, wrap(op, err, "failed to create object store client")
	}

	return NewObjectSinkWithClient(client, cfg), nil
}

// NewObjectSinkWithClient creates an ObjectSink over an existing client.
func NewObjectSinkWithClient(client *minio.Client, cfg ObjectConfig) *ObjectSink {
	return &ObjectSink{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		region: cfg.Region,
	}
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *ObjectSink) EnsureBucket(ctx context.Context) error {
	const op = "EnsureBucket"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classifyMinioError(op, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return classifyMinioError(op, err)
		}
		log := logger.WithComponent("resultsink")
		log.Info().Str("bucket", s.bucket).Msg("Created result bucket")
	}
	s.ensured = true
	return nil
}

// Put implements Sink. The object key is derived from the dedupe key, so a
// repeated write replaces the same object.
func (s *ObjectSink) Put(ctx context.Context, dedupeKey string, payload []byte) (string, error) {
	const op = "ObjectSink.Put"

	if err := s.EnsureBucket(ctx); err != nil {
		return "", err
	}

	key := s.objectKey(dedupeKey)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", classifyMinioError(op, err)
	}
	return fmt.Sprintf("%s://%s/%s", ObjectScheme, s.bucket, key), nil
}

// Get implements Reader.
func (s *ObjectSink) Get(ctx context.Context, ref string) ([]byte, error) {
	const op = "ObjectSink.Get"

	bucket, key, err := parseObjectRef(ref)
	if err != nil {
		return nil, wrap(op, err, ref)
	}

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError(op, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyMinioError(op, err)
	}
	return data, nil
}

func (s *ObjectSink) objectKey(dedupeKey string) string {
	return path.Join(s.prefix, dedupeKey+".json")
}

func parseObjectRef(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, ObjectScheme+"://")
	if !ok {
		return "", "", ErrInvalidRef
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", ErrInvalidRef
	}
	return bucket, key, nil
}
