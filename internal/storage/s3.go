package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// s3PartSize is the multipart part size. S3 allows at most 10,000
// parts, which at 8 MiB bounds a single object at ~78 GiB.
const s3PartSize = 8 * 1024 * 1024

// S3Config configures the S3-compatible backend.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
	AllowHTTP bool
}

// S3 stores objects in an S3-compatible bucket. The index remains the
// authority for lookups; no list-after-write consistency is assumed.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3 creates an S3 backend from the given configuration.
func NewS3(cfg S3Config) (*S3, error) {
	endpoint := cfg.Endpoint
	secure := !cfg.AllowHTTP
	if endpoint == "" {
		endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		secure = true
	} else if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		secure = u.Scheme != "http"
		endpoint = u.Host
	}

	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewEnvAWS()
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	log.Debug("S3 storage initialized", "bucket", cfg.Bucket, "endpoint", endpoint, "prefix", prefix)

	return &S3{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (s *S3) object(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	// Unknown length: minio buffers up to PartSize and falls back to a
	// single PUT for small objects, multipart beyond that. Completion
	// is atomic; an aborted upload leaves nothing under the key.
	info, err := s.client.PutObject(ctx, s.bucket, s.object(key), r, -1, minio.PutObjectOptions{
		PartSize:    s3PartSize,
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return info.Size, nil
}

func (s *S3) Get(ctx context.Context, key string, rng *Range) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if rng != nil {
		end := rng.End
		if end < 0 {
			// Open-ended range; stat for the last byte.
			size, err := s.Stat(ctx, key)
			if err != nil {
				return nil, err
			}
			end = size - 1
		}
		if err := opts.SetRange(rng.Start, end); err != nil {
			return nil, fmt.Errorf("invalid range: %w", err)
		}
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.object(key), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	// GetObject is lazy; surface NotFound on the first stat.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return obj, nil
}

func (s *S3) Stat(ctx context.Context, key string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.object(key), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, ErrKeyNotFound
		}
		return 0, err
	}
	return info.Size, nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if err == ErrKeyNotFound {
		return false, nil
	}
	return false, err
}

func (s *S3) Delete(ctx context.Context, key string) (bool, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, s.object(key), minio.RemoveObjectOptions{}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *S3) InitUpload(ctx context.Context, id string) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.object(UploadKey(id)),
		bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to init upload scratch: %w", err)
	}
	return nil
}

func (s *S3) AppendUpload(ctx context.Context, id string, r io.Reader) (int64, error) {
	key := s.object(UploadKey(id))

	// S3 has no append; rewrite the scratch object with the chunk
	// attached. The PATCH path serializes per session, so there is no
	// concurrent writer to race with.
	existing, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, err
	}
	defer existing.Close()
	if _, err := existing.Stat(); err != nil {
		if isNoSuchKey(err) {
			return 0, ErrKeyNotFound
		}
		return 0, err
	}

	info, err := s.client.PutObject(ctx, s.bucket, key+".next",
		io.MultiReader(existing, r), -1, minio.PutObjectOptions{PartSize: s3PartSize})
	if err != nil {
		return 0, fmt.Errorf("failed to append to upload scratch: %w", err)
	}

	src := minio.CopySrcOptions{Bucket: s.bucket, Object: key + ".next"}
	dst := minio.CopyDestOptions{Bucket: s.bucket, Object: key}
	if _, err := s.client.CopyObject(ctx, dst, src); err != nil {
		return 0, fmt.Errorf("failed to swap upload scratch: %w", err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key+".next", minio.RemoveObjectOptions{}); err != nil {
		log.Warn("Failed to remove scratch swap object", "key", key+".next", "error", err)
	}
	return info.Size, nil
}

func (s *S3) UploadSize(ctx context.Context, id string) (int64, error) {
	return s.Stat(ctx, UploadKey(id))
}

func (s *S3) CommitUpload(ctx context.Context, id, key string) (int64, error) {
	srcKey := s.object(UploadKey(id))
	size, err := s.Stat(ctx, UploadKey(id))
	if err != nil {
		return 0, err
	}

	src := minio.CopySrcOptions{Bucket: s.bucket, Object: srcKey}
	dst := minio.CopyDestOptions{Bucket: s.bucket, Object: s.object(key)}
	if _, err := s.client.CopyObject(ctx, dst, src); err != nil {
		return 0, fmt.Errorf("failed to install upload: %w", err)
	}

	if err := s.client.RemoveObject(ctx, s.bucket, srcKey, minio.RemoveObjectOptions{}); err != nil {
		log.Warn("Failed to remove upload scratch after commit", "session", id, "error", err)
	}
	return size, nil
}

func (s *S3) DiscardUpload(ctx context.Context, id string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.object(UploadKey(id)), minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return err
	}
	return nil
}

func (s *S3) Walk(ctx context.Context, fn func(ObjectInfo) error) error {
	opts := minio.ListObjectsOptions{Recursive: true}
	if s.prefix != "" {
		opts.Prefix = s.prefix + "/"
	}

	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return obj.Err
		}
		key := strings.TrimPrefix(obj.Key, opts.Prefix)
		if !IsContentKey(key) {
			continue
		}
		if err := fn(ObjectInfo{Key: key, Size: obj.Size, ModTime: obj.LastModified}); err != nil {
			return err
		}
	}
	return ctx.Err()
}
