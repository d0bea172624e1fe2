package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"cdp-go/internal/cdp"
)

// S3Client is the subset of the S3 API the backend uses. *s3.Client
// implements it.
type S3Client interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options locates the bucket and, optionally, static credentials.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Backend stores chunks as <prefix>/data/<hex> and records as
// <prefix>/meta/<hostname>/<unix nanos>-<id>.json.
type S3Backend struct {
	client   S3Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	clock    cdp.Clock
	ids      cdp.IDGenerator
	logger   cdp.Logger
}

// NewS3Backend builds an S3 client from opts. Without static credentials
// the SDK's default chain is used.
func NewS3Backend(ctx context.Context, opts S3Options, logger cdp.Logger) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return NewS3BackendWithClient(client, opts, nil, nil, logger), nil
}

// NewS3BackendWithClient wraps an existing client. Nil clock and ids fall
// back to the real ones.
func NewS3BackendWithClient(client S3Client, opts S3Options, clock cdp.Clock, ids cdp.IDGenerator, logger cdp.Logger) *S3Backend {
	if clock == nil {
		clock = cdp.RealClock{}
	}
	if ids == nil {
		ids = cdp.UUIDGenerator{}
	}
	if logger == nil {
		logger = cdp.NewNopLogger()
	}
	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
		clock:    clock,
		ids:      ids,
		logger:   logger,
	}
}

func (b *S3Backend) key(parts ...string) string {
	if b.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{b.prefix}, parts...)...)
}

func (b *S3Backend) chunkKey(h cdp.Hash) string { return b.key("data", h.String()) }

func (b *S3Backend) hostPrefix(hostname string) string { return b.key("meta", hostname) + "/" }

// Init checks that the bucket can be listed.
func (b *S3Backend) Init(ctx context.Context) error {
	_, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.key("data") + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("failed to access bucket %s: %w", b.bucket, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func (b *S3Backend) exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func (b *S3Backend) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return err
}

func (b *S3Backend) get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// StoreChunk uploads data unless an object already exists for hash.
func (b *S3Backend) StoreChunk(ctx context.Context, hash cdp.Hash, data []byte) error {
	key := b.chunkKey(hash)
	ok, err := b.exists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check chunk %s: %w", hash, err)
	}
	if ok {
		return nil
	}
	if err := b.put(ctx, key, data, "application/octet-stream"); err != nil {
		return fmt.Errorf("failed to upload chunk %s: %w", hash, err)
	}
	return nil
}

// NeededHashes issues one HeadObject per unique candidate.
func (b *S3Backend) NeededHashes(ctx context.Context, candidates []cdp.Hash) ([]cdp.Hash, error) {
	var needed []cdp.Hash
	for _, h := range cdp.HashList(candidates).Unique() {
		ok, err := b.exists(ctx, b.chunkKey(h))
		if err != nil {
			return nil, fmt.Errorf("failed to check chunk %s: %w", h, err)
		}
		if !ok {
			needed = append(needed, h)
		}
	}
	return needed, nil
}

// RetrieveChunk downloads the object stored for hash.
func (b *S3Backend) RetrieveChunk(ctx context.Context, hash cdp.Hash) ([]byte, error) {
	data, err := b.get(ctx, b.chunkKey(hash))
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: %s", cdp.ErrChunkNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download chunk %s: %w", hash, err)
	}
	return data, nil
}

// StoreMetadata uploads rec as a JSON object. Keys start with a zero-padded
// timestamp so that listing order is arrival order.
func (b *S3Backend) StoreMetadata(ctx context.Context, rec cdp.HostFileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	name := fmt.Sprintf("%020d-%s.json", b.clock.Now().UnixNano(), b.ids.New())
	if err := b.put(ctx, b.hostPrefix(rec.Hostname)+name, body, "application/json"); err != nil {
		return fmt.Errorf("failed to upload record: %w", err)
	}
	return nil
}

// ListFiles lists the host's records and returns those matching q.
// Objects that do not decode are logged and skipped.
func (b *S3Backend) ListFiles(ctx context.Context, q cdp.Query) ([]cdp.HostFileRecord, error) {
	matcher, err := q.Compile()
	if err != nil {
		return nil, err
	}
	if err := cdp.ValidateHostname(q.Hostname); err != nil {
		return nil, fmt.Errorf("%w: %v", cdp.ErrMalformedQuery, err)
	}

	pages := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.hostPrefix(q.Hostname)),
	})

	var out []cdp.HostFileRecord
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list records: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			body, err := b.get(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("failed to download record %s: %w", key, err)
			}
			var rec cdp.HostFileRecord
			if err := json.Unmarshal(body, &rec); err != nil {
				b.logger.Warn("skipping undecodable record", "key", key, "error", err)
				continue
			}
			if matcher.Match(&rec) {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (b *S3Backend) Close() error { return nil }

var _ cdp.Backend = (*S3Backend)(nil)
var _ cdp.NeededHashesFinder = (*S3Backend)(nil)
