package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config carries the settings needed to reach one bucket on an
// S3-compatible endpoint (AWS, MinIO, Ceph RGW).
type S3Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	ForcePathStyle bool
}

// S3 serves objects from a single bucket. Ranged GETs carry If-Match with
// the ETag captured at open time, so a concurrent overwrite surfaces as
// ErrStale rather than a torn read.
type S3 struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// S3Option configures an S3 store.
type S3Option func(*S3)

// WithS3Logger sets the logger used for store events.
func WithS3Logger(logger *slog.Logger) S3Option {
	return func(s *S3) {
		s.logger = logger
	}
}

// WithS3Client overrides the constructed client, mainly for tests.
func WithS3Client(client *s3.Client) S3Option {
	return func(s *S3) {
		s.client = client
	}
}

// NewS3 creates a store for cfg.Bucket. Empty credentials fall back to the
// default AWS chain.
func NewS3(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 store: bucket is empty")
	}

	st := &S3{bucket: cfg.Bucket}
	for _, opt := range opts {
		opt(st)
	}
	if st.client != nil {
		return st, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 store: load config: %w", err)
	}

	st.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return st, nil
}

// Name identifies the adapter.
func (s *S3) Name() string { return "s3" }

func (s *S3) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Probe verifies the bucket is reachable.
func (s *S3) Probe(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 store: probe bucket %s: %w", s.bucket, err)
	}
	return nil
}

// List pages through ListObjectsV2. Delimiter "/" groups one level into
// CommonPrefixes; "" walks the whole subtree.
func (s *S3) List(ctx context.Context, prefix, delimiter string, maxItems int) (*Listing, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}

	listing := &Listing{Prefix: prefix}
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 store: list %q: %w", prefix, mapS3Error(prefix, err))
		}
		for _, cp := range page.CommonPrefixes {
			if maxItems > 0 && len(listing.Files)+len(listing.Folders) >= maxItems {
				listing.Truncated = true
				return listing, nil
			}
			listing.Folders = append(listing.Folders, aws.ToString(cp.Prefix))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			// Zero-byte "directory" placeholders are not objects we serve.
			if strings.HasSuffix(key, "/") {
				continue
			}
			if maxItems > 0 && len(listing.Files)+len(listing.Folders) >= maxItems {
				listing.Truncated = true
				return listing, nil
			}
			listing.Files = append(listing.Files, Entry{
				Key:          key,
				Name:         path.Base(key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return listing, nil
}

// Stat issues a HeadObject and normalizes the ETag (quotes stripped).
func (s *S3) Stat(ctx context.Context, key string) (*Object, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error(key, err)
	}
	return &Object{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         trimETag(aws.ToString(out.ETag)),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// Open stats the object and returns a handle pinned to its current ETag.
func (s *S3) Open(ctx context.Context, key string) (Handle, error) {
	obj, err := s.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	s.log().Debug("opened s3 object", "key", key, "size", obj.Size, "etag", obj.ETag)
	return &s3Handle{
		client: s.client,
		bucket: s.bucket,
		key:    key,
		size:   obj.Size,
		etag:   obj.ETag,
	}, nil
}

// s3Handle reads byte ranges with If-Match so every read is validated
// against the ETag captured at open time.
type s3Handle struct {
	client *s3.Client
	bucket string
	key    string
	size   int64
	etag   string
}

func (h *s3Handle) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	want, rangeErr := clampRange(off, len(p), h.size)
	if want == 0 {
		return 0, rangeErr
	}

	body, err := h.get(off, int64(want))
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, body) //nolint:errcheck // best-effort drain for connection reuse
		_ = body.Close()
	}()

	n, err := io.ReadFull(body, p[:want])
	if err != nil {
		return n, err
	}
	return n, rangeErr
}

// ReadRange returns the response body for [off, off+length) directly,
// letting block fetches stream instead of buffering through ReadAt.
func (h *s3Handle) ReadRange(off, length int64) (io.ReadCloser, error) {
	if length < 0 {
		return nil, fmt.Errorf("read range length %d: negative length", length)
	}
	if length == 0 || off >= h.size {
		return io.NopCloser(strings.NewReader("")), nil
	}
	if off < 0 {
		return nil, fmt.Errorf("read range %d: negative offset", off)
	}
	if length > h.size-off {
		length = h.size - off
	}
	return h.get(off, length)
}

func (h *s3Handle) get(off, length int64) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(h.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+length-1)),
	}
	if h.etag != "" {
		input.IfMatch = aws.String(`"` + h.etag + `"`)
	}
	out, err := h.client.GetObject(context.Background(), input)
	if err != nil {
		return nil, mapReadError(h.key, err)
	}
	return out.Body, nil
}

func (h *s3Handle) Size() int64 { return h.size }

func (h *s3Handle) Token() string { return h.etag }

func (h *s3Handle) SourceID() string {
	return "s3://" + h.bucket + "/" + h.key + "|" + h.etag
}

// Close is a no-op; ranged reads hold no persistent connection state.
func (h *s3Handle) Close() error { return nil }

func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// mapS3Error converts SDK errors on metadata calls to store sentinels.
func mapS3Error(key string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == 404:
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		case code >= 500:
			return fmt.Errorf("%w: %s: %w", ErrUnavailable, key, err)
		}
		return err
	}
	// No HTTP response at all: connection refused, DNS failure, timeout.
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, key, err)
}

// mapReadError converts SDK errors on ranged reads. A 412 means the
// object no longer matches the handle's ETag; a 404 mid-read means it was
// deleted. Both invalidate the handle.
func mapReadError(key string, err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case 412:
			return fmt.Errorf("%w: %s", ErrStale, key)
		case 404:
			return fmt.Errorf("%w: %s (deleted)", ErrStale, key)
		case 416:
			return io.EOF
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %s (deleted)", ErrStale, key)
	}
	return fmt.Errorf("%w: read %s: %w", ErrUnavailable, key, err)
}
