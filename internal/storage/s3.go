package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
)

// S3Options configures access to S3-compatible object storage.
type S3Options struct {
	// URL is a custom endpoint, for MinIO or other S3-compatible servers.
	URL       string `json:"url,omitempty"`
	Region    string `json:"region,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	PathStyle bool   `json:"pathStyle,omitempty"`
}

// DefaultS3Options returns options reading endpoint and credentials from the
// environment (S3_ENDPOINT, AWS_REGION, AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY).
func DefaultS3Options() S3Options {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return S3Options{
		URL:       os.Getenv("S3_ENDPOINT"),
		Region:    region,
		AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		PathStyle: true,
	}
}

// Validate checks the options.
func (o *S3Options) Validate() error {
	if o.Bucket == "" {
		return nmterrors.NewConfigValidationError("s3.bucket", o.Bucket, "bucket is required")
	}
	if (o.AccessKey == "") != (o.SecretKey == "") {
		return nmterrors.NewConfigValidationError("s3.accessKey", o.AccessKey, "access key and secret key must be set together")
	}
	return nil
}

// ParseS3URI splits s3://bucket/prefix.
func ParseS3URI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", nmterrors.NewConfigValidationError("model_storage", uri, "expected s3://bucket/prefix")
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", nmterrors.NewConfigValidationError("model_storage", uri, "missing bucket name")
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// s3API is the subset of the S3 client used by S3Provider.
type s3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Provider fetches models stored under prefix/<model>/ or as
// prefix/<model>.tar.gz in a bucket.
type S3Provider struct {
	client s3API
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Provider creates an S3 client from options.
func NewS3Provider(ctx context.Context, options *S3Options, logger *zap.Logger) (*S3Provider, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(options.Region)}
	if options.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(options.AccessKey, options.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, nmterrors.NewConfigInvalidError("cannot load S3 configuration", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = options.PathStyle
		if options.URL != "" {
			o.BaseEndpoint = aws.String(options.URL)
		}
	})
	return newS3Provider(client, options.Bucket, options.Prefix, logger), nil
}

func newS3Provider(client s3API, bucket, prefix string, logger *zap.Logger) *S3Provider {
	if logger == nil {
		logger = logging.L()
	}
	return &S3Provider{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With(zap.String("component", "s3_storage"), zap.String("bucket", bucket)),
	}
}

// Name implements Provider.
func (p *S3Provider) Name() string {
	return "s3://" + path.Join(p.bucket, p.prefix)
}

func (p *S3Provider) key(parts ...string) string {
	return path.Join(append([]string{p.prefix}, parts...)...)
}

// IsS3NotFound reports whether err is a missing key or bucket error.
func IsS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var resp *smithyhttp.ResponseError
	if errors.As(err, &resp) {
		return resp.HTTPStatusCode() == 404
	}
	return false
}

func (p *S3Provider) list(ctx context.Context, model string) ([]string, error) {
	prefix := p.key(model) + "/"
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, nmterrors.NewStorageReadError(p.Name()+"/"+prefix, err.Error())
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (p *S3Provider) get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// Exists implements Provider.
func (p *S3Provider) Exists(ctx context.Context, model string) (bool, error) {
	keys, err := p.list(ctx, model)
	if err != nil {
		return false, err
	}
	if len(keys) > 0 {
		return true, nil
	}
	body, err := p.get(ctx, p.key(model+PackedModelSuffix))
	if err != nil {
		if IsS3NotFound(err) {
			return false, nil
		}
		return false, nmterrors.NewStorageReadError(p.key(model+PackedModelSuffix), err.Error())
	}
	body.Close()
	return true, nil
}

func (p *S3Provider) download(ctx context.Context, key, dest string) error {
	body, err := p.get(ctx, key)
	if err != nil {
		return nmterrors.NewStorageReadError(key, err.Error())
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nmterrors.NewStorageWriteError(dest, err.Error())
	}
	f, err := os.Create(dest)
	if err != nil {
		return nmterrors.NewStorageWriteError(dest, err.Error())
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return nmterrors.NewStorageReadError(key, err.Error())
	}
	if err := f.Close(); err != nil {
		return nmterrors.NewStorageWriteError(dest, err.Error())
	}
	return nil
}

// Fetch implements Provider. Objects under prefix/<model>/ are downloaded
// into destDir/<model>; otherwise prefix/<model>.tar.gz is extracted there.
func (p *S3Provider) Fetch(ctx context.Context, model, destDir string) (string, error) {
	target := filepath.Join(destDir, model)
	keys, err := p.list(ctx, model)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(target); err != nil {
		return "", nmterrors.NewStorageWriteError(target, err.Error())
	}

	if len(keys) > 0 {
		base := p.key(model) + "/"
		p.logger.Info("downloading_model", logging.Model(model), logging.Count(len(keys)))
		for _, key := range keys {
			local, err := safeJoin(target, strings.TrimPrefix(key, base))
			if err != nil {
				return "", nmterrors.NewStorageReadError(key, err.Error())
			}
			if err := p.download(ctx, key, local); err != nil {
				return "", err
			}
		}
		return target, nil
	}

	packed := p.key(model + PackedModelSuffix)
	body, err := p.get(ctx, packed)
	if err != nil {
		if IsS3NotFound(err) {
			return "", nmterrors.NewModelNotFoundError(model, p.Name())
		}
		return "", nmterrors.NewStorageReadError(packed, err.Error())
	}
	defer body.Close()

	p.logger.Info("extracting_model", logging.Model(model), zap.String("key", packed))
	if err := UnTGZ(ctx, target, body); err != nil {
		return "", err
	}
	return modelRoot(target), nil
}
