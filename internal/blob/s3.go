package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/tildaslashalef/anchorsync/internal/config"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
)

// s3API is the part of the S3 client the uploader uses
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader stores photos in an S3-compatible bucket
type S3Uploader struct {
	client    s3API
	bucket    string
	prefix    string
	region    string
	endpoint  string
	pathStyle bool
	publicURL string
	logger    *loggy.Logger
}

// NewS3Uploader builds an S3 client from cfg. Static credentials are used
// when both key id and secret are set, otherwise the default AWS chain.
func NewS3Uploader(ctx context.Context, cfg config.BlobConfig, logger *loggy.Logger) (*S3Uploader, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})

	return newS3Uploader(client, cfg, logger), nil
}

func newS3Uploader(client s3API, cfg config.BlobConfig, logger *loggy.Logger) *S3Uploader {
	return &S3Uploader{
		client:    client,
		bucket:    cfg.S3Bucket,
		prefix:    cfg.S3Prefix,
		region:    cfg.S3Region,
		endpoint:  strings.TrimRight(cfg.S3Endpoint, "/"),
		pathStyle: cfg.S3UsePathStyle,
		publicURL: strings.TrimRight(cfg.S3PublicURL, "/"),
		logger:    logger,
	}
}

// Upload puts obj under prefix+key and returns its public URL
func (u *S3Uploader) Upload(ctx context.Context, obj Object) (string, error) {
	key := u.prefix + obj.Key()

	input := &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   obj.Body,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if obj.Size > 0 {
		input.ContentLength = aws.Int64(obj.Size)
	}

	if _, err := u.client.PutObject(ctx, input); err != nil {
		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) {
			return "", &UploadError{StatusCode: respErr.HTTPStatusCode(), Message: respErr.Error()}
		}
		return "", fmt.Errorf("putting object %s: %w", key, err)
	}

	u.logger.Debug("Uploaded photo to s3", "id", obj.ID, "bucket", u.bucket, "key", key)
	return u.objectURL(key), nil
}

func (u *S3Uploader) objectURL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()

	switch {
	case u.publicURL != "":
		return u.publicURL + "/" + escaped
	case u.endpoint != "" && u.pathStyle:
		return fmt.Sprintf("%s/%s/%s", u.endpoint, u.bucket, escaped)
	case u.endpoint != "":
		if parsed, err := url.Parse(u.endpoint); err == nil && parsed.Host != "" {
			return fmt.Sprintf("%s://%s.%s/%s", parsed.Scheme, u.bucket, parsed.Host, escaped)
		}
		return fmt.Sprintf("%s/%s/%s", u.endpoint, u.bucket, escaped)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.bucket, u.region, escaped)
	}
}
