package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"media-ingest-pipeline/internal/config"
)

// SigningPolicy controls which headers are kept out of presigned-URL
// signatures. A URL whose signature covers a header the uploading client never
// sends is unusable, so the whole checksum family stays unsigned.
type SigningPolicy struct {
	ExcludedHeaders map[string]struct{}
}

// DefaultSigningPolicy excludes the provider-injected checksum headers.
func DefaultSigningPolicy() SigningPolicy {
	return SigningPolicy{
		ExcludedHeaders: map[string]struct{}{
			"x-amz-sdk-checksum-algorithm": {},
			"x-amz-checksum-crc32":         {},
			"x-amz-checksum-crc32c":        {},
			"x-amz-checksum-sha1":          {},
			"x-amz-checksum-sha256":        {},
		},
	}
}

// PresignedPut is a signed upload capability. RequiredHeaders must be sent
// verbatim on the PUT for the signature to validate.
type PresignedPut struct {
	URL             string            `json:"url"`
	RequiredHeaders map[string]string `json:"required_headers"`
}

// Client talks to one S3 bucket: signed URLs for the API process, server-side
// fetch/put for the worker.
type Client struct {
	s3        *s3.Client
	presigner *s3.PresignClient
	bucket    string
	policy    SigningPolicy
	maxBytes  int64
}

// New builds a bucket client from config. Static credentials are used when
// provided, otherwise the default chain applies.
func New(ctx context.Context, cfg config.Config, policy SigningPolicy) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
		// Keeps the SDK from folding checksum headers into canonical requests.
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &Client{
		s3:        client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.S3Bucket,
		policy:    policy,
		maxBytes:  cfg.MaxSourceBytes,
	}, nil
}

// IssuePutURL signs a direct-upload URL for key, valid for expiresIn.
// The returned headers are exactly what the uploader must send; the excluded
// header set is applied per call so no checksum field ever reaches the
// signature or the header contract.
func (c *Client) IssuePutURL(ctx context.Context, key, contentType string, expiresIn time.Duration) (PresignedPut, error) {
	req, err := c.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return PresignedPut{}, c.wrap("presign put", key, err)
	}

	required := make(map[string]string, len(req.SignedHeader))
	for name, vals := range req.SignedHeader {
		lower := strings.ToLower(name)
		if lower == "host" {
			continue
		}
		if _, excluded := c.policy.ExcludedHeaders[lower]; excluded {
			continue
		}
		if len(vals) > 0 {
			required[name] = vals[0]
		}
	}
	if _, ok := required["Content-Type"]; !ok {
		required["Content-Type"] = contentType
	}
	return PresignedPut{URL: req.URL, RequiredHeaders: required}, nil
}

// IssueGetURL signs a download URL for key. A non-empty downloadName forces a
// content-disposition so browsers save under that filename.
func (c *Client) IssueGetURL(ctx context.Context, key string, expiresIn time.Duration, downloadName string) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if downloadName != "" {
		input.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", downloadName))
	}
	req, err := c.presigner.PresignGetObject(ctx, input, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return "", c.wrap("presign get", key, err)
	}
	return req.URL, nil
}

// FetchObject reads an object server-side. Worker-only.
func (c *Client) FetchObject(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, c.wrap("get", key, err)
	}
	defer out.Body.Close()

	limit := c.maxBytes
	if limit <= 0 {
		limit = 25 * 1024 * 1024
	}
	data, err := io.ReadAll(io.LimitReader(out.Body, limit+1))
	if err != nil {
		return nil, &StoreError{Op: "get", Key: key, Transient: true, Err: err}
	}
	if int64(len(data)) > limit {
		return nil, &StoreError{Op: "get", Key: key, Err: fmt.Errorf("object exceeds %d bytes", limit)}
	}
	return data, nil
}

// PutObject writes an object server-side. Worker-only.
func (c *Client) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return c.wrap("put", key, err)
	}
	return nil
}

// wrap classifies a provider error: missing key is permanent NotFound, 5xx is
// transient, other responses permanent, and anything without an HTTP response
// (DNS, timeout, reset) is transient.
func (c *Client) wrap(op, key string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return &StoreError{Op: op, Key: key, NotFound: true, Err: err}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == 404 {
			return &StoreError{Op: op, Key: key, NotFound: true, Err: err}
		}
		return &StoreError{Op: op, Key: key, Transient: code >= 500, Err: err}
	}
	return &StoreError{Op: op, Key: key, Transient: true, Err: err}
}
