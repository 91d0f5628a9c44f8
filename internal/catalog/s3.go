package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is the subset of the S3 API the bucket uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	AccessKey string
	SecretKey string
}

// S3Bucket stores videos under {prefix}{name}.
type S3Bucket struct {
	client S3Client
	bucket string
	prefix string
}

func NewS3Bucket(ctx context.Context, cfg S3Config) (*S3Bucket, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3BucketWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewS3BucketWithClient(client S3Client, bucket, prefix string) *S3Bucket {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Bucket{client: client, bucket: bucket, prefix: prefix}
}

func (b *S3Bucket) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := validName(name); err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.prefix + name),
		Body:        r,
		ContentType: aws.String(contentType(name)),
	}
	if size > 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := b.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

// List pages through the prefix and returns the newest names first.
func (b *S3Bucket) List(ctx context.Context, limit int) ([]Object, error) {
	out := []Object{}
	var token *string
	for {
		page, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list videos: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			o := Object{Name: name, Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				o.UpdatedAt = *obj.LastModified
			}
			out = append(out, o)
		}
		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *S3Bucket) Remove(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	key := aws.String(b.prefix + name)
	if _, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: key}); err != nil {
		if isNotFound(err) {
			return ErrObjectNotFound
		}
		return err
	}
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.bucket), Key: key}); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func (b *S3Bucket) Stat(ctx context.Context, name string) (Object, error) {
	if err := validName(name); err != nil {
		return Object{}, err
	}
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(b.prefix + name)})
	if err != nil {
		if isNotFound(err) {
			return Object{}, ErrObjectNotFound
		}
		return Object{}, fmt.Errorf("stat %s: %w", name, err)
	}
	o := Object{Name: name, Size: aws.ToInt64(out.ContentLength)}
	if out.LastModified != nil {
		o.UpdatedAt = *out.LastModified
	}
	return o, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr interface{ HTTPStatusCode() int }
	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode() == 404
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(name), ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(strings.ToLower(name), ".webm"):
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}
