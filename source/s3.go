package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Source lists and downloads videos from an S3 bucket prefix, for deploys
// that stage inputs in object storage instead of Drive.
type S3Source struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures the S3 source. Empty values fall back to the standard
// AWS config/credential chain.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// UsePathStyle forces path-style addressing for S3-compatible providers.
	UsePathStyle bool
}

// NewS3Source creates an S3-backed source using the default AWS config chain.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Source{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// List returns the prefix's video objects sorted by name.
func (s *S3Source) List(ctx context.Context) ([]Video, error) {
	var out []Video
	var continuation *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			MaxKeys:           aws.Int32(1000),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, s.prefix, err)
		}

		for _, obj := range resp.Contents {
			key := aws.ToString(obj.Key)
			name := path.Base(key)
			if !IsVideoFile(name) {
				continue
			}
			v := Video{ID: key, Name: name, Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				v.CreatedAt = *obj.LastModified
			}
			out = append(out, v)
		}

		if resp.NextContinuationToken == nil {
			break
		}
		continuation = resp.NextContinuationToken
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Download fetches the object into destDir and returns the local path.
func (s *S3Source) Download(ctx context.Context, v Video, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(v.ID),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
			return "", fmt.Errorf("%w: s3 object %s", ErrNotFound, v.ID)
		}
		return "", fmt.Errorf("get s3://%s/%s: %w", s.bucket, v.ID, err)
	}
	defer resp.Body.Close()

	dest := filepath.Join(destDir, v.Name)
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	if n == 0 {
		_ = os.Remove(dest)
		return "", fmt.Errorf("downloaded object %s is empty", v.ID)
	}
	return dest, nil
}
