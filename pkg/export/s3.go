package export

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Destination uploads bundles to an S3 (or S3-compatible) bucket under
// <prefix>/<org>/<packet>/.
type S3Destination struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config holds S3Destination settings.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO / LocalStack
	Prefix   string
}

func NewS3Destination(ctx context.Context, cfg S3Config) (*S3Destination, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Destination{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (d *S3Destination) Name() string { return "s3" }

// Upload writes every blob first and the manifest last. The manifest's
// presence marks the bundle complete; consumers must not read a bundle
// without one.
func (d *S3Destination) Upload(ctx context.Context, b Bundle) (string, error) {
	root := path.Join(d.prefix, b.OrgID, b.PacketID)

	for _, blob := range b.Blobs {
		if err := d.put(ctx, path.Join(root, blob.Path), blob.Data, "application/json"); err != nil {
			return "", err
		}
	}
	if err := d.put(ctx, path.Join(root, ManifestFileName), b.Manifest, "application/json"); err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", d.bucket, root), nil
}

func (d *S3Destination) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed for %s: %w", key, err)
	}
	return nil
}
