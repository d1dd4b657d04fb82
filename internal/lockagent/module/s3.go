package module

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/autopeer-io/lockagent/pkg/options"
)

// S3Getter downloads s3://bucket/key candidates from an S3 compatible store.
type S3Getter struct {
	client   *minio.Client
	maxBytes int64
}

// NewS3Getter creates the client for opts. Empty credentials mean anonymous
// requests.
func NewS3Getter(opts *options.S3Options, maxBytes int64) (*S3Getter, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return &S3Getter{client: client, maxBytes: maxBytes}, nil
}

func (g *S3Getter) Get(ctx context.Context, location string) ([]byte, error) {
	bucket, key, err := parseS3Location(location)
	if err != nil {
		return nil, err
	}

	obj, err := g.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()

	return readLimited(obj, g.maxBytes)
}

func parseS3Location(location string) (bucket, key string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 location: %s", location)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 location must be s3://bucket/key, got %s", location)
	}
	return u.Host, key, nil
}
