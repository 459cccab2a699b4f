// Package remote stages result sets that live on S3 into a local directory
// so the normal merge path can run over them.
//
// A remote root is an s3://bucket/prefix URI; the "sub-directories" of the
// root are the common prefixes one level below it, mirroring the
// root/<subdir>/<file> layout on local disk.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/meldlab/meld/internal/logctx"
)

// S3API is the subset of the S3 client used for staging. It exists so tests
// can run against a fake.
type S3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client stages remote result files.
type Client struct {
	api         S3API
	concurrency int
}

// NewClient creates a staging client using default AWS configuration.
func NewClient(ctx context.Context) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewClientWithAPI(s3.NewFromConfig(cfg)), nil
}

// NewClientWithAPI creates a staging client over an existing API.
func NewClientWithAPI(api S3API) *Client {
	return &Client{api: api, concurrency: 4}
}

// IsURI reports whether s names a remote root.
func IsURI(s string) bool {
	return strings.HasPrefix(s, "s3://")
}

// ParseURI parses an S3 URI (s3://bucket/prefix) into bucket and prefix.
func ParseURI(uri string) (bucket, prefix string, err error) {
	if !IsURI(uri) {
		return "", "", errors.New("invalid S3 URI: must start with s3://")
	}
	rest := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", "", errors.New("invalid S3 URI: missing bucket name")
	}
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix, nil
}

// Stage downloads every file one level below each sub-prefix of uri into
// destDir/<subdir>/<file> and returns destDir, which is then usable as a
// local results root. Sub-prefixes with no files are simply absent from the
// staged tree, so the scanner's skip accounting still applies.
func (c *Client) Stage(ctx context.Context, uri, destDir string) (string, error) {
	bucket, prefix, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	subdirs, err := c.listSubdirs(ctx, bucket, prefix)
	if err != nil {
		return "", err
	}
	if len(subdirs) == 0 {
		return "", fmt.Errorf("no sub-directories under %s", uri)
	}

	log := logctx.FromContext(ctx)
	log.Info().
		Str("bucket", bucket).
		Str("prefix", prefix).
		Int("subdirs", len(subdirs)).
		Msg("staging remote results root")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, sub := range subdirs {
		g.Go(func() error {
			return c.stageSubdir(gctx, bucket, sub, destDir)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return destDir, nil
}

// listSubdirs returns the common prefixes one level below prefix.
func (c *Client) listSubdirs(ctx context.Context, bucket, prefix string) ([]string, error) {
	var subdirs []string
	var token *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, cp := range out.CommonPrefixes {
			subdirs = append(subdirs, aws.ToString(cp.Prefix))
		}
		if out.NextContinuationToken == nil {
			return subdirs, nil
		}
		token = out.NextContinuationToken
	}
}

// stageSubdir downloads the files directly under subPrefix.
func (c *Client) stageSubdir(ctx context.Context, bucket, subPrefix, destDir string) error {
	name := path.Base(strings.TrimSuffix(subPrefix, "/"))
	localDir := filepath.Join(destDir, name)
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	var token *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(subPrefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("list s3://%s/%s: %w", bucket, subPrefix, err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if key == subPrefix {
				continue // the directory marker object, if present
			}
			if err := c.download(ctx, bucket, key, filepath.Join(localDir, path.Base(key))); err != nil {
				return err
			}
		}
		if out.NextContinuationToken == nil {
			return nil
		}
		token = out.NextContinuationToken
	}
}

func (c *Client) download(ctx context.Context, bucket, key, dest string) error {
	resp, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get object s3://%s/%s: %w", bucket, key, err)
	}
	defer resp.Body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	return f.Close()
}
