// Package source opens dataset files and reads them as CSV records.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
)

// Opener resolves a dataset URI to a byte stream. Plain paths are read from
// disk, s3://bucket/key through S3, and a .gz suffix on either is
// decompressed on the fly.
type Opener struct {
	S3 S3GetObjectAPI
}

func (o *Opener) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	if strings.HasPrefix(uri, "s3://") {
		if o.S3 == nil {
			return nil, fmt.Errorf("no s3 client configured for %s", uri)
		}
		bucket, key, err := ParseS3URI(uri)
		if err != nil {
			return nil, err
		}
		out, err := o.S3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get %s: %w", uri, err)
		}
		rc = out.Body
	} else {
		f, err := os.Open(strings.TrimPrefix(uri, "file://"))
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", uri, err)
		}
		rc = f
	}

	if !strings.HasSuffix(uri, ".gz") {
		return rc, nil
	}
	zr, err := gzip.NewReader(rc)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to read gzip header of %s: %w", uri, err)
	}
	return &gzipReadCloser{zr: zr, under: rc}, nil
}

type gzipReadCloser struct {
	zr    *gzip.Reader
	under io.Closer
}

func (g *gzipReadCloser) Read(p []byte) (int, error) {
	return g.zr.Read(p)
}

func (g *gzipReadCloser) Close() error {
	return errors.Join(g.zr.Close(), g.under.Close())
}
