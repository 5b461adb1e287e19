package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

// putObjectAPI is the subset of *s3.Client used by Writer.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Writer implements domain.BlobWriter using an S3-compatible backend.
type Writer struct {
	client putObjectAPI
	bucket string
	key    func(string) string
}

// NewWriter creates a new Writer that uploads objects to the given client's
// configured bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		client: c.S3(),
		bucket: c.Bucket(),
		key:    c.ObjectKey,
	}
}

// Put uploads data as a single S3 PutObject request. Dead-letter payloads are
// a few kilobytes, so multipart uploads are never needed.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	key := path
	if w.key != nil {
		key = w.key(path)
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	}

	_, err := w.client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BlobWriter = (*Writer)(nil)
