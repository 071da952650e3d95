// Package documents fetches the pre-rendered PDFs attached to invoices and
// credit notes when they are created on the billing platform.
package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/billabex/netsuite-connector/internal/billing"
	"github.com/billabex/netsuite-connector/internal/config"
	"github.com/billabex/netsuite-connector/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotRendered means the ERP has not exported the PDF yet
var ErrNotRendered = errors.New("document not rendered yet")

const maxDocumentBytes = 32 << 20

type Source interface {
	Fetch(ctx context.Context, kind models.EntityKind, number string) (billing.Document, error)
}

// NewSource picks S3 when a bucket is configured, the local directory otherwise.
func NewSource(ctx context.Context, cfg *config.Config) (Source, error) {
	if cfg.DocumentsBucket == "" {
		return &DirSource{Root: cfg.DocumentsDir}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3Source(s3.NewFromConfig(awsCfg), cfg.DocumentsBucket, cfg.DocumentsPrefix), nil
}

// ObjectGetter is the part of the S3 client we use
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads <prefix>/<kind>/<number>.pdf from a bucket.
type S3Source struct {
	client ObjectGetter
	bucket string
	prefix string
}

func NewS3Source(client ObjectGetter, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Source) Fetch(ctx context.Context, kind models.EntityKind, number string) (billing.Document, error) {
	name, err := fileName(number)
	if err != nil {
		return billing.Document{}, err
	}
	key := path.Join(s.prefix, string(kind), name)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return billing.Document{}, fmt.Errorf("s3://%s/%s: %w", s.bucket, key, ErrNotRendered)
		}
		return billing.Document{}, fmt.Errorf("failed to download s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	content, err := readLimited(out.Body)
	if err != nil {
		return billing.Document{}, fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err)
	}
	return billing.Document{FileName: name, Content: content}, nil
}

// DirSource reads <root>/<kind>/<number>.pdf from disk.
type DirSource struct {
	Root string
}

func (d *DirSource) Fetch(_ context.Context, kind models.EntityKind, number string) (billing.Document, error) {
	name, err := fileName(number)
	if err != nil {
		return billing.Document{}, err
	}
	p := filepath.Join(d.Root, string(kind), name)

	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return billing.Document{}, fmt.Errorf("%s: %w", p, ErrNotRendered)
	}
	if err != nil {
		return billing.Document{}, err
	}
	defer f.Close()

	content, err := readLimited(f)
	if err != nil {
		return billing.Document{}, fmt.Errorf("read %s: %w", p, err)
	}
	return billing.Document{FileName: name, Content: content}, nil
}

func fileName(number string) (string, error) {
	number = strings.TrimSpace(number)
	if number == "" || strings.ContainsAny(number, `/\`) || number == "." || number == ".." {
		return "", fmt.Errorf("FATAL: document number %q cannot be used as a file name", number)
	}
	return number + ".pdf", nil
}

func readLimited(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxDocumentBytes {
		return nil, fmt.Errorf("document larger than %d bytes", maxDocumentBytes)
	}
	if len(b) == 0 {
		return nil, errors.New("document is empty")
	}
	return b, nil
}
