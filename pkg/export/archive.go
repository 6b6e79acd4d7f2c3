package export

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// zipEpoch is the fixed timestamp stamped on archive members. Zip encodes
// member mtimes, so a wall-clock stamp would break byte-for-byte parity.
var zipEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Zip packs the bundle into a deterministic archive: fixed member order,
// fixed timestamps, Deflate throughout.
func Zip(b *Bundle) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	names := append(append([]string{}, csvOrder...), FileManifest, FileManifestHash, FileManifestSig)
	for _, name := range names {
		f, err := w.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: zipEpoch,
		})
		if err != nil {
			return nil, fmt.Errorf("export: zip member %s: %w", name, err)
		}
		if _, err := f.Write(b.Files[name]); err != nil {
			return nil, fmt.Errorf("export: zip write %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("export: zip close: %w", err)
	}
	return buf.Bytes(), nil
}

// ObjectPutter is the slice of the S3 client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads zipped bundles to the archive bucket.
type Archiver struct {
	client ObjectPutter
	bucket string
}

// NewArchiver wires an archiver over an S3 client.
func NewArchiver(client ObjectPutter, bucket string) *Archiver {
	return &Archiver{client: client, bucket: bucket}
}

// Key is the archive object key for a bundle.
func (a *Archiver) Key(b *Bundle) string {
	const layout = "20060102T150405Z"
	return fmt.Sprintf("exports/%s/%s-%s.zip",
		b.TenantID, b.From.UTC().Format(layout), b.To.UTC().Format(layout))
}

// Archive zips the bundle and uploads it. Returns the object key.
func (a *Archiver) Archive(ctx context.Context, b *Bundle) (string, error) {
	payload, err := Zip(b)
	if err != nil {
		return "", err
	}
	key := a.Key(b)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("export: archive upload %s: %w", key, err)
	}
	return key, nil
}
