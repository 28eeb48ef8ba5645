package content

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/agencyos/dispatch/internal/domain"
)

// Bodies past this size move to object storage; the snapshot keeps a
// preview plus the archive ref.
const archiveThresholdBytes = 16 * 1024

const previewBytes = 512

// ObjectStore is the S3 surface the archiver needs.
type ObjectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver offloads oversized snapshot bodies to object storage.
type Archiver struct {
	store  ObjectStore
	bucket string
}

// NewArchiver creates an archiver writing to bucket.
func NewArchiver(store ObjectStore, bucket string) *Archiver {
	return &Archiver{store: store, bucket: bucket}
}

// MaybeArchive moves the body out of the snapshot when it exceeds the
// inline threshold. The snapshot keeps a preview and the object key.
func (a *Archiver) MaybeArchive(ctx context.Context, assignmentID string, snap *domain.ContentSnapshot) error {
	if len(snap.Body) <= archiveThresholdBytes {
		return nil
	}

	key := fmt.Sprintf("snapshots/%s/%d.txt", assignmentID, time.Now().UnixNano())
	_, err := a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader([]byte(snap.Body)),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("archive snapshot body: %w", err)
	}

	snap.ArchiveRef = key
	snap.Body = snap.Body[:previewBytes]
	return nil
}
