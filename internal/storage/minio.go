package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/healthbridge/ahi-uploader/internal/chunker"
	"github.com/healthbridge/ahi-uploader/internal/models"
)

var tracer = otel.Tracer("ahi-uploader-storage")

const (
	// MultipartThreshold is the file size above which the multipart
	// strategy is used. Files at or below it go up in one shot.
	MultipartThreshold = 5 * 1024 * 1024

	// PartSize is the size of each multipart part.
	PartSize = 5 * 1024 * 1024

	// PartConcurrency caps concurrent part uploads within one file.
	PartConcurrency = 5

	dicomContentType = "application/dicom"
)

// UploadResult reports the outcome of a single file upload. Transfer
// errors are captured into the result at this boundary instead of being
// returned: a failed file is a non-fatal, per-item condition.
type UploadResult struct {
	Success bool
	Key     string
	Err     error
}

// objectAPI is the slice of the MinIO client used for single-shot puts.
type objectAPI interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// multipartAPI is the slice of the MinIO core API used for multipart
// transfers.
type multipartAPI interface {
	NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error)
	PutObjectPart(ctx context.Context, bucket, object, uploadID string, partID int, reader io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error
}

// ObjectStore uploads files to one bucket of an S3-compatible store,
// choosing a transfer strategy by file size.
type ObjectStore struct {
	objects   objectAPI
	multipart multipartAPI
	bucket    string
	chunker   *chunker.Chunker
}

// NewObjectStore initializes a client against the given endpoint using
// the signing credentials from the current session. A store is cheap to
// construct; the orchestrator builds one per batch run so refreshed
// credentials take effect.
func NewObjectStore(endpoint, region, bucket string, creds models.SigningCredentials, useSSL bool) (*ObjectStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	core := &minio.Core{Client: client}

	return &ObjectStore{
		objects:   client,
		multipart: core,
		bucket:    bucket,
		chunker:   chunker.NewChunker(PartSize),
	}, nil
}

// ObjectKey builds the destination key: prefix/filename, or the bare
// filename when the prefix is empty.
func ObjectKey(prefix, filename string) string {
	if prefix == "" {
		return filename
	}
	return prefix + "/" + filename
}

// UploadFile uploads the file at path under prefix/filename. Files
// larger than MultipartThreshold use the multipart strategy; the rest go
// up in a single put. Progress, when non-nil, receives the fraction of
// bytes transferred.
func (s *ObjectStore) UploadFile(ctx context.Context, path, prefix string, progress func(float64)) UploadResult {
	ctx, span := tracer.Start(ctx, "storage.upload_file",
		trace.WithAttributes(
			attribute.String("file_path", path),
			attribute.String("prefix", prefix),
		),
	)
	defer span.End()

	key := ObjectKey(prefix, filepath.Base(path))

	stat, err := statFile(path)
	if err != nil {
		span.RecordError(err)
		return UploadResult{Key: key, Err: err}
	}

	span.SetAttributes(
		attribute.String("object_key", key),
		attribute.Int64("size_bytes", stat.Size()),
	)

	if stat.Size() > MultipartThreshold {
		err = s.multipartUpload(ctx, path, key, stat.Size(), progress)
	} else {
		err = s.standardUpload(ctx, path, key, stat.Size(), progress)
	}
	if err != nil {
		span.RecordError(err)
		log.Printf("Upload of %s failed: %v", key, err)
		return UploadResult{Key: key, Err: err}
	}

	span.SetAttributes(attribute.Bool("upload_success", true))
	return UploadResult{Success: true, Key: key}
}

func (s *ObjectStore) standardUpload(ctx context.Context, path, key string, size int64, progress func(float64)) error {
	f, err := openFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = s.objects.PutObject(ctx, s.bucket, key, f, size, minio.PutObjectOptions{
		ContentType: dicomContentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	if progress != nil {
		progress(1)
	}
	return nil
}

// multipartUpload splits the file into PartSize parts and uploads them
// with at most PartConcurrency in flight. Any part failure aborts the
// upload server-side so no orphaned parts are left behind.
func (s *ObjectStore) multipartUpload(ctx context.Context, path, key string, size int64, progress func(float64)) error {
	f, err := openFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	uploadID, err := s.multipart.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{
		ContentType: dicomContentType,
	})
	if err != nil {
		return fmt.Errorf("failed to start multipart upload for %s: %w", key, err)
	}

	plan := s.chunker.Plan(size)
	completed := make([]minio.CompletePart, len(plan))
	var transferred int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(PartConcurrency)

	for i, part := range plan {
		i, part := i, part
		g.Go(func() error {
			reader := io.NewSectionReader(f, part.Offset, part.Size)
			obj, err := s.multipart.PutObjectPart(gctx, s.bucket, key, uploadID, part.Number, reader, part.Size, minio.PutObjectPartOptions{})
			if err != nil {
				return fmt.Errorf("failed to upload part %d of %s: %w", part.Number, key, err)
			}
			completed[i] = minio.CompletePart{PartNumber: obj.PartNumber, ETag: obj.ETag}

			done := atomic.AddInt64(&transferred, part.Size)
			if progress != nil {
				progress(float64(done) / float64(size))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if abortErr := s.multipart.AbortMultipartUpload(ctx, s.bucket, key, uploadID); abortErr != nil {
			log.Printf("Failed to abort multipart upload %s for %s: %v", uploadID, key, abortErr)
		}
		return err
	}

	sort.Slice(completed, func(a, b int) bool {
		return completed[a].PartNumber < completed[b].PartNumber
	})

	if _, err := s.multipart.CompleteMultipartUpload(ctx, s.bucket, key, uploadID, completed, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("failed to complete multipart upload for %s: %w", key, err)
	}
	return nil
}

func statFile(path string) (os.FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return stat, nil
}

func openFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}
