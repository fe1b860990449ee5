package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/healthbridge/ahi-uploader/internal/chunker"
)

type fakeObjectAPI struct {
	mu    sync.Mutex
	puts  []string
	sizes []int64
	err   error
}

func (f *fakeObjectAPI) PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	f.puts = append(f.puts, object)
	f.sizes = append(f.sizes, size)
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

type fakeMultipartAPI struct {
	mu            sync.Mutex
	uploadID      string
	partSizes     []int64
	completed     []minio.CompletePart
	aborted       bool
	failPart      int
	inFlight      int32
	maxInFlight   int32
	completeCalls int
}

func (f *fakeMultipartAPI) NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error) {
	f.uploadID = "upload-1"
	return f.uploadID, nil
}

func (f *fakeMultipartAPI) PutObjectPart(ctx context.Context, bucket, object, uploadID string, partID int, reader io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, cur) {
			break
		}
	}

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return minio.ObjectPart{}, err
	}

	f.mu.Lock()
	f.partSizes = append(f.partSizes, size)
	f.mu.Unlock()

	if f.failPart == partID {
		return minio.ObjectPart{}, errors.New("part upload failed")
	}
	return minio.ObjectPart{PartNumber: partID, ETag: fmt.Sprintf("etag-%d", partID)}, nil
}

func (f *fakeMultipartAPI) CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	f.completed = append([]minio.CompletePart{}, parts...)
	return minio.UploadInfo{Bucket: bucket, Key: object}, nil
}

func (f *fakeMultipartAPI) AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	return nil
}

func newTestStore(objects objectAPI, multipart multipartAPI) *ObjectStore {
	return &ObjectStore{
		objects:   objects,
		multipart: multipart,
		bucket:    "test-bucket",
		chunker:   chunker.NewChunker(PartSize),
	}
}

func writeTempFile(t *testing.T, name string, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x42}, int(size)), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix   string
		filename string
		want     string
	}{
		{"batch-1", "image.dcm", "batch-1/image.dcm"},
		{"", "image.dcm", "image.dcm"},
	}
	for _, tt := range tests {
		if got := ObjectKey(tt.prefix, tt.filename); got != tt.want {
			t.Errorf("ObjectKey(%q, %q) = %q, want %q", tt.prefix, tt.filename, got, tt.want)
		}
	}
}

func TestSmallFileUsesSingleShot(t *testing.T) {
	objects := &fakeObjectAPI{}
	multipart := &fakeMultipartAPI{}
	store := newTestStore(objects, multipart)

	path := writeTempFile(t, "small.dcm", MultipartThreshold)

	res := store.UploadFile(context.Background(), path, "batch-1", nil)
	if !res.Success {
		t.Fatalf("UploadFile() failed: %v", res.Err)
	}
	if res.Key != "batch-1/small.dcm" {
		t.Errorf("got key %q, want batch-1/small.dcm", res.Key)
	}
	if len(objects.puts) != 1 {
		t.Fatalf("PutObject called %d times, want 1", len(objects.puts))
	}
	if multipart.uploadID != "" {
		t.Error("multipart upload started for a small file")
	}
}

func TestLargeFileUsesMultipart(t *testing.T) {
	objects := &fakeObjectAPI{}
	multipart := &fakeMultipartAPI{}
	store := newTestStore(objects, multipart)

	// 12 MiB: two full 5 MiB parts plus a 2 MiB remainder.
	path := writeTempFile(t, "large.dcm", 12*1024*1024)

	var progressCalls int32
	res := store.UploadFile(context.Background(), path, "batch-1", func(float64) {
		atomic.AddInt32(&progressCalls, 1)
	})
	if !res.Success {
		t.Fatalf("UploadFile() failed: %v", res.Err)
	}

	if len(objects.puts) != 0 {
		t.Error("single-shot put used for a large file")
	}
	if len(multipart.partSizes) != 3 {
		t.Fatalf("got %d parts, want 3", len(multipart.partSizes))
	}

	var total int64
	for _, size := range multipart.partSizes {
		if size > PartSize {
			t.Errorf("part size %d exceeds %d", size, PartSize)
		}
		total += size
	}
	if total != 12*1024*1024 {
		t.Errorf("parts cover %d bytes, want %d", total, 12*1024*1024)
	}

	if multipart.completeCalls != 1 {
		t.Errorf("CompleteMultipartUpload called %d times, want 1", multipart.completeCalls)
	}
	for i, part := range multipart.completed {
		if part.PartNumber != i+1 {
			t.Errorf("completed part %d has number %d, want ascending order", i, part.PartNumber)
		}
	}
	if multipart.aborted {
		t.Error("successful upload was aborted")
	}
	if n := atomic.LoadInt32(&progressCalls); n != 3 {
		t.Errorf("progress reported %d times, want 3", n)
	}
}

func TestMultipartConcurrencyIsCapped(t *testing.T) {
	objects := &fakeObjectAPI{}
	multipart := &fakeMultipartAPI{}
	store := newTestStore(objects, multipart)

	// 40 MiB: eight parts, enough to exercise the concurrency cap.
	path := writeTempFile(t, "huge.dcm", 40*1024*1024)

	res := store.UploadFile(context.Background(), path, "", nil)
	if !res.Success {
		t.Fatalf("UploadFile() failed: %v", res.Err)
	}

	if max := atomic.LoadInt32(&multipart.maxInFlight); max > PartConcurrency {
		t.Errorf("observed %d concurrent part uploads, cap is %d", max, PartConcurrency)
	}
}

func TestPartFailureAbortsUpload(t *testing.T) {
	objects := &fakeObjectAPI{}
	multipart := &fakeMultipartAPI{failPart: 2}
	store := newTestStore(objects, multipart)

	path := writeTempFile(t, "large.dcm", 12*1024*1024)

	res := store.UploadFile(context.Background(), path, "batch-1", nil)
	if res.Success {
		t.Fatal("UploadFile() succeeded despite a failed part")
	}
	if res.Err == nil {
		t.Fatal("failed upload carries no error")
	}
	if !multipart.aborted {
		t.Error("failed multipart upload was not aborted")
	}
	if multipart.completeCalls != 0 {
		t.Error("CompleteMultipartUpload called after a part failure")
	}
}

func TestSingleShotFailureIsCapturedInResult(t *testing.T) {
	objects := &fakeObjectAPI{err: errors.New("bucket unavailable")}
	store := newTestStore(objects, &fakeMultipartAPI{})

	path := writeTempFile(t, "small.dcm", 1024)

	res := store.UploadFile(context.Background(), path, "", nil)
	if res.Success {
		t.Fatal("UploadFile() reported success on a failed put")
	}
	if res.Err == nil {
		t.Fatal("failed upload carries no error")
	}
}
