package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/healthbridge/ahi-uploader/internal/dicom"
)

var tracer = otel.Tracer("ahi-uploader-handlers")

// maxUploadMemory bounds how much of a multipart form is buffered in
// memory before spilling to disk.
const maxUploadMemory = 32 << 20

// IngestHandler accepts new DICOM files, either by scanning a directory
// on the server or by receiving uploaded files spooled to disk, and
// feeds them to the aggregator.
type IngestHandler struct {
	reg      *dicom.Registry
	agg      *dicom.Aggregator
	spoolDir string
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(reg *dicom.Registry, agg *dicom.Aggregator, spoolDir string) *IngestHandler {
	return &IngestHandler{
		reg:      reg,
		agg:      agg,
		spoolDir: spoolDir,
	}
}

type scanRequest struct {
	Dir string `json:"dir"`
}

type ingestResponse struct {
	FileCount int    `json:"file_count"`
	Message   string `json:"message"`
}

// Scan handles POST /api/scan: walk a directory and aggregate its files.
func (ih *IngestHandler) Scan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, span := tracer.Start(ctx, "scan_directory",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	if ih.reg.Processing() {
		http.Error(w, "processing already in progress", http.StatusConflict)
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Dir == "" {
		http.Error(w, "missing 'dir' in request body", http.StatusBadRequest)
		return
	}

	span.SetAttributes(attribute.String("dir", req.Dir))

	paths, err := collectFiles(req.Dir)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to scan directory: %v", err), http.StatusBadRequest)
		return
	}

	ih.aggregateAsync(paths)

	writeJSON(w, http.StatusAccepted, ingestResponse{
		FileCount: len(paths),
		Message:   "Aggregation started",
	})
}

// Files handles POST /api/files: receive DICOM files as a multipart
// form, spool them to disk, and aggregate them.
func (ih *IngestHandler) Files(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, span := tracer.Start(ctx, "receive_files",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	if ih.reg.Processing() {
		http.Error(w, "processing already in progress", http.StatusConflict)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to parse form: %v", err), http.StatusBadRequest)
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		http.Error(w, "no files in request", http.StatusBadRequest)
		return
	}

	// One spool directory per request so identical filenames from
	// different requests never collide.
	dir := filepath.Join(ih.spoolDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to create spool dir: %v", err), http.StatusInternalServerError)
		return
	}

	var paths []string
	for _, fh := range files {
		path, err := spoolFile(dir, fh.Filename, fh)
		if err != nil {
			span.RecordError(err)
			log.Printf("Failed to spool file %s: %v", fh.Filename, err)
			continue
		}
		paths = append(paths, path)
	}

	span.SetAttributes(attribute.Int("file_count", len(paths)))

	ih.aggregateAsync(paths)

	writeJSON(w, http.StatusAccepted, ingestResponse{
		FileCount: len(paths),
		Message:   "Aggregation started",
	})
}

// aggregateAsync runs aggregation detached from the request so a large
// folder does not hold the HTTP connection open. Progress is observable
// through GET /api/studies.
func (ih *IngestHandler) aggregateAsync(paths []string) {
	go func() {
		if err := ih.agg.OrganizeStudies(context.Background(), paths); err != nil {
			log.Printf("Aggregation failed: %v", err)
		}
	}()
}

func spoolFile(dir, name string, fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	path := filepath.Join(dir, filepath.Base(name))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create spool file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("failed to write spool file: %w", err)
	}
	return path, nil
}

// collectFiles walks dir and returns every regular file. The parser
// decides later what is and is not DICOM.
func collectFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return paths, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
