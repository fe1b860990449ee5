package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/healthbridge/ahi-uploader/internal/dicom"
	"github.com/healthbridge/ahi-uploader/internal/models"
	"github.com/healthbridge/ahi-uploader/internal/storage"
)

var tracer = otel.Tracer("ahi-uploader-batch")

// UploadBatchSize caps how many instance uploads run concurrently
// within one study. Batches are processed sequentially.
const UploadBatchSize = 10

var (
	// ErrNotAuthenticated aborts a run before any upload when the
	// session credentials come back empty.
	ErrNotAuthenticated = errors.New("session is not authenticated")

	// ErrRunInProgress rejects overlapping runs.
	ErrRunInProgress = errors.New("an upload run is already in progress")
)

// CredentialSource provides signing credentials and app configuration.
type CredentialSource interface {
	SigningCredentials(ctx context.Context) (models.SigningCredentials, error)
	AppConfig(ctx context.Context) (models.AppConfig, error)
}

// Uploader uploads one file under a key prefix.
type Uploader interface {
	UploadFile(ctx context.Context, path, prefix string, progress func(float64)) storage.UploadResult
}

// Importer triggers the AHI import job for one study's uploaded files.
type Importer interface {
	ImportDICOMStudy(ctx context.Context, inputURI, outputURI, roleARN, datastoreID string) bool
}

// Ledger records import outcomes. Ledger failures are logged, never
// fatal to a run.
type Ledger interface {
	RecordImport(ctx context.Context, rec *models.ImportRecord) error
}

// UploaderFactory builds an uploader for one run, bound to the current
// session credentials and bucket.
type UploaderFactory func(cfg models.AppConfig, creds models.SigningCredentials) (Uploader, error)

// ImporterFactory builds an importer for the configured region.
type ImporterFactory func(region string) Importer

// Orchestrator drives the upload of all selected, not-yet-uploaded
// studies to completion, one study at a time, with bounded parallelism
// within a study and terminal status reporting per study.
type Orchestrator struct {
	creds       CredentialSource
	reg         *dicom.Registry
	newUploader UploaderFactory
	newImporter ImporterFactory
	ledger      Ledger
	strict      bool

	running   atomic.Bool
	authError atomic.Bool
}

// NewOrchestrator wires the orchestrator. ledger may be nil. When strict
// is true a study with any failed file upload is marked Failed instead
// of proceeding to the import stage.
func NewOrchestrator(creds CredentialSource, reg *dicom.Registry, newUploader UploaderFactory, newImporter ImporterFactory, ledger Ledger, strict bool) *Orchestrator {
	return &Orchestrator{
		creds:       creds,
		reg:         reg,
		newUploader: newUploader,
		newImporter: newImporter,
		ledger:      ledger,
		strict:      strict,
	}
}

// Running reports whether a run is active.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// AuthError reports whether the last run aborted on an unauthenticated
// session. Cleared at the start of each run.
func (o *Orchestrator) AuthError() bool {
	return o.authError.Load()
}

// Run processes every checked study sequentially. It aborts the whole
// batch, before any upload, when the session is unauthenticated; any
// other per-study failure is contained to that study.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer o.running.Store(false)

	ctx, span := tracer.Start(ctx, "batch.run")
	defer span.End()

	o.authError.Store(false)
	o.reg.SetProcessing(true)
	defer o.reg.SetProcessing(false)

	signing, err := o.creds.SigningCredentials(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if signing.AccessKeyID == "" {
		o.authError.Store(true)
		span.RecordError(ErrNotAuthenticated)
		return ErrNotAuthenticated
	}

	cfg, err := o.creds.AppConfig(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	uploader, err := o.newUploader(cfg, signing)
	if err != nil {
		span.RecordError(err)
		return err
	}
	importer := o.newImporter(cfg.Region)

	selected := o.reg.SelectedStudies()
	span.SetAttributes(attribute.Int("selected_studies", len(selected)))

	for _, study := range selected {
		if study.Status == models.StatusCompleted {
			continue
		}
		if err := o.uploadStudy(ctx, uploader, importer, cfg, study); err != nil {
			log.Printf("Failed to upload study %s: %v", study.StudyInstanceUID, err)
			o.reg.SetStatus(study.StudyInstanceUID, models.StatusFailed)
			o.reg.Publish()
		}
	}

	return nil
}

func (o *Orchestrator) uploadStudy(ctx context.Context, uploader Uploader, importer Importer, cfg models.AppConfig, study *models.Study) error {
	ctx, span := tracer.Start(ctx, "batch.upload_study",
		trace.WithAttributes(attribute.String("study_instance_uid", study.StudyInstanceUID)),
	)
	defer span.End()

	studyUID := study.StudyInstanceUID

	// All files of one study share one batch-scoped prefix, which also
	// becomes the import job's input and output path segment.
	batchID := uuid.NewString()
	span.SetAttributes(attribute.String("batch_id", batchID))

	pending := o.reg.PendingInstances(studyUID)
	if len(pending) == 0 {
		o.reg.SetStatus(studyUID, models.StatusCompleted)
		o.reg.Publish()
		return nil
	}

	o.reg.SetUploadProgress(studyUID, 0)
	o.reg.Publish()

	total := len(pending)
	var processed, failed int64

	for start := 0; start < len(pending); start += UploadBatchSize {
		end := start + UploadBatchSize
		if end > len(pending) {
			end = len(pending)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, inst := range pending[start:end] {
			inst := inst
			g.Go(func() error {
				res := uploader.UploadFile(gctx, inst.FilePath, batchID, nil)
				if !res.Success {
					// Best-effort policy: a failed file is logged and
					// the study still proceeds to the import stage.
					atomic.AddInt64(&failed, 1)
					log.Printf("Failed to upload file %s: %v", inst.FilePath, res.Err)
					return nil
				}

				o.reg.MarkUploaded(studyUID, inst.InstanceUID)
				done := atomic.AddInt64(&processed, 1)
				pct := int(math.Round(float64(done) / float64(total) * 100))
				o.reg.SetUploadProgress(studyUID, pct)
				o.reg.Publish()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	span.SetAttributes(
		attribute.Int("files_total", total),
		attribute.Int64("files_failed", atomic.LoadInt64(&failed)),
	)

	if o.strict && atomic.LoadInt64(&failed) > 0 {
		return fmt.Errorf("%d of %d files failed to upload", failed, total)
	}

	o.reg.SetStatus(studyUID, models.StatusImporting)
	o.reg.Publish()

	inputURI := fmt.Sprintf("s3://%s/%s/", cfg.SourceBucketName, batchID)
	outputURI := fmt.Sprintf("s3://%s/%s/", cfg.OutputBucketName, batchID)

	status := models.StatusImportFailed
	if importer.ImportDICOMStudy(ctx, inputURI, outputURI, cfg.AHIImportRoleARN, cfg.DatastoreID) {
		status = models.StatusImportSubmitted
	}
	o.reg.SetStatus(studyUID, status)
	o.reg.Publish()

	if o.ledger != nil {
		rec := &models.ImportRecord{
			BatchID:          batchID,
			StudyInstanceUID: studyUID,
			InputURI:         inputURI,
			Status:           status,
			SubmittedAt:      time.Now().UTC(),
		}
		if err := o.ledger.RecordImport(ctx, rec); err != nil {
			log.Printf("Failed to record import for study %s: %v", studyUID, err)
		}
	}

	return nil
}
