package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/healthbridge/ahi-uploader/internal/batch"
	"github.com/healthbridge/ahi-uploader/internal/dicom"
	"github.com/healthbridge/ahi-uploader/internal/models"
)

// ImportHistory lists recorded import outcomes. Nil when the ledger is
// not configured.
type ImportHistory interface {
	ListImports(ctx context.Context, limit int) ([]*models.ImportRecord, error)
}

// StudyHandler exposes the study tree and the user actions driving the
// upload pipeline: select, upload, reset.
type StudyHandler struct {
	reg     *dicom.Registry
	orch    *batch.Orchestrator
	history ImportHistory
}

// NewStudyHandler creates a new study handler
func NewStudyHandler(reg *dicom.Registry, orch *batch.Orchestrator, history ImportHistory) *StudyHandler {
	return &StudyHandler{
		reg:     reg,
		orch:    orch,
		history: history,
	}
}

type studiesResponse struct {
	Processing bool            `json:"processing"`
	AuthError  bool            `json:"auth_error"`
	Studies    []*models.Study `json:"studies"`
}

// List handles GET /api/studies
func (sh *StudyHandler) List(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "list_studies")
	defer span.End()

	snapshot := sh.reg.Snapshot()
	span.SetAttributes(attribute.Int("study_count", len(snapshot)))

	writeJSON(w, http.StatusOK, studiesResponse{
		Processing: sh.reg.Processing(),
		AuthError:  sh.orch.AuthError(),
		Studies:    snapshot,
	})
}

type selectRequest struct {
	Checked bool `json:"checked"`
}

// Select handles POST /api/studies/{study_uid}/select
func (sh *StudyHandler) Select(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "select_study")
	defer span.End()

	studyUID := mux.Vars(r)["study_uid"]
	span.SetAttributes(attribute.String("study_instance_uid", studyUID))

	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !sh.reg.SetChecked(studyUID, req.Checked) {
		http.Error(w, "study not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Upload handles POST /api/upload: start a batch run for the checked
// studies. The run proceeds in the background; its progress is visible
// through GET /api/studies.
func (sh *StudyHandler) Upload(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "start_upload",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	if sh.orch.Running() {
		http.Error(w, "an upload run is already in progress", http.StatusConflict)
		return
	}

	if len(sh.reg.SelectedStudies()) == 0 {
		http.Error(w, "no studies selected", http.StatusBadRequest)
		return
	}

	go func() {
		err := sh.orch.Run(context.Background())
		switch {
		case err == nil:
		case errors.Is(err, batch.ErrNotAuthenticated):
			log.Printf("Upload run aborted: %v", err)
		case errors.Is(err, batch.ErrRunInProgress):
			log.Printf("Upload run rejected: %v", err)
		default:
			log.Printf("Upload run failed: %v", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// Reset handles POST /api/reset: discard the study tree. Rejected while
// aggregation or an upload run is active.
func (sh *StudyHandler) Reset(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "reset_studies")
	defer span.End()

	if sh.reg.Processing() || sh.orch.Running() {
		http.Error(w, "processing in progress", http.StatusConflict)
		return
	}

	sh.reg.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// Imports handles GET /api/imports: the recorded import history.
func (sh *StudyHandler) Imports(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_imports")
	defer span.End()

	if sh.history == nil {
		http.Error(w, "import ledger not configured", http.StatusNotImplemented)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := sh.history.ListImports(ctx, limit)
	if err != nil {
		span.RecordError(err)
		http.Error(w, "failed to list imports", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, records)
}
