package dicom

import (
	"fmt"
	"sync"

	"github.com/healthbridge/ahi-uploader/internal/models"
)

// Registry holds the in-memory Study/Series/Instance tree. Merges are
// append-only and keyed by UID at every level, so re-encountering a UID
// never creates a duplicate entry. Observers always receive deep-copied
// snapshots, never the live tree.
type Registry struct {
	mu         sync.RWMutex
	studies    []*models.Study
	processing bool
	observers  []func([]*models.Study)
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Subscribe registers an observer that receives a snapshot on every
// Publish. Observers are invoked synchronously, outside the lock.
func (r *Registry) Subscribe(fn func([]*models.Study)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Publish sends the current snapshot to all observers.
func (r *Registry) Publish() {
	r.mu.RLock()
	snapshot := models.CloneStudies(r.studies)
	observers := append([]func([]*models.Study){}, r.observers...)
	r.mu.RUnlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}

// Snapshot returns a deep copy of the current tree.
func (r *Registry) Snapshot() []*models.Study {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return models.CloneStudies(r.studies)
}

// Merge inserts the parsed file into the tree. New studies arrive
// checked and Not Uploaded; already-known instances are left untouched.
func (r *Registry) Merge(info FileInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	study := r.findStudy(info.StudyUID)
	if study == nil {
		study = &models.Study{
			StudyInstanceUID: info.StudyUID,
			PatientName:      info.PatientName,
			PatientID:        info.PatientID,
			StudyDescription: info.StudyDesc,
			StudyDate:        info.StudyDate,
			Checked:          true,
			Status:           models.StatusNotUploaded,
		}
		r.studies = append(r.studies, study)
	}

	var series *models.Series
	for _, ser := range study.Series {
		if ser.SeriesInstanceUID == info.SeriesUID {
			series = ser
			break
		}
	}
	if series == nil {
		series = &models.Series{
			SeriesInstanceUID: info.SeriesUID,
			SeriesDescription: info.SeriesDesc,
		}
		study.Series = append(study.Series, series)
	}

	for _, inst := range series.Instances {
		if inst.InstanceUID == info.InstanceUID {
			return
		}
	}
	series.Instances = append(series.Instances, &models.Instance{
		InstanceUID:    info.InstanceUID,
		InstanceNumber: info.InstanceNumber,
		FilePath:       info.Path,
		Size:           info.Size,
	})
}

// SetChecked flips the selection flag of a study. Returns false when the
// study is unknown.
func (r *Registry) SetChecked(studyUID string, checked bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	study := r.findStudy(studyUID)
	if study == nil {
		return false
	}
	study.Checked = checked
	return true
}

// SetStatus updates a study's status. A Completed study never regresses.
func (r *Registry) SetStatus(studyUID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	study := r.findStudy(studyUID)
	if study == nil || study.Status == models.StatusCompleted {
		return
	}
	study.Status = status
}

// SetUploadProgress sets the study's status to the percentage form.
func (r *Registry) SetUploadProgress(studyUID string, pct int) {
	r.SetStatus(studyUID, UploadingStatus(pct))
}

// UploadingStatus renders the in-progress upload status for a study.
func UploadingStatus(pct int) string {
	return fmt.Sprintf("Uploading (%d%%)", pct)
}

// MarkUploaded flips an instance's uploaded flag. The transition is
// one-way: an uploaded instance stays uploaded.
func (r *Registry) MarkUploaded(studyUID, instanceUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	study := r.findStudy(studyUID)
	if study == nil {
		return
	}
	for _, ser := range study.Series {
		for _, inst := range ser.Instances {
			if inst.InstanceUID == instanceUID {
				inst.Uploaded = true
				return
			}
		}
	}
}

// PendingInstances returns copies of the study's instances that have not
// been uploaded yet.
func (r *Registry) PendingInstances(studyUID string) []models.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	study := r.findStudy(studyUID)
	if study == nil {
		return nil
	}
	var pending []models.Instance
	for _, ser := range study.Series {
		for _, inst := range ser.Instances {
			if !inst.Uploaded {
				pending = append(pending, *inst)
			}
		}
	}
	return pending
}

// SelectedStudies returns deep copies of the checked studies, in
// aggregation order.
func (r *Registry) SelectedStudies() []*models.Study {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var selected []*models.Study
	for _, study := range r.studies {
		if study.Checked {
			selected = append(selected, study.Clone())
		}
	}
	return selected
}

// Reset discards the whole tree.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.studies = nil
	r.mu.Unlock()
	r.Publish()
}

// SetProcessing marks whether aggregation or an upload run is active.
func (r *Registry) SetProcessing(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processing = active
}

// Processing reports whether aggregation or an upload run is active.
func (r *Registry) Processing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.processing
}

// caller holds the lock
func (r *Registry) findStudy(studyUID string) *models.Study {
	for _, study := range r.studies {
		if study.StudyInstanceUID == studyUID {
			return study
		}
	}
	return nil
}
