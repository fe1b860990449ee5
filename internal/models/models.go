package models

import "time"

// Credentials is a temporary credential record returned by the
// session-validation endpoint.
type Credentials struct {
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key"`
	SessionToken    string    `json:"session_token"`
	Expiration      time.Time `json:"expiration"`
}

// SigningCredentials is the subset of a credential record needed to sign
// storage and imaging API requests.
type SigningCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// AppConfig is the deployment configuration delivered alongside
// credentials by the validation endpoint.
type AppConfig struct {
	DatastoreID      string `json:"datastore_id"`
	SourceBucketName string `json:"source_bucket_name"`
	OutputBucketName string `json:"output_bucket_name"`
	AHIImportRoleARN string `json:"ahi_import_role_arn"`
	Region           string `json:"region"`
}

// Study statuses as rendered to the user. Transitions are monotonic: a
// study never moves backwards from a terminal status.
const (
	StatusNotUploaded     = "Not Uploaded"
	StatusImporting       = "Importing to AHI"
	StatusImportSubmitted = "AHI Import Submitted"
	StatusImportFailed    = "AHI Import Failed"
	StatusCompleted       = "Completed"
	StatusFailed          = "Failed"
)

// Study is one DICOM study grouped from scanned files.
type Study struct {
	StudyInstanceUID string    `json:"study_instance_uid"`
	PatientName      string    `json:"patient_name"`
	PatientID        string    `json:"patient_id"`
	StudyDescription string    `json:"study_description"`
	StudyDate        string    `json:"study_date"`
	Series           []*Series `json:"series"`
	Checked          bool      `json:"checked"`
	Status           string    `json:"status"`
}

// Series is one DICOM series within a study.
type Series struct {
	SeriesInstanceUID string      `json:"series_instance_uid"`
	SeriesDescription string      `json:"series_description"`
	Instances         []*Instance `json:"instances"`
}

// Instance is one DICOM instance (a single file on disk).
type Instance struct {
	InstanceUID    string `json:"instance_uid"`
	InstanceNumber string `json:"instance_number"`
	FilePath       string `json:"file_path"`
	Size           int64  `json:"size"`
	Uploaded       bool   `json:"uploaded"`
}

// InstanceCount returns the number of instances across all series.
func (s *Study) InstanceCount() int {
	total := 0
	for _, ser := range s.Series {
		total += len(ser.Instances)
	}
	return total
}

// Clone returns a deep copy of the study. Observers always receive
// clones, never the live tree.
func (s *Study) Clone() *Study {
	out := *s
	out.Series = make([]*Series, len(s.Series))
	for i, ser := range s.Series {
		cs := *ser
		cs.Instances = make([]*Instance, len(ser.Instances))
		for j, inst := range ser.Instances {
			ci := *inst
			cs.Instances[j] = &ci
		}
		out.Series[i] = &cs
	}
	return &out
}

// CloneStudies deep-copies a study list.
func CloneStudies(studies []*Study) []*Study {
	out := make([]*Study, len(studies))
	for i, s := range studies {
		out[i] = s.Clone()
	}
	return out
}

// ImportRecord is one row in the import ledger: the outcome of a single
// AHI import submission for a study.
type ImportRecord struct {
	BatchID          string    `json:"batch_id"`
	StudyInstanceUID string    `json:"study_instance_uid"`
	InputURI         string    `json:"input_uri"`
	Status           string    `json:"status"`
	SubmittedAt      time.Time `json:"submitted_at"`
}
