package dicom

import (
	"fmt"
	"os"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// FileInfo is the identifying header data extracted from one DICOM file.
type FileInfo struct {
	Path           string
	Size           int64
	PatientName    string
	PatientID      string
	StudyUID       string
	StudyDesc      string
	StudyDate      string
	SeriesUID      string
	SeriesDesc     string
	InstanceUID    string
	InstanceNumber string
}

// ParseFileInfo reads the DICOM header of the file at path and extracts
// the tags needed to place it in the study tree. Pixel data is skipped.
func ParseFileInfo(path string) (FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return FileInfo{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	info := FileInfo{
		Path:           path,
		Size:           stat.Size(),
		PatientName:    getStringByTag(&ds, tag.PatientName),
		PatientID:      getStringByTag(&ds, tag.PatientID),
		StudyUID:       getStringByTag(&ds, tag.StudyInstanceUID),
		StudyDesc:      getStringByTag(&ds, tag.StudyDescription),
		StudyDate:      getStringByTag(&ds, tag.StudyDate),
		SeriesUID:      getStringByTag(&ds, tag.SeriesInstanceUID),
		SeriesDesc:     getStringByTag(&ds, tag.SeriesDescription),
		InstanceUID:    getStringByTag(&ds, tag.SOPInstanceUID),
		InstanceNumber: getStringByTag(&ds, tag.InstanceNumber),
	}

	if info.StudyUID == "" || info.InstanceUID == "" {
		return FileInfo{}, fmt.Errorf("%s has no study or SOP instance UID", path)
	}

	return info, nil
}

// getStringByTag extracts the first string value for the given tag,
// using MustGetStrings on the element's value so we store clean values
// like "1.2.840...." instead of the verbose Element.String() form.
func getStringByTag(ds *dicom.Dataset, t tag.Tag) string {
	if ds == nil {
		return ""
	}
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	vals := dicom.MustGetStrings(el.Value)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
