package dicom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/healthbridge/ahi-uploader/internal/models"
)

// fakeParse derives UIDs from the path so tests control grouping
// without real DICOM files on disk.
func fakeParse(path string) (FileInfo, error) {
	return FileInfo{
		Path:        path,
		StudyUID:    "study-1",
		SeriesUID:   "series-1",
		InstanceUID: path,
	}, nil
}

func newTestAggregator(reg *Registry) *Aggregator {
	agg := NewAggregator(reg)
	agg.parse = fakeParse
	return agg
}

func TestOrganizeStudiesPublishesPerChunk(t *testing.T) {
	reg := NewRegistry()

	var mu sync.Mutex
	var publishes []int
	reg.Subscribe(func(studies []*models.Study) {
		total := 0
		for _, s := range studies {
			total += s.InstanceCount()
		}
		mu.Lock()
		publishes = append(publishes, total)
		mu.Unlock()
	})

	paths := make([]string, 120)
	for i := range paths {
		paths[i] = fmt.Sprintf("/data/file-%03d.dcm", i)
	}

	agg := newTestAggregator(reg)
	if err := agg.OrganizeStudies(context.Background(), paths); err != nil {
		t.Fatalf("OrganizeStudies() error: %v", err)
	}

	// 120 files in chunks of 50: snapshots after 50, 100 and 120.
	want := []int{50, 100, 120}
	if len(publishes) != len(want) {
		t.Fatalf("got %d snapshots, want %d", len(publishes), len(want))
	}
	for i, total := range want {
		if publishes[i] != total {
			t.Errorf("snapshot %d has %d instances, want %d", i, publishes[i], total)
		}
	}

	if reg.Processing() {
		t.Error("processing flag still set after completion")
	}
}

func TestOrganizeStudiesEmptyInput(t *testing.T) {
	reg := NewRegistry()

	published := 0
	reg.Subscribe(func([]*models.Study) { published++ })

	agg := newTestAggregator(reg)
	if err := agg.OrganizeStudies(context.Background(), nil); err != nil {
		t.Fatalf("OrganizeStudies() error: %v", err)
	}

	if published != 0 {
		t.Errorf("empty input published %d snapshots, want 0", published)
	}
	if len(reg.Snapshot()) != 0 {
		t.Error("empty input produced studies")
	}
}

func TestOrganizeStudiesSkipsUnparsableFiles(t *testing.T) {
	reg := NewRegistry()
	agg := NewAggregator(reg)
	agg.parse = func(path string) (FileInfo, error) {
		if path == "/data/broken.dcm" {
			return FileInfo{}, errors.New("not a DICOM file")
		}
		return fakeParse(path)
	}

	paths := []string{"/data/a.dcm", "/data/broken.dcm", "/data/b.dcm"}
	if err := agg.OrganizeStudies(context.Background(), paths); err != nil {
		t.Fatalf("OrganizeStudies() error: %v", err)
	}

	snapshot := reg.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("got %d studies, want 1", len(snapshot))
	}
	if got := snapshot[0].InstanceCount(); got != 2 {
		t.Errorf("got %d instances, want 2 (broken file skipped)", got)
	}
}

func TestOrganizeStudiesReaggregationIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	agg := newTestAggregator(reg)

	paths := []string{"/data/a.dcm", "/data/b.dcm"}
	for i := 0; i < 2; i++ {
		if err := agg.OrganizeStudies(context.Background(), paths); err != nil {
			t.Fatalf("OrganizeStudies() error: %v", err)
		}
	}

	snapshot := reg.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("got %d studies, want 1", len(snapshot))
	}
	if got := snapshot[0].InstanceCount(); got != 2 {
		t.Errorf("got %d instances after re-aggregation, want 2", got)
	}
}
