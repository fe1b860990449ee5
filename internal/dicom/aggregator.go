package dicom

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("ahi-uploader-dicom")

// DefaultChunkSize is how many files are parsed per aggregation chunk.
// One snapshot is published to observers after each chunk.
const DefaultChunkSize = 50

// Aggregator converts a flat list of files into the study tree held by
// the registry. Files are processed in chunks so a large folder drop
// produces incremental snapshots instead of one long silence.
type Aggregator struct {
	reg       *Registry
	chunkSize int
	parse     func(path string) (FileInfo, error)
}

// NewAggregator creates an aggregator feeding the given registry
func NewAggregator(reg *Registry) *Aggregator {
	return &Aggregator{
		reg:       reg,
		chunkSize: DefaultChunkSize,
		parse:     ParseFileInfo,
	}
}

// OrganizeStudies parses every file and merges it into the tree. Files
// within a chunk are parsed concurrently; chunks run sequentially with a
// snapshot published between them. A file that fails to parse is logged
// and skipped without aborting the rest.
func (a *Aggregator) OrganizeStudies(ctx context.Context, paths []string) error {
	ctx, span := tracer.Start(ctx, "dicom.organize_studies",
		trace.WithAttributes(attribute.Int("file_count", len(paths))),
	)
	defer span.End()

	a.reg.SetProcessing(true)
	defer a.reg.SetProcessing(false)

	if len(paths) == 0 {
		return nil
	}

	for start := 0; start < len(paths); start += a.chunkSize {
		end := start + a.chunkSize
		if end > len(paths) {
			end = len(paths)
		}
		chunk := paths[start:end]

		g, _ := errgroup.WithContext(ctx)
		for _, path := range chunk {
			path := path
			g.Go(func() error {
				info, err := a.parse(path)
				if err != nil {
					log.Printf("Skipping file %s: %v", path, err)
					return nil
				}
				a.reg.Merge(info)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			span.RecordError(err)
			return err
		}

		a.reg.Publish()

		// Yield between chunks so a cancelled scan stops promptly.
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return ctx.Err()
		default:
		}
	}

	span.SetAttributes(attribute.Int("study_count", len(a.reg.Snapshot())))
	return nil
}
