package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/healthbridge/ahi-uploader/internal/models"
)

// ImportLedger records one row per AHI import submission so operators
// can audit which studies were handed off and with what outcome.
type ImportLedger struct {
	db *sql.DB
}

// NewImportLedger initializes the MySQL-backed ledger
func NewImportLedger(dsn string) (*ImportLedger, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &ImportLedger{db: db}, nil
}

// Close closes the database connection
func (il *ImportLedger) Close() error {
	return il.db.Close()
}

// RecordImport inserts one import outcome with tracing
func (il *ImportLedger) RecordImport(ctx context.Context, rec *models.ImportRecord) error {
	ctx, span := tracer.Start(ctx, "ledger.record_import",
		trace.WithAttributes(
			attribute.String("batch_id", rec.BatchID),
			attribute.String("study_instance_uid", rec.StudyInstanceUID),
			attribute.String("status", rec.Status),
		),
	)
	defer span.End()

	query := `INSERT INTO import_jobs (batch_id, study_instance_uid, input_uri, status, submitted_at)
			  VALUES (?, ?, ?, ?, ?)`

	_, err := il.db.ExecContext(ctx, query, rec.BatchID, rec.StudyInstanceUID, rec.InputURI, rec.Status, rec.SubmittedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert import record: %w", err)
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

// ListImports retrieves the most recent import outcomes with tracing
func (il *ImportLedger) ListImports(ctx context.Context, limit int) ([]*models.ImportRecord, error) {
	ctx, span := tracer.Start(ctx, "ledger.list_imports",
		trace.WithAttributes(
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	query := `SELECT batch_id, study_instance_uid, input_uri, status, submitted_at
			  FROM import_jobs
			  ORDER BY submitted_at DESC
			  LIMIT ?`

	rows, err := il.db.QueryContext(ctx, query, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query import records: %w", err)
	}
	defer rows.Close()

	var records []*models.ImportRecord
	for rows.Next() {
		var rec models.ImportRecord
		err := rows.Scan(
			&rec.BatchID,
			&rec.StudyInstanceUID,
			&rec.InputURI,
			&rec.Status,
			&rec.SubmittedAt,
		)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan import record: %w", err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating import records: %w", err)
	}

	span.SetAttributes(attribute.Int("record_count", len(records)))
	return records, nil
}
