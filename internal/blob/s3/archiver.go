package s3blob

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quantfolio/rebalancer/internal/domain"
)

// Archiver uploads finished execution results to cold storage as JSON
// documents. Objects are keyed by the completion date and correlation id:
//
//	executions/2026/08/29/6f1c6e4a-....json
//
// so a bucket listing groups one day's runs together and a single run can be
// fetched directly by its correlation id once the date is known.
type Archiver struct {
	writer domain.BlobWriter
}

// NewArchiver creates an Archiver that writes through the given blob writer.
func NewArchiver(writer domain.BlobWriter) *Archiver {
	return &Archiver{writer: writer}
}

// Archive serialises the result and uploads it. The object is a complete,
// self-contained record of the run, matching the row stored in Postgres.
func (a *Archiver) Archive(ctx context.Context, result domain.ExecutionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("s3blob: marshal execution result: %w", err)
	}

	path := resultPath(result)
	if err := a.writer.Put(ctx, path, data, "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive execution %s: %w", result.CorrelationID, err)
	}
	return nil
}

// resultPath builds the S3 key for one execution result, partitioned by the
// UTC completion date.
func resultPath(result domain.ExecutionResult) string {
	day := result.CompletedAt.UTC().Format("2006/01/02")
	return fmt.Sprintf("executions/%s/%s.json", day, result.CorrelationID)
}
