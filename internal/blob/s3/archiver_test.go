package s3blob

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/rebalancer/internal/domain"
)

type fakeWriter struct {
	path        string
	data        []byte
	contentType string
	err         error
}

func (w *fakeWriter) Put(ctx context.Context, path string, data []byte, contentType string) error {
	w.path = path
	w.data = data
	w.contentType = contentType
	return w.err
}

func TestArchiverWritesDatedJSONDocument(t *testing.T) {
	w := &fakeWriter{}
	a := NewArchiver(w)

	result := domain.ExecutionResult{
		Success:         true,
		Status:          domain.ExecutionSuccess,
		PlanID:          "plan-1",
		CorrelationID:   "6f1c6e4a-8f2b-4c55-9a11-0d4a1b2c3d4e",
		OrdersPlaced:    3,
		OrdersSucceeded: 3,
		CompletedAt:     time.Date(2026, 8, 29, 15, 4, 5, 0, time.UTC),
	}

	require.NoError(t, a.Archive(context.Background(), result))

	assert.Equal(t, "executions/2026/08/29/6f1c6e4a-8f2b-4c55-9a11-0d4a1b2c3d4e.json", w.path)
	assert.Equal(t, "application/json", w.contentType)

	var decoded domain.ExecutionResult
	require.NoError(t, json.Unmarshal(w.data, &decoded))
	assert.Equal(t, result.Status, decoded.Status)
	assert.Equal(t, result.OrdersPlaced, decoded.OrdersPlaced)
}

func TestArchiverPathUsesUTCDate(t *testing.T) {
	loc := time.FixedZone("UTC-7", -7*3600)
	result := domain.ExecutionResult{
		CorrelationID: "abc",
		// 20:00 local on the 28th is already the 29th in UTC.
		CompletedAt: time.Date(2026, 8, 28, 20, 0, 0, 0, loc),
	}
	assert.Equal(t, "executions/2026/08/29/abc.json", resultPath(result))
}

func TestArchiverPropagatesUploadError(t *testing.T) {
	w := &fakeWriter{err: errors.New("boom")}
	a := NewArchiver(w)

	err := a.Archive(context.Background(), domain.ExecutionResult{CorrelationID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive execution x")
}
