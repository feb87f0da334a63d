package pipeline

import (
	"context"
	"errors"

	"gpucallstack/pkg/models"
)

// ErrNoSource is returned when a pipeline is built without an input.
var ErrNoSource = errors.New("pipeline: no event source")

// Source yields raw trace event payloads. A nil payload with a nil error
// means nothing arrived yet; io.EOF ends the stream.
type Source interface {
	Pop(ctx context.Context) ([]byte, error)
	Close() error
}

// RetryableSource is a Source whose read errors may be transient. A read
// error from any other Source ends the stream.
type RetryableSource interface {
	Source
	Retryable(err error) bool
}

// RowWriter writes node and interval rows.
type RowWriter interface {
	WriteRows(rows []*models.Row) error
	Close() error
}
