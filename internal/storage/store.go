package storage

import (
	"context"

	"qroute/internal/model"
)

// Store persists run records and their sampled tick history.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveTickHistory(ctx context.Context, runID string, samples []model.TickSample) error
	GetTickHistory(ctx context.Context, runID string) ([]model.TickSample, bool, error)
}
