package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/arbor-portal/arbor-portal/internal/billing"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPenaltyRecalc recomputes penalties off the request path.
	TaskPenaltyRecalc = "billing:penalty_recalc"
	// TaskImportApply applies a parsed statement batch.
	TaskImportApply = "billing:import_apply"
)

// PenaltyRecalcPayload describes a queued recalculation run.
type PenaltyRecalcPayload struct {
	AsOf          string  `json:"asOf"`
	AnnualRate    string  `json:"annualRate"`
	PlotIDs       []int64 `json:"plotIds,omitempty"`
	Limit         int     `json:"limit,omitempty"`
	IncludeVoided bool    `json:"includeVoided,omitempty"`
	ActorID       int64   `json:"actorId"`
	RequestID     string  `json:"requestId"`
}

// NewPenaltyRecalcTask constructs an Asynq task for a recalculation run.
func NewPenaltyRecalcTask(payload PenaltyRecalcPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPenaltyRecalc, data), nil
}

// ImportApplyPayload carries a parsed statement batch.
type ImportApplyPayload struct {
	Rows           []billing.ImportRowDTO `json:"rows"`
	OverrideReason string                 `json:"overrideReason,omitempty"`
	ActorID        int64                  `json:"actorId"`
	RequestID      string                 `json:"requestId"`
}

// NewImportApplyTask constructs an Asynq task for a statement batch.
func NewImportApplyTask(payload ImportApplyPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskImportApply, data), nil
}

// Handlers bundles the billing service dependencies task handlers need.
type Handlers struct {
	Logger  *slog.Logger
	Billing *billing.Service
}

// HandlePenaltyRecalc processes TaskPenaltyRecalc tasks.
func (h Handlers) HandlePenaltyRecalc(ctx context.Context, t *asynq.Task) error {
	var payload PenaltyRecalcPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf, err := time.Parse("2006-01-02", payload.AsOf)
	if err != nil {
		return asynq.SkipRetry
	}
	rate, err := decimal.NewFromString(payload.AnnualRate)
	if err != nil {
		return asynq.SkipRetry
	}
	result, err := h.Billing.RecalcPenalties(ctx, billing.RecalcPenaltiesRequest{
		AsOf:          asOf,
		AnnualRate:    rate,
		PlotIDs:       payload.PlotIDs,
		Limit:         payload.Limit,
		IncludeVoided: payload.IncludeVoided,
		ActorID:       payload.ActorID,
		RequestID:     payload.RequestID,
	})
	if err != nil {
		return err
	}
	h.Logger.Info("penalty recalc finished",
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("skippedFrozen", result.SkippedFrozen),
	)
	return nil
}

// HandleImportApply processes TaskImportApply tasks.
func (h Handlers) HandleImportApply(ctx context.Context, t *asynq.Task) error {
	var payload ImportApplyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	req := billing.InsertPaymentsRequest{
		Source:         billing.SourceImport,
		ActorID:        payload.ActorID,
		RequestID:      payload.RequestID,
		OverrideReason: payload.OverrideReason,
	}
	for _, dto := range payload.Rows {
		row, err := dto.ToRow()
		if err != nil {
			req.Rows = append(req.Rows, billing.ImportRow{})
			continue
		}
		req.Rows = append(req.Rows, row)
	}
	summary, err := h.Billing.InsertPayments(ctx, req)
	if err != nil {
		return err
	}
	h.Logger.Info("import batch applied",
		slog.Int("inserted", summary.Inserted),
		slog.Int("skipped", summary.Skipped),
		slog.Int("errors", len(summary.Errors)),
	)
	return nil
}
