package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/arbor-portal/arbor-portal/internal/observability"
	"github.com/arbor-portal/arbor-portal/internal/platform/httpx"
)

// actorHeader carries the authenticated operator id, set by the portal
// gateway in front of this service.
const actorHeader = "X-Actor-ID"

// maxImportSize bounds an uploaded statement file.
const maxImportSize = 10 << 20

// StatementParser turns an uploaded statement file into import rows.
// Lines that fail to parse come back as row errors instead of aborting
// the upload.
type StatementParser func(filename string, r io.Reader) ([]ImportRow, []RowError, error)

// Handler exposes the billing engine over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	cache    *Cache
	metrics  *observability.Metrics
	parse    StatementParser
	validate *validator.Validate
}

// NewHandler builds a Handler instance. metrics may be nil; a nil parse
// disables file uploads and leaves only the JSON import body.
func NewHandler(logger *slog.Logger, service *Service, cache *Cache, metrics *observability.Metrics, parse StatementParser) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		cache:    cache,
		metrics:  metrics,
		parse:    parse,
		validate: validator.New(),
	}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		// Bank statement files arrive at human pace; anything faster is a
		// stuck retry loop.
		r.Use(httprate.LimitByIP(10, time.Minute))
		r.Post("/imports", h.importPayments)
	})

	r.Post("/payments", h.createPayment)
	r.Post("/payments/{id}/void", h.voidPayment)

	r.Get("/reconciliation/{periodID}", h.reconcile)
	r.Get("/debtors", h.debtors)

	r.Post("/penalties/apply", h.applyPenalty)
	r.Post("/penalties/recalc", h.recalcPenalties)
	r.Post("/penalties/{id}/freeze", h.freezePenalty)
	r.Post("/penalties/{id}/void", h.voidPenalty)
}

func actorID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.Header.Get(actorHeader), 10, 64)
	return id
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPeriodClosed):
		httpx.Problem(w, http.StatusConflict, "Period Closed", err.Error())
	case errors.Is(err, ErrDuplicatePayment):
		httpx.Problem(w, http.StatusConflict, "Duplicate Payment", err.Error())
	case errors.Is(err, ErrPaymentVoided):
		httpx.Problem(w, http.StatusConflict, "Payment Voided", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrPlotNotFound), errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("billing request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (h *Handler) decodeValid(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return ErrValidation
	}
	if err := h.validate.Struct(target); err != nil {
		return ErrValidation
	}
	return nil
}

func (h *Handler) importPayments(w http.ResponseWriter, r *http.Request) {
	req := InsertPaymentsRequest{
		Source:    SourceImport,
		ActorID:   actorID(r),
		RequestID: chimw.GetReqID(r.Context()),
	}
	var parseErrors []RowError

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if h.parse == nil {
			httpx.Problem(w, http.StatusUnsupportedMediaType, "Unsupported Media Type", "statement file uploads are not enabled")
			return
		}
		if err := r.ParseMultipartForm(maxImportSize); err != nil {
			h.respondErr(w, ErrValidation)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			h.respondErr(w, ErrValidation)
			return
		}
		defer func() { _ = file.Close() }()
		rows, rowErrs, err := h.parse(header.Filename, file)
		if err != nil {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Unreadable Statement", err.Error())
			return
		}
		req.Rows = rows
		req.OverrideReason = r.FormValue("overrideReason")
		parseErrors = rowErrs
	} else {
		var dto ImportRequestDTO
		if err := h.decodeValid(r, &dto); err != nil {
			h.respondErr(w, err)
			return
		}
		req.OverrideReason = dto.OverrideReason
		for _, rowDTO := range dto.Rows {
			row, err := rowDTO.ToRow()
			if err != nil {
				// Malformed dates quarantine as row errors downstream; the
				// zero row fails the missing-date check at its original index.
				req.Rows = append(req.Rows, ImportRow{})
				continue
			}
			req.Rows = append(req.Rows, row)
		}
	}

	summary, err := h.service.InsertPayments(r.Context(), req)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	summary.Errors = append(summary.Errors, parseErrors...)
	h.metrics.CountImportRows("inserted", summary.Inserted)
	h.metrics.CountImportRows("skipped", summary.Skipped)
	h.metrics.CountImportRows("error", len(summary.Errors))
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var dto ManualPaymentDTO
	if err := h.decodeValid(r, &dto); err != nil {
		h.respondErr(w, err)
		return
	}
	paidAt, err := parseDate(dto.PaidAt)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	payment, err := h.service.RecordManualPayment(r.Context(), ManualPaymentInput{
		PlotID:         dto.PlotID,
		Amount:         dto.Amount,
		PaidAt:         paidAt,
		Category:       Category(dto.Category),
		Comment:        dto.Comment,
		ExternalID:     dto.ExternalID,
		ActorID:        actorID(r),
		OverrideReason: dto.OverrideReason,
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

func (h *Handler) voidPayment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.respondErr(w, ErrValidation)
		return
	}
	var dto VoidDTO
	if err := h.decodeValid(r, &dto); err != nil {
		h.respondErr(w, err)
		return
	}
	if err := h.service.VoidPayment(r.Context(), id, dto.Reason, actorID(r)); err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "voided"})
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	periodID, err := strconv.ParseInt(chi.URLParam(r, "periodID"), 10, 64)
	if err != nil {
		h.respondErr(w, ErrValidation)
		return
	}
	opts := ReconcileOptions{
		IncludeZero:       r.URL.Query().Get("includeZero") == "1",
		UpdateAccrualPaid: r.URL.Query().Get("updatePaid") == "1",
		OverrideReason:    r.URL.Query().Get("overrideReason"),
		ActorID:           actorID(r),
	}

	var result ReconcileResult
	if opts.UpdateAccrualPaid || h.cache == nil {
		// Write-back runs bypass the cache: they must see and mutate the
		// ledgers directly.
		result, err = h.service.Reconcile(r.Context(), periodID, opts)
	} else {
		result, err = h.cache.FetchReconciliation(r.Context(), periodID, opts.IncludeZero, func(ctx context.Context) (ReconcileResult, error) {
			return h.service.Reconcile(ctx, periodID, opts)
		})
	}
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) debtors(w http.ResponseWriter, r *http.Request) {
	var periodID *int64
	if raw := r.URL.Query().Get("periodID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respondErr(w, ErrValidation)
			return
		}
		periodID = &id
	}
	rows, err := h.service.AggregateDebtByPerson(r.Context(), periodID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) applyPenalty(w http.ResponseWriter, r *http.Request) {
	var dto ApplyPenaltyDTO
	if err := h.decodeValid(r, &dto); err != nil {
		h.respondErr(w, err)
		return
	}
	asOf, err := parseDate(dto.AsOf)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	dateFrom, err := parseOptionalDate(dto.DateFrom)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	dateTo, err := parseOptionalDate(dto.DateTo)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	result, err := h.service.ApplyPenalty(r.Context(), ApplyPenaltyRequest{
		AsOf:           asOf,
		AnnualRate:     dto.AnnualRate,
		DateFrom:       dateFrom,
		DateTo:         dateTo,
		MinPenalty:     dto.MinPenalty,
		OverrideReason: dto.OverrideReason,
		ActorID:        actorID(r),
		RequestID:      chimw.GetReqID(r.Context()),
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	h.metrics.CountPenaltyRun("apply")
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) recalcPenalties(w http.ResponseWriter, r *http.Request) {
	var dto RecalcPenaltiesDTO
	if err := h.decodeValid(r, &dto); err != nil {
		h.respondErr(w, err)
		return
	}
	asOf, err := parseDate(dto.AsOf)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	result, err := h.service.RecalcPenalties(r.Context(), RecalcPenaltiesRequest{
		AsOf:           asOf,
		AnnualRate:     dto.AnnualRate,
		PlotIDs:        dto.PlotIDs,
		Limit:          dto.Limit,
		IncludeVoided:  dto.IncludeVoided,
		OverrideReason: dto.OverrideReason,
		ActorID:        actorID(r),
		RequestID:      chimw.GetReqID(r.Context()),
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	h.metrics.CountPenaltyRun("recalc")
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) freezePenalty(w http.ResponseWriter, r *http.Request) {
	h.setPenaltyStatus(w, r, PenaltyFrozen)
}

func (h *Handler) voidPenalty(w http.ResponseWriter, r *http.Request) {
	h.setPenaltyStatus(w, r, PenaltyVoided)
}

func (h *Handler) setPenaltyStatus(w http.ResponseWriter, r *http.Request, status PenaltyStatus) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.respondErr(w, ErrValidation)
		return
	}
	var penalty *PenaltyAccrual
	if status == PenaltyFrozen {
		penalty, err = h.service.FreezePenalty(r.Context(), id, actorID(r))
	} else {
		penalty, err = h.service.VoidPenalty(r.Context(), id, actorID(r))
	}
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, penalty)
}
