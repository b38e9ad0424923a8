package periods

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arbor-portal/arbor-portal/internal/platform/httpx"
)

// Handler exposes the period registry over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers period routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Post("/{id}/status", h.changeStatus)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrPeriodOverlap):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("periods request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ps, err := h.service.ListPeriods(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ps)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "bad period id")
		return
	}
	p, err := h.service.GetPeriod(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

type createPeriodDTO struct {
	Name string `json:"name"`
	From string `json:"from"`
	To   string `json:"to"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var dto createPeriodDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed body")
		return
	}
	from, err1 := time.Parse("2006-01-02", dto.From)
	to, err2 := time.Parse("2006-01-02", dto.To)
	if err1 != nil || err2 != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "dates must be YYYY-MM-DD")
		return
	}
	p, err := h.service.CreatePeriod(r.Context(), CreateInput{Name: dto.Name, From: from, To: to})
	if err != nil {
		if errors.Is(err, ErrPeriodOverlap) {
			h.respondErr(w, err)
			return
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

type changeStatusDTO struct {
	Status         string `json:"status"`
	OverrideReason string `json:"overrideReason"`
}

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "bad period id")
		return
	}
	var dto changeStatusDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed body")
		return
	}
	actorID, _ := strconv.ParseInt(r.Header.Get("X-Actor-ID"), 10, 64)
	p, err := h.service.ChangeStatus(r.Context(), id, Status(dto.Status), actorID, dto.OverrideReason)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}
