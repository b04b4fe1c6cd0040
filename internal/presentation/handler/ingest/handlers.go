package ingest

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	ingestapp "github.com/hilthontt/monopoly/internal/application/ingest"
	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/infrastructure/json"
	"github.com/hilthontt/monopoly/internal/infrastructure/ledger"
	"github.com/hilthontt/monopoly/internal/infrastructure/logging"
)

type Runner interface {
	RunOnce(ctx context.Context, action domain.Action) (ingestapp.Stats, error)
}

// Handler triggers an ingest run outside the task's schedule.
type Handler struct {
	runner Runner
	logger logging.Logger
}

func NewHandler(runner Runner, logger logging.Logger) *Handler {
	return &Handler{runner: runner, logger: logger}
}

func (h *Handler) RunHandler(w http.ResponseWriter, r *http.Request) {
	action, err := domain.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		json.WriteValidationError(w, err)
		return
	}

	stats, err := h.runner.RunOnce(r.Context(), action)
	switch {
	case err == nil:
		json.Write(w, http.StatusOK, stats)
	case errors.Is(err, ingestapp.ErrUnknownTask):
		json.WriteNotFound(w, err)
	case errors.Is(err, ingestapp.ErrRunInProgress):
		json.WriteError(w, http.StatusConflict, err.Error())
	case ledger.IsExternal(err):
		json.WriteError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error(logging.Ingest, logging.TaskRun, "manual ingest run failed", map[logging.ExtraKey]any{
			logging.Action:       string(action),
			logging.ErrorMessage: err.Error(),
		})
		json.WriteInternalError(w)
	}
}
