package health

import (
	"context"
	"net/http"
	"time"

	"github.com/hilthontt/monopoly/internal/infrastructure/json"
)

const checkTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

type Handler struct {
	checks map[string]Check
}

func NewHandler(checks map[string]Check) *Handler {
	return &Handler{checks: checks}
}

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	data := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]string, len(h.checks)),
	}
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			data.Checks[name] = err.Error()
			data.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		data.Checks[name] = "ok"
	}
	json.Write(w, status, data)
}
