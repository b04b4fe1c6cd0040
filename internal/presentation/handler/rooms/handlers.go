package rooms

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	roomsvc "github.com/hilthontt/monopoly/internal/application/rooms"
	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/infrastructure/json"
	"github.com/hilthontt/monopoly/internal/infrastructure/logging"
)

type StateProjector interface {
	Project(ctx context.Context, roomID string) (*domain.DerivedGameState, error)
}

type Handler struct {
	rooms     *roomsvc.Service
	projector StateProjector
	history   domain.HistoryRepository
	logger    logging.Logger
}

func NewHandler(rooms *roomsvc.Service, projector StateProjector, history domain.HistoryRepository, logger logging.Logger) *Handler {
	return &Handler{
		rooms:     rooms,
		projector: projector,
		history:   history,
		logger:    logger,
	}
}

func (h *Handler) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.rooms.ListRooms(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	json.Write(w, http.StatusOK, roomsResponse{Rooms: list})
}

func (h *Handler) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.Room(r.Context(), chi.URLParam(r, "roomId"))
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		json.WriteNotFound(w, err)
	case err != nil:
		h.internalError(w, r, err)
	default:
		json.Write(w, http.StatusOK, room)
	}
}

func (h *Handler) GetStateHandler(w http.ResponseWriter, r *http.Request) {
	state, err := h.projector.Project(r.Context(), chi.URLParam(r, "roomId"))
	switch {
	case errors.Is(err, domain.ErrGameNotFound):
		json.WriteNotFound(w, err)
	case err != nil:
		h.internalError(w, r, err)
	default:
		json.Write(w, http.StatusOK, state)
	}
}

// GetHistoryHandler lists a room's records oldest first. Optional query
// parameters: action, address, since and until (unix milliseconds).
func (h *Handler) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	filter := domain.HistoryFilter{RoomID: chi.URLParam(r, "roomId")}
	q := r.URL.Query()

	if raw := q.Get("action"); raw != "" {
		action, err := domain.ParseAction(raw)
		if err != nil {
			json.WriteValidationError(w, err)
			return
		}
		filter.Action = action
	}
	filter.Address = q.Get("address")

	var err error
	if filter.Since, err = parseMillis(q.Get("since")); err != nil {
		json.WriteValidationError(w, err)
		return
	}
	if filter.Until, err = parseMillis(q.Get("until")); err != nil {
		json.WriteValidationError(w, err)
		return
	}

	records, err := h.history.FindAll(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	json.Write(w, http.StatusOK, historyResponse{Records: records})
}

func parseMillis(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, errors.New("timestamps must be unix milliseconds")
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error(logging.RequestResponse, logging.ExternalService, "request failed", map[logging.ExtraKey]any{
		logging.Path:         r.URL.Path,
		logging.ErrorMessage: err.Error(),
	})
	json.WriteInternalError(w)
}
