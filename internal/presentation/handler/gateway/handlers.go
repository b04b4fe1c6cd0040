package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	roomsvc "github.com/hilthontt/monopoly/internal/application/rooms"
	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/infrastructure/logging"
	"github.com/hilthontt/monopoly/internal/infrastructure/ws"
)

type GameStarter interface {
	StartGame(ctx context.Context, clientID string) (*domain.GameStartedPayload, error)
}

type StateProjector interface {
	Project(ctx context.Context, roomID string) (*domain.DerivedGameState, error)
}

// Handler serves the client websocket: one connection per client, commands
// in, room events out.
type Handler struct {
	core      *ws.Core
	rooms     *roomsvc.Service
	games     GameStarter
	projector StateProjector
	upgrader  websocket.Upgrader
	logger    logging.Logger
}

func NewHandler(
	core *ws.Core,
	rooms *roomsvc.Service,
	games GameStarter,
	projector StateProjector,
	allowedOrigins []string,
	logger logging.Logger,
) *Handler {
	return &Handler{
		core:      core,
		rooms:     rooms,
		games:     games,
		projector: projector,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(logging.WebSocket, logging.ExternalService, "websocket upgrade failed", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
		return
	}

	// commands outlive the upgrade request
	ctx := context.WithoutCancel(r.Context())
	client := ws.NewClient(conn, uuid.NewString())
	h.core.Register(client)
	go func() {
		_ = client.WriteMessages()
	}()

	h.logger.Info(logging.WebSocket, logging.Membership, "client connected", map[logging.ExtraKey]any{
		logging.ClientID: client.ID,
		logging.ClientIp: r.RemoteAddr,
	})

	err = client.ReadMessages(func(in ws.Inbound) {
		h.handle(ctx, client, in)
	})
	if err != nil {
		h.logger.Warn(logging.WebSocket, logging.ExternalService, "websocket read failed", map[logging.ExtraKey]any{
			logging.ClientID:     client.ID,
			logging.ErrorMessage: err.Error(),
		})
	}

	h.disconnect(ctx, client)
	h.core.Unregister(client)
}

func (h *Handler) handle(ctx context.Context, cl *ws.Client, in ws.Inbound) {
	switch in.Type {
	case ws.CmdRooms:
		h.sendRooms(ctx, cl)
	case ws.CmdCreateRoom:
		var p ws.CreateRoomPayload
		if h.decode(cl, in, &p) {
			h.createRoom(ctx, cl, p)
		}
	case ws.CmdJoinRoom:
		var p ws.JoinRoomPayload
		if h.decode(cl, in, &p) {
			h.joinRoom(ctx, cl, p)
		}
	case ws.CmdLeaveRoom:
		h.leaveRoom(ctx, cl, true)
	case ws.CmdStartGame:
		if _, err := h.games.StartGame(ctx, cl.ID); err != nil {
			h.fail(cl, err)
		}
	case ws.CmdGameState:
		var p ws.GameStatePayload
		if h.decode(cl, in, &p) {
			h.gameState(ctx, cl, p)
		}
	default:
		h.core.SendError(cl, "unknown command: "+in.Type)
	}
}

// decode accepts a missing data object as empty.
func (h *Handler) decode(cl *ws.Client, in ws.Inbound, dst any) bool {
	if len(in.Data) == 0 || string(in.Data) == "null" {
		return true
	}
	if err := json.Unmarshal(in.Data, dst); err != nil {
		h.core.SendError(cl, "invalid "+in.Type+" payload")
		return false
	}
	return true
}

func (h *Handler) sendRooms(ctx context.Context, cl *ws.Client) {
	list, err := h.rooms.ListRooms(ctx)
	if err != nil {
		h.fail(cl, err)
		return
	}
	h.core.Send(cl, domain.EventRooms, ws.RoomsPayload{Rooms: list})
}

func (h *Handler) broadcastRooms(ctx context.Context) {
	list, err := h.rooms.ListRooms(ctx)
	if err != nil {
		h.logger.Error(logging.Room, logging.Broadcast, "failed to list rooms", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
		return
	}
	h.core.BroadcastAll(domain.EventRooms, ws.RoomsPayload{Rooms: list})
}

func (h *Handler) createRoom(ctx context.Context, cl *ws.Client, p ws.CreateRoomPayload) {
	res, err := h.rooms.CreateRoom(ctx, p.RoomID, cl.ID, p.Address)
	if err != nil {
		h.fail(cl, err)
		return
	}
	if !res.Success {
		h.core.SendError(cl, res.Reason)
		return
	}

	h.core.Subscribe(cl, res.Room.RoomID)
	h.core.Send(cl, domain.EventRoomCreated, ws.RoomCreatedPayload{RoomID: res.Room.RoomID})
	h.broadcastRooms(ctx)
}

func (h *Handler) joinRoom(ctx context.Context, cl *ws.Client, p ws.JoinRoomPayload) {
	res, err := h.rooms.JoinRoom(ctx, p.RoomID, cl.ID, p.Address)
	if err != nil {
		h.fail(cl, err)
		return
	}
	if !res.Success {
		h.core.SendError(cl, res.Reason)
		return
	}

	h.core.Subscribe(cl, res.Room.RoomID)
	h.core.Broadcast(res.Room.RoomID, domain.EventUserJoined, ws.UserJoinedPayload{
		Address: p.Address,
		Room:    *res.Room,
	})
	h.broadcastRooms(ctx)
}

// leaveRoom removes the client's membership and tells the remaining members.
// Failures are reported only when the client asked to leave.
func (h *Handler) leaveRoom(ctx context.Context, cl *ws.Client, explicit bool) {
	res, err := h.rooms.LeaveRoom(ctx, cl.ID)
	if err != nil {
		if explicit {
			h.fail(cl, err)
		}
		return
	}
	if !res.Success {
		if explicit {
			h.core.SendError(cl, res.Reason)
		}
		return
	}

	h.core.Unsubscribe(cl)

	prior := res.Room
	var address string
	for _, m := range prior.Members {
		if m.ClientID == cl.ID {
			address = m.Address
		}
	}

	remaining, err := h.rooms.Room(ctx, prior.RoomID)
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		remaining = &domain.Room{RoomID: prior.RoomID, Members: []domain.Member{}, CreatedAt: prior.CreatedAt}
	case err != nil:
		h.logger.Error(logging.Room, logging.Membership, "failed to load room after leave", map[logging.ExtraKey]any{
			logging.RoomID:       prior.RoomID,
			logging.ErrorMessage: err.Error(),
		})
		return
	}

	h.core.Broadcast(prior.RoomID, domain.EventUserLeft, ws.UserLeftPayload{
		Address: address,
		Room:    *remaining,
	})
	h.broadcastRooms(ctx)
}

func (h *Handler) gameState(ctx context.Context, cl *ws.Client, p ws.GameStatePayload) {
	roomID := p.RoomID
	if roomID == "" {
		member, err := h.rooms.MembershipOf(ctx, cl.ID)
		if err != nil {
			h.fail(cl, err)
			return
		}
		roomID = member.RoomID
	}

	state, err := h.projector.Project(ctx, roomID)
	if err != nil {
		h.fail(cl, err)
		return
	}
	h.core.Send(cl, domain.EventGameState, state)
}

func (h *Handler) disconnect(ctx context.Context, cl *ws.Client) {
	h.leaveRoom(ctx, cl, false)
	h.logger.Info(logging.WebSocket, logging.Membership, "client disconnected", map[logging.ExtraKey]any{
		logging.ClientID: cl.ID,
	})
}

// fail reports err to the requesting client. Domain errors are passed
// through; anything else is logged and hidden.
func (h *Handler) fail(cl *ws.Client, err error) {
	if isClientError(err) {
		h.core.SendError(cl, err.Error())
		return
	}
	h.logger.Error(logging.WebSocket, logging.ExternalService, "command failed", map[logging.ExtraKey]any{
		logging.ClientID:     cl.ID,
		logging.ErrorMessage: err.Error(),
	})
	h.core.SendError(cl, "internal error")
}

var clientErrors = []error{
	domain.ErrNotInRoom,
	domain.ErrRoomNotFound,
	domain.ErrRoomIDRequired,
	domain.ErrGameNotFound,
	domain.ErrNotCreator,
	domain.ErrNotEnoughPlayers,
	domain.ErrGameAlreadyStarted,
}

func isClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
