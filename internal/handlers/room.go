package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/chosung-battle/api-server/internal/service"
)

// RoomHandler はルームのライフサイクル（作成・参加・退出・一覧）を処理します
type RoomHandler struct {
	svc *service.RoomService
	hub *Hub
}

func NewRoomHandler(s *service.RoomService, hub *Hub) *RoomHandler {
	return &RoomHandler{svc: s, hub: hub}
}

type createRoomRequest struct {
	Title      string `json:"title"`
	GameMode   string `json:"gameMode"`
	PlayerId   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

type joinRoomRequest struct {
	RoomId     string `json:"roomId"`
	PlayerId   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

func (r joinRoomRequest) validate() error {
	if err := validateRoomId(r.RoomId); err != nil {
		return err
	}
	return validatePlayerId(r.PlayerId)
}

type leaveRoomRequest struct {
	RoomId   string `json:"roomId"`
	PlayerId string `json:"playerId"`
}

func (r leaveRoomRequest) validate() error {
	if err := validateRoomId(r.RoomId); err != nil {
		return err
	}
	return validatePlayerId(r.PlayerId)
}

func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in createRoomRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	res, err := h.svc.CreateRoom(r.Context(), service.CreateRoomInput{
		Title:      in.Title,
		GameMode:   in.GameMode,
		PlayerId:   normalizeID(in.PlayerId),
		PlayerName: in.PlayerName,
	})
	if err != nil {
		log.Printf("Create room error: %v", err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"roomId":     res.RoomId,
		"roomNumber": res.RoomNumber,
	})
}

func (h *RoomHandler) Join(w http.ResponseWriter, r *http.Request) {
	var in joinRoomRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, err := h.svc.JoinRoom(r.Context(), normalizeID(in.RoomId), normalizeID(in.PlayerId), in.PlayerName)
	if err != nil {
		log.Printf("Join room error (roomId=%s, playerId=%s): %v", in.RoomId, in.PlayerId, err)
		h.writeServiceError(w, err)
		return
	}
	h.hub.Broadcast(doc.Id, WebSocketMessage{
		Type:    "player_joined",
		Payload: PlayerEventPayload{PlayerId: normalizeID(in.PlayerId), PlayerName: in.PlayerName},
	}, normalizeID(in.PlayerId))
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "roomData": doc})
}

func (h *RoomHandler) Leave(w http.ResponseWriter, r *http.Request) {
	var in leaveRoomRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.LeaveRoom(r.Context(), normalizeID(in.RoomId), normalizeID(in.PlayerId))
	if err != nil {
		log.Printf("Leave room error (roomId=%s, playerId=%s): %v", in.RoomId, in.PlayerId, err)
		h.writeServiceError(w, err)
		return
	}
	h.hub.Broadcast(normalizeID(in.RoomId), WebSocketMessage{
		Type:    "player_left",
		Payload: PlayerEventPayload{PlayerId: normalizeID(in.PlayerId)},
	}, normalizeID(in.PlayerId))
	respondJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"remainingPlayers": res.RemainingPlayers,
		"newHostId":        res.NewHostId,
	})
}

func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.svc.ListRooms(r.Context())
	if err != nil {
		log.Printf("List rooms error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

// writeServiceError はサービス層のエラーをHTTPステータスに対応付けます
func (h *RoomHandler) writeServiceError(w http.ResponseWriter, err error) {
	writeServiceError(w, err)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrRoomNotFound), errors.Is(err, service.ErrRoomClosed):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrRoomFull),
		errors.Is(err, service.ErrDuplicateName),
		errors.Is(err, service.ErrInvalidParams),
		errors.Is(err, service.ErrUnknownAction):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
