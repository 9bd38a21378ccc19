package handlers

import (
	"log"
	"net/http"

	"github.com/chosung-battle/api-server/internal/service"
)

// GameHandler はゲーム状態の取得・アクション適用・チャットを処理します
type GameHandler struct {
	svc *service.RoomService
	hub *Hub
}

func NewGameHandler(s *service.RoomService, hub *Hub) *GameHandler {
	return &GameHandler{svc: s, hub: hub}
}

// GetState は照合済みのゲーム状態を返します
// playerIdが付いていれば生存時刻の更新も行われます（非同期）
func (h *GameHandler) GetState(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(r.URL.Query().Get("roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	playerId := normalizeID(r.URL.Query().Get("playerId"))

	view, err := h.svc.GameState(r.Context(), roomId, playerId)
	if err != nil {
		log.Printf("Get game state error (roomId=%s): %v", roomId, err)
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// PostState はゲームアクションを適用します
// 不正なアクション（手番違い等）は200で{applied:false, reason}を返します
func (h *GameHandler) PostState(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(r.URL.Query().Get("roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in service.ActionRequest
	if !decodeJSON(w, r, &in) {
		return
	}

	res, err := h.svc.ApplyAction(r.Context(), roomId, in)
	if err != nil {
		log.Printf("Apply action error (roomId=%s, action=%s): %v", roomId, in.Action, err)
		writeServiceError(w, err)
		return
	}
	if in.ChatMessage != "" && res.Outcome.Applied {
		last := res.State.ChatMessages
		if len(last) > 0 {
			h.hub.Broadcast(roomId, WebSocketMessage{
				Type:    "chat_message",
				Payload: last[len(last)-1],
			}, in.PlayerId)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"applied":   res.Outcome.Applied,
		"reason":    res.Outcome.Reason,
		"gameState": res.State,
	})
}

type chatPostRequest struct {
	PlayerId   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Message    string `json:"message"`
}

// GetChat はチャットログ（直近100件）を返します
func (h *GameHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(r.URL.Query().Get("roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := h.svc.ChatLog(r.Context(), roomId)
	if err != nil {
		log.Printf("Get chat error (roomId=%s): %v", roomId, err)
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// PostChat はチャットメッセージを追加し、WebSocket接続中の
// 他のクライアントへ配信します
func (h *GameHandler) PostChat(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(r.URL.Query().Get("roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in chatPostRequest
	if !decodeJSON(w, r, &in) {
		return
	}

	msg, err := h.svc.PostChat(r.Context(), roomId, normalizeID(in.PlayerId), in.PlayerName, in.Message)
	if err != nil {
		log.Printf("Post chat error (roomId=%s, playerId=%s): %v", roomId, in.PlayerId, err)
		writeServiceError(w, err)
		return
	}
	h.hub.Broadcast(roomId, WebSocketMessage{Type: "chat_message", Payload: msg}, msg.PlayerId)
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}
