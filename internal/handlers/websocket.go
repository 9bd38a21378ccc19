package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/chosung-battle/api-server/internal/service"
)

// Hub は部屋ごとのWebSocket接続を管理します
// ポーリングが主の同期手段で、WebSocketはチャットとロースター変化の
// 即時通知に使う補助チャネルです
type Hub struct {
	rooms map[string]*wsRoom
	mu    sync.RWMutex
}

type wsRoom struct {
	roomId  string
	clients map[string]*wsClient // playerIdをキーとしたクライアントのマップ
	mu      sync.RWMutex
}

type wsClient struct {
	playerId   string
	playerName string
	conn       *websocket.Conn
	writeMu    sync.Mutex // WriteJSONの直列化
	room       *wsRoom
}

// WebSocketMessage はWebSocketで送受信するメッセージの構造
type WebSocketMessage struct {
	Type    string `json:"type"` // "chat_message", "player_joined", "player_left", "chat", "ping"
	Payload any    `json:"payload,omitempty"`
}

// PlayerEventPayload は参加・退出イベントのペイロード
type PlayerEventPayload struct {
	PlayerId   string `json:"playerId"`
	PlayerName string `json:"playerName,omitempty"`
}

// chatInPayload はクライアントから届くチャットのペイロード
type chatInPayload struct {
	Message string `json:"message"`
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*wsRoom)}
}

// Broadcast は部屋内の全クライアントにメッセージを送信します（除外ID以外）
// HTTP側のハンドラーからも呼ばれるためnilレシーバーを許容します
func (hub *Hub) Broadcast(roomId string, msg WebSocketMessage, excludePlayerId string) {
	if hub == nil {
		return
	}
	hub.mu.RLock()
	room := hub.rooms[roomId]
	hub.mu.RUnlock()
	if room == nil {
		return
	}
	room.broadcast(msg, excludePlayerId)
}

func (room *wsRoom) broadcast(msg WebSocketMessage, excludePlayerId string) {
	room.mu.RLock()
	defer room.mu.RUnlock()
	for playerId, client := range room.clients {
		if playerId == excludePlayerId {
			continue
		}
		if err := client.send(msg); err != nil {
			log.Printf("ws send failed roomId=%s playerId=%s err=%v", room.roomId, playerId, err)
		}
	}
}

func (c *wsClient) send(msg WebSocketMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (hub *Hub) register(roomId, playerId, playerName string, conn *websocket.Conn) *wsClient {
	hub.mu.Lock()
	room, exists := hub.rooms[roomId]
	if !exists {
		room = &wsRoom{roomId: roomId, clients: make(map[string]*wsClient)}
		hub.rooms[roomId] = room
	}
	hub.mu.Unlock()

	client := &wsClient{playerId: playerId, playerName: playerName, conn: conn, room: room}
	room.mu.Lock()
	room.clients[playerId] = client
	room.mu.Unlock()
	return client
}

func (hub *Hub) unregister(client *wsClient) {
	room := client.room
	room.mu.Lock()
	delete(room.clients, client.playerId)
	empty := len(room.clients) == 0
	room.mu.Unlock()

	if empty {
		hub.mu.Lock()
		delete(hub.rooms, room.roomId)
		hub.mu.Unlock()
	}
}

// WebSocketHandler はWebSocket接続を処理するハンドラー
type WebSocketHandler struct {
	svc      *service.RoomService
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewWebSocketHandler(s *service.RoomService, hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{
		svc: s,
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// ポーリングAPIと同じく全オリジンを許可（CORS設定に合わせる）
				return true
			},
		},
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 1. ルームの存在確認とプレイヤー名の解決
// 2. WebSocketへのアップグレードとクライアント登録
// 3. メッセージ受信ループ（chat / ping）
// 4. 切断時のクリーンアップ（退出処理はポーリング側に任せる）
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	playerId := normalizeID(r.URL.Query().Get("playerId"))
	if err := validateRoomId(roomId); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validatePlayerId(playerId); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	view, err := h.svc.GameState(r.Context(), roomId, "")
	if err != nil {
		writeServiceError(w, err)
		return
	}
	playerName := playerId
	if p := view.FindPlayer(playerId); p != nil {
		playerName = p.Name
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := h.hub.register(roomId, playerId, playerName, conn)
	defer func() {
		h.hub.unregister(client)
		conn.Close()
		log.Printf("WebSocket disconnected: roomId=%s playerId=%s", roomId, playerId)
	}()
	log.Printf("WebSocket connected: roomId=%s playerId=%s", roomId, playerId)

	for {
		var msg WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		switch msg.Type {
		case "chat":
			h.handleChat(client, msg.Payload)
		case "ping":
			// ping/pongで接続を維持
			if err := client.send(WebSocketMessage{Type: "pong"}); err != nil {
				log.Printf("Failed to send pong: %v", err)
				return
			}
		default:
			log.Printf("Unknown ws message type: %s", msg.Type)
		}
	}
}

// handleChat はWebSocket経由のチャット投稿を処理します
// HTTPのチャットPOSTと同じ経路でアクターに追記し、他の接続へ配信します
func (h *WebSocketHandler) handleChat(client *wsClient, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Failed to marshal chat payload: %v", err)
		return
	}
	var in chatInPayload
	if err := json.Unmarshal(b, &in); err != nil {
		log.Printf("Failed to unmarshal chat payload: %v", err)
		return
	}

	msg, err := h.svc.PostChat(context.Background(), client.room.roomId, client.playerId, client.playerName, in.Message)
	if err != nil {
		log.Printf("Chat via ws failed roomId=%s playerId=%s err=%v", client.room.roomId, client.playerId, err)
		_ = client.send(WebSocketMessage{Type: "error", Payload: map[string]string{"message": "failed to send chat"}})
		return
	}
	client.room.broadcast(WebSocketMessage{Type: "chat_message", Payload: msg}, client.playerId)
}
