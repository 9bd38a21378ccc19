package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chosung-battle/api-server/internal/handlers"
)

func NewRouter(
	room *handlers.RoomHandler,
	game *handlers.GameHandler,
	word *handlers.WordHandler,
	ws *handlers.WebSocketHandler,
	allowedOrigins []string,
) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"X-Cache"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/api/v1/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api", func(r chi.Router) {
		r.Post("/create-room", room.Create)
		r.Post("/join-room", room.Join)
		r.Post("/leave-room", room.Leave)
		r.Get("/rooms", room.List)

		r.Get("/game-state", game.GetState)
		r.Post("/game-state", game.PostState)
		r.Get("/chat", game.GetChat)
		r.Post("/chat", game.PostChat)

		r.Post("/validate-word", word.Validate)

		// WebSocketエンドポイント
		r.Get("/rooms/{roomId}/ws", ws.HandleWebSocket)
	})

	return r
}
