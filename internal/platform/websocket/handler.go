package websocket

import (
	"net/http"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carequeue/carequeue/internal/platform/auth"
)

// Handler authenticates websocket handshakes and hands connections to the hub.
type Handler struct {
	hub      *Hub
	verifier auth.Verifier
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a handler. An empty origins list, or one containing "*",
// accepts any Origin.
func NewHandler(hub *Hub, verifier auth.Verifier, origins []string, logger zerolog.Logger) *Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	_, anyOrigin := allowed["*"]

	return &Handler{
		hub:      hub,
		verifier: verifier,
		logger:   logger.With().Str("component", "ws_handler").Logger(),
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || anyOrigin || len(allowed) == 0 {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

func (wsh *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", wsh.HandleConnect)
}

// HandleConnect verifies the caller's token, then upgrades the connection and
// registers the client. Verification happens before the upgrade so a rejected
// caller never holds a socket.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	req := c.Request()
	token := auth.BearerToken(req.Header.Get("Authorization"))
	if token == "" {
		token = c.QueryParam("token")
	}
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
	}

	id, err := wsh.verifier.Verify(req.Context(), token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		// The upgrader has already written the error response.
		wsh.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	client := NewClient(uuid.NewString(), *id, ws, sendBufferSize)
	wsh.hub.Connect(client)
	wsh.logger.Debug().
		Str("client_id", client.ID).
		Str("user_id", id.UserID).
		Str("hospital", id.HospitalName).
		Msg("websocket connected")

	go wsh.hub.Serve(client)
	return nil
}
