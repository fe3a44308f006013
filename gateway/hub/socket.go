package hub

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
)

// NewSocketServer builds the device/dashboard transport: websocket with a
// polling fallback, ping settings matching the device firmware.
func NewSocketServer() *socketio.Server {
	return socketio.NewServer(&engineio.Options{
		PingInterval: 25 * time.Second,
		PingTimeout:  60 * time.Second,
		Transports: []transport.Transport{
			polling.Default,
			&websocket.Transport{
				CheckOrigin: func(r *http.Request) bool { return true },
			},
		},
	})
}

// Attach wires the hub's handlers onto the socket server. The supplied
// context bounds queue appends triggered from socket events.
func Attach(ctx context.Context, server *socketio.Server, h *Hub, log *slog.Logger) {
	server.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext("")
		h.HandleConnect(s)
		return nil
	})

	server.OnEvent("/", "identify", func(s socketio.Conn, msg map[string]interface{}) {
		h.HandleIdentify(s, msg)
	})

	server.OnEvent("/", "/save", func(s socketio.Conn, msg interface{}) {
		h.HandleSave(ctx, s, msg)
	})

	server.OnEvent("/", "data", func(s socketio.Conn, msg interface{}) {
		h.HandleData(ctx, s, msg)
	})

	server.OnEvent("/", "bulk:data", func(s socketio.Conn, msg interface{}) {
		h.HandleBulkData(ctx, s, msg)
	})

	server.OnEvent("/", "subscribe", func(s socketio.Conn, nodeID string) {
		h.HandleSubscribe(s, nodeID)
	})

	server.OnEvent("/", "unsubscribe", func(s socketio.Conn, nodeID string) {
		h.HandleUnsubscribe(s, nodeID)
	})

	server.OnError("/", func(s socketio.Conn, err error) {
		if s != nil {
			log.Error("hub: socket error", "socket", s.ID(), "error", err)
		} else {
			log.Error("hub: socket error", "error", err)
		}
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		h.HandleDisconnect(ctx, s, reason)
	})
}
