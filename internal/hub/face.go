package hub

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/ccnx-streamer/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Send buffer size per face.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
	Subprotocols:    wire.Subprotocols,
}

// Face is one endpoint connected to the hub.
type Face struct {
	hub    *Hub
	conn   *websocket.Conn
	codec  *wire.Codec
	send   chan []byte
	id     string
	remote string
	logger *zap.Logger
}

// ID returns the face's connection id.
func (f *Face) ID() string {
	return f.id
}

// HandleWS upgrades the request and attaches a new face.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	codec, err := wire.NewCodec(conn.Subprotocol())
	if err != nil {
		h.logger.Error("codec setup failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	id := uuid.New().String()
	f := &Face{
		hub:    h,
		conn:   conn,
		codec:  codec,
		send:   make(chan []byte, sendBufferSize),
		id:     id,
		remote: r.RemoteAddr,
		logger: h.logger.With(zap.String("face", id)),
	}

	h.logger.Debug("websocket subprotocol negotiated",
		zap.String("face", id),
		zap.String("subprotocol", conn.Subprotocol()),
		zap.Strings("requested", websocket.Subprotocols(r)),
	)

	h.attach(f)

	go f.writePump()
	go f.readPump()
}

// readPump decodes packets from the connection and hands them to the hub.
func (f *Face) readPump() {
	defer func() {
		f.hub.detach(f)
		f.conn.Close()
		f.codec.Close()
	}()

	f.conn.SetReadLimit(maxMessageSize)
	f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		f.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := f.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.Debug("websocket read error", zap.Error(err))
			}
			break
		}
		p, err := f.codec.Decode(frame)
		if err != nil {
			f.logger.Debug("failed to decode packet", zap.Error(err))
			continue
		}
		f.hub.handlePacket(f, p)
	}
}

// writePump writes frames to the connection.
func (f *Face) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		f.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-f.send:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed, send close message
				f.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := f.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				f.logger.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
