package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/msgrelay/msgrelay/metrics"
	"github.com/msgrelay/msgrelay/relay"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// Default websocket max message size to read.
	defaultReadLimit = 8192

	defaultSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		// When the node is behind nginx: host=ws-backend.
		// TODO: check against the api cors allow list.
		return true
	},
}

// Session describes one connection.
type Session struct {
	Sid        string `json:"sid"`
	IP         string `json:"ip"`
	CreateTime int64  `json:"create_time"`
}

// Handler manages an active connection to an end user or admin.
// Every new websocket connection creates a new handler; it joins rooms
// once the peer declares an identity.
type Handler struct {
	sync.Mutex

	hub *Hub

	session *Session
	conn    *websocket.Conn

	// encoded frames waiting for sendLoop
	dataChan chan []byte

	closing bool
}

func (h *Handler) String() string {
	if id, ok := h.hub.registry.IdentityOf(h); ok {
		return fmt.Sprintf("sid=%s ip=%s identity=%s", h.session.Sid, h.session.IP, id)
	}
	return fmt.Sprintf("sid=%s ip=%s", h.session.Sid, h.session.IP)
}

// ID implements room.Member.
func (h *Handler) ID() string {
	return h.session.Sid
}

// Deliver implements room.Member. A frame is dropped when the buffer is full
// or the connection is closing.
func (h *Handler) Deliver(frame []byte) bool {
	return h.appendDataChan(frame)
}

// close marks the handler as closing and removes it from every room. The
// send loop drains buffered frames, then closes the connection.
func (h *Handler) close(cause SessionError) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	h.closing = true
	close(h.dataChan)
	h.Unlock()

	glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
	h.hub.delHandler(h)
}

func (h *Handler) isClosing() bool {
	h.Lock()
	defer h.Unlock()
	return h.closing
}

func (h *Handler) appendDataChan(frame []byte) bool {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return false
	}
	select {
	case h.dataChan <- frame:
		return true
	default:
		return false
	}
}

func (h *Handler) sendError(payload *relay.ErrorPayload) {
	frame, err := relay.EncodeFrame(relay.EventError, payload)
	if err != nil {
		glog.Errorf("encode error frame: %v", err)
		return
	}
	if !h.appendDataChan(frame) {
		glog.Warningf("error frame dropped, session: %s", h)
	}
}

func writeFrame(conn *websocket.Conn, frame []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(h.hub.conf.readLimit())
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Errorf("recvLoop(): read error: %v", err)
			}
			h.close(ReadError)
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %s", msg)

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.sendError(newInvalidArgumentError("websocket only supports TextMessage"))
			h.close(BadRequest)
			return
		}

		var frame relay.Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", msg, err)
			h.sendError(newInvalidArgumentError(fmt.Sprintf("unmarshal error: %v", err)))
			h.close(BadRequest)
			return
		}

		switch frame.Event {
		case relay.EventIdentify:
			h.identify(frame.Data)
		case relay.EventPrivate:
			h.private(frame.Data)
		default:
			glog.Errorf("recvLoop(): unsupported event: %q", frame.Event)
			h.sendError(newInvalidArgumentError("unsupported event", frame.Event))
		}
	}
}

// identify binds the declared identity. Malformed declarations are logged
// and ignored.
func (h *Handler) identify(data json.RawMessage) {
	var ev relay.DeclareEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		metrics.MalformedEvents.WithLabelValues(relay.EventIdentify).Inc()
		glog.Warningf("identify: bad payload %s, session: %s, err: %v", data, h, err)
		return
	}
	id, err := ev.Identity()
	if err != nil {
		metrics.MalformedEvents.WithLabelValues(relay.EventIdentify).Inc()
		glog.Warningf("identify: %v, session: %s", err, h)
		return
	}
	if !h.hub.registry.Declare(h, id) {
		return
	}
	metrics.Declares.WithLabelValues(string(id.Kind)).Inc()
	glog.V(5).Infof("identify: joined %s, session: %s", id.Room(), h)

	// closed by sendLoop while declaring
	if h.isClosing() {
		h.hub.registry.Forget(h)
	}
}

// private relays a peer to peer message without persisting it. Sends
// without a sender are dropped.
func (h *Handler) private(data json.RawMessage) {
	if !h.hub.conf.EnableForward {
		h.sendError(newUnimplementedError("feature is not supported"))
		return
	}

	var req relay.SendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		metrics.MalformedEvents.WithLabelValues(relay.EventPrivate).Inc()
		glog.Warningf("message:private: bad payload %s, session: %s, err: %v", data, h, err)
		return
	}
	req.IP = h.session.IP

	n, err := h.hub.service.Forward(&req)
	if err != nil {
		if relay.IsMalformed(err) {
			glog.Warningf("message:private: dropped: %v, session: %s", err, h)
			return
		}
		glog.Errorf("message:private: forward error: %v, session: %s", err, h)
		h.sendError(interceptError(newInternalError(err.Error())))
		return
	}
	glog.V(5).Infof("message:private: forwarded to %s_%d, delivered: %d", req.ToType, req.ToID, n)
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		h.conn.Close()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case frame, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = h.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if glog.V(5) {
				logValue := string(frame)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(), get from data chan, value: %s, session: %s", logValue, h)
			}

			if err := writeFrame(h.conn, frame); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h, err)
				h.close(WriteError)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
