package ws

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/msgrelay/msgrelay/auth"
	"github.com/msgrelay/msgrelay/metrics"
	"github.com/msgrelay/msgrelay/relay"
	"github.com/msgrelay/msgrelay/room"
)

// Conf configures the push channel.
type Conf struct {
	// EnableForward accepts `message:private` from peers and relays it
	// without persistence.
	EnableForward bool
	// SendBuffer is the per connection frame buffer. Frames are dropped
	// when it is full.
	SendBuffer int
	// MaxMessageSize is the read limit of client frames.
	MaxMessageSize int64
	// TrustProxy takes the session ip from X-Real-IP / X-Forwarded-For.
	TrustProxy bool
}

func (c *Conf) sendBuffer() int {
	if c.SendBuffer <= 0 {
		return defaultSendBuffer
	}
	return c.SendBuffer
}

func (c *Conf) readLimit() int64 {
	if c.MaxMessageSize <= 0 {
		return defaultReadLimit
	}
	return c.MaxMessageSize
}

// Hub works as a hub that manages and serves sessions.
type Hub struct {
	conf       *Conf
	registry   *room.Registry
	service    *relay.Service
	authClient auth.Client
	hstore     *HandlerStore

	draining int32
}

// NewHub creates a `Hub`. authClient may be nil, connections are then
// accepted without authentication and trusted on their declared identity.
func NewHub(conf *Conf, registry *room.Registry, service *relay.Service, authClient auth.Client) *Hub {
	if conf == nil {
		conf = &Conf{}
	}
	return &Hub{
		conf:       conf,
		registry:   registry,
		service:    service,
		authClient: authClient,
		hstore:     newHandlerStore(),
	}
}

// Run blocks until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	atomic.StoreInt32(&h.draining, 1)
	glog.Infof("close connections ...")
	h.hstore.close()
	glog.Infof("close connections done")
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	return h.hstore.len()
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&h.draining) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if h.authClient != nil {
		if _, err := h.authClient.Auth(r); err != nil {
			glog.Errorf("ServeHTTP(): authenticate error: %v", err)
			http.Error(w, "Authenticate error", http.StatusUnauthorized)
			return
		}
	}

	sess := &Session{
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().Unix(),
		IP:         getRemoteIP(r, h.conf.TrustProxy),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, ip: %s, err: %s", sess.IP, err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := &Handler{
		dataChan: make(chan []byte, h.conf.sendBuffer()),
		session:  sess,
		conn:     conn,
		hub:      h,
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.V(5).Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		return nil
	})

	h.register(handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

// register adds the handler, closing it right away when Run started draining
// after the upgrade began. Its send loop then ends the connection.
func (h *Hub) register(handler *Handler) bool {
	h.addHandler(handler)
	if atomic.LoadInt32(&h.draining) == 1 {
		handler.close(ServerStop)
		return false
	}
	return true
}

func (h *Hub) addHandler(handler *Handler) {
	h.hstore.add(handler)
	metrics.Sessions.Inc()
}

// delHandler forgets the handler's identity and leaves its rooms.
func (h *Hub) delHandler(handler *Handler) {
	if h.hstore.del(handler.session.Sid) {
		metrics.Sessions.Dec()
		n := h.registry.Forget(handler)
		glog.V(5).Infof("session %s left %d rooms", handler.session.Sid, n)
	}
}

func getRemoteIP(r *http.Request, trustProxy bool) string {
	var ip string
	if trustProxy {
		ip = r.Header.Get("X-REAL-IP")
	}
	if trustProxy && ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
