package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/golang/glog"

	"github.com/msgrelay/msgrelay/relay"
	"github.com/msgrelay/msgrelay/room"
	"github.com/msgrelay/msgrelay/store"
)

// Conf configures the HTTP surface.
type Conf struct {
	// EnableDebug mounts /socket/debug for admins.
	EnableDebug bool
	// PageSizeLimit caps the `limit` query parameter.
	PageSizeLimit int
	// AllowedOrigins for CORS, all origins when empty.
	AllowedOrigins []string
	// TrustProxy takes the client ip from X-Real-IP / X-Forwarded-For.
	TrustProxy bool
}

func (c *Conf) pageSizeLimit() int {
	if c.PageSizeLimit <= 0 || c.PageSizeLimit > store.MaxPageSize {
		return store.MaxPageSize
	}
	return c.PageSizeLimit
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	conf    *Conf
	service *relay.Service
	dir     *room.Directory
	// live connection count, may be nil
	conns func() int
}

func NewHandler(conf *Conf, service *relay.Service, dir *room.Directory, conns func() int) *Handler {
	if conf == nil {
		conf = &Conf{}
	}
	return &Handler{conf: conf, service: service, dir: dir, conns: conns}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		glog.Errorf("api: encode response error: %v", err)
	}
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// fail maps service errors to responses. Storage details are logged, never
// returned.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case relay.IsMalformed(err),
		errors.Is(err, store.ErrNoReceiver),
		errors.Is(err, store.ErrInvalidFilter):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		h.Error(w, http.StatusNotFound, "message not found")
	case store.IsPersistenceError(err):
		glog.Errorf("api: storage error: %v", err)
		h.Error(w, http.StatusInternalServerError, "temporary storage error")
	default:
		glog.Errorf("api: internal error: %v", err)
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// paging reads `page` and `limit`, both optional.
func (h *Handler) paging(r *http.Request) (page, limit int, err error) {
	page, limit = 1, store.DefaultPageSize
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			return 0, 0, errors.New("page: should be positive integer")
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, errors.New("limit: should be positive integer")
		}
	}
	if max := h.conf.pageSizeLimit(); limit > max {
		limit = max
	}
	if page-1 > math.MaxInt/limit {
		return 0, 0, errors.New("page: out of range")
	}
	return page, limit, nil
}
