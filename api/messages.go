package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/msgrelay/msgrelay/identity"
	"github.com/msgrelay/msgrelay/relay"
	"github.com/msgrelay/msgrelay/store"
)

// SendResponse represents the send response.
type SendResponse struct {
	Message string         `json:"message"`
	Data    *store.Message `json:"data"`
}

// ListResponse represents a page of messages, oldest first.
type ListResponse struct {
	Data []*store.Message `json:"data"`
	Page int              `json:"page"`
}

func remoteIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// Send persists a message from the caller and pushes it to the receiver's
// room. The sender is always the authenticated identity.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	self, _ := IdentityFromContext(r.Context())

	var req relay.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.Error(w, http.StatusBadRequest, "message is required")
		return
	}
	req.FromType, req.FromID = string(self.Kind), self.ID
	req.IP = remoteIP(r)

	m, err := h.service.Send(r.Context(), &req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, &SendResponse{Message: "Message sent", Data: m})
}

// Inbox lists every message sent or received by the caller.
func (h *Handler) Inbox(w http.ResponseWriter, r *http.Request) {
	self, _ := IdentityFromContext(r.Context())
	page, limit, err := h.paging(r)
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := h.service.Inbox(r.Context(), self, page, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, &ListResponse{Data: nonNil(msgs), Page: page})
}

// Conversation lists the messages between the caller and the counterpart
// `{id}` of the opposite kind.
func (h *Handler) Conversation(w http.ResponseWriter, r *http.Request) {
	self, _ := IdentityFromContext(r.Context())
	id, ok := pathID(r)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid counterpart id")
		return
	}
	page, limit, err := h.paging(r)
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	other := identity.Identity{Kind: self.Kind.Opposite(), ID: id}
	user, admin := self, other
	if self.IsAdmin() {
		user, admin = other, self
	}

	msgs, err := h.service.Thread(r.Context(), user, admin, page, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, &ListResponse{Data: nonNil(msgs), Page: page})
}

// MarkRead marks a message received by the caller as read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	self, _ := IdentityFromContext(r.Context())
	id, ok := pathID(r)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid message id")
		return
	}

	changed, err := h.service.MarkRead(r.Context(), id, self)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// Unread counts unread messages received by the caller.
func (h *Handler) Unread(w http.ResponseWriter, r *http.Request) {
	self, _ := IdentityFromContext(r.Context())
	n, err := h.service.Unread(r.Context(), self)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]int64{"count": n})
}

// Summary returns per user message counts for `?users=1,2,3`.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("users")
	if raw == "" {
		h.Error(w, http.StatusBadRequest, "users is required")
		return
	}

	var users []identity.Identity
	for _, s := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil || id <= 0 {
			h.Error(w, http.StatusBadRequest, "users: invalid id "+strconv.Quote(s))
			return
		}
		users = append(users, identity.User(id))
	}
	if len(users) > h.conf.pageSizeLimit() {
		h.Error(w, http.StatusBadRequest, "users: too many ids")
		return
	}

	counts, err := h.service.Summary(r.Context(), users)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"data": counts})
}

func nonNil(msgs []*store.Message) []*store.Message {
	if msgs == nil {
		return []*store.Message{}
	}
	return msgs
}
