package api

import (
	"net/http"
	"sort"

	"github.com/msgrelay/msgrelay/room"
)

// MemberInfo is one live connection and the rooms it joined.
type MemberInfo struct {
	ID    string   `json:"id"`
	Rooms []string `json:"rooms"`
}

// DebugResponse lists the rooms with live members.
type DebugResponse struct {
	OK          bool            `json:"ok"`
	Rooms       []room.RoomInfo `json:"rooms"`
	Members     []MemberInfo    `json:"members"`
	Connections int             `json:"connections"`
}

// Debug handles /socket/debug.
func (h *Handler) Debug(w http.ResponseWriter, r *http.Request) {
	resp := &DebugResponse{OK: true, Rooms: h.dir.Rooms()}
	if resp.Rooms == nil {
		resp.Rooms = []room.RoomInfo{}
	}

	members := h.dir.All()
	resp.Members = make([]MemberInfo, 0, len(members))
	for _, m := range members {
		resp.Members = append(resp.Members, MemberInfo{ID: m.ID(), Rooms: h.dir.RoomsOf(m)})
	}
	sort.Slice(resp.Members, func(i, j int) bool {
		return resp.Members[i].ID < resp.Members[j].ID
	})

	if h.conns != nil {
		resp.Connections = h.conns()
	}
	h.JSON(w, http.StatusOK, resp)
}

// Health handles the health check endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
