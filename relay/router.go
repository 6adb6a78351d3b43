package relay

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/msgrelay/msgrelay/identity"
	"github.com/msgrelay/msgrelay/metrics"
	"github.com/msgrelay/msgrelay/room"
	"github.com/msgrelay/msgrelay/store"
)

// Router fans a message out to the live members of the receiver's room.
// Delivery is at most once: no acknowledgment, retry or queuing. The store
// is authoritative, the push is a convenience.
type Router struct {
	dir *room.Directory
}

func NewRouter(dir *room.Directory) *Router {
	return &Router{dir: dir}
}

// Route delivers m to every member currently joined to to's room and returns
// how many accepted the frame. A room without members is not an error.
func (r *Router) Route(m *store.Message, from, to identity.Identity) (int, error) {
	if !from.Valid() {
		metrics.MalformedEvents.WithLabelValues(EventPrivate).Inc()
		return 0, &MalformedEvent{Event: EventPrivate, Reason: "missing sender"}
	}
	if !to.Valid() {
		metrics.MalformedEvents.WithLabelValues(EventPrivate).Inc()
		return 0, &MalformedEvent{Event: EventPrivate, Reason: "missing receiver"}
	}

	frame, err := EncodeFrame(EventReceive, &Delivery{
		ID:        m.ID,
		FromType:  string(from.Kind),
		FromID:    from.ID,
		Message:   m.Message,
		Subject:   m.Subject,
		Name:      m.Name,
		Email:     m.Email,
		CreatedAt: m.CreatedAt,
	})
	if err != nil {
		return 0, fmt.Errorf("encode delivery: %v", err)
	}

	roomName := to.Room()
	members := r.dir.Snapshot(roomName)
	if len(members) == 0 {
		metrics.RoutingMisses.Inc()
		glog.V(5).Infof("route: message %d from %s, room %s has no member", m.ID, from, roomName)
		return 0, nil
	}

	var delivered int
	for _, member := range members {
		if member.Deliver(frame) {
			delivered++
		}
	}
	metrics.Deliveries.Add(float64(delivered))
	if dropped := len(members) - delivered; dropped > 0 {
		metrics.DeliveryDrops.Add(float64(dropped))
	}
	glog.V(5).Infof("route: message %d from %s to room %s, size: %d, delivered: %d",
		m.ID, from, roomName, len(members), delivered)
	return delivered, nil
}
