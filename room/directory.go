package room

import (
	"sort"
	"sync"
)

// Member is a live connection as seen by the directory. The directory never
// owns a member: it only keeps a reference until Leave.
type Member interface {
	// ID is unique per connection.
	ID() string
	// Deliver enqueues a frame without blocking, false if it was not accepted.
	Deliver(frame []byte) bool
}

// RoomInfo is a diagnostic view of one room.
type RoomInfo struct {
	Room string `json:"room"`
	Size int    `json:"size"`
}

// Directory maps room names to the set of members joined to it.
// Readers get copies, so a fan-out never iterates a set while it is mutated.
type Directory struct {
	sync.RWMutex

	// room -> member id -> member
	rooms map[string]map[string]Member
	// member id -> rooms joined
	joined map[string]map[string]struct{}
	// member id -> member, every member that ever joined and did not leave
	members map[string]Member
}

func NewDirectory() *Directory {
	return &Directory{
		rooms:   make(map[string]map[string]Member),
		joined:  make(map[string]map[string]struct{}),
		members: make(map[string]Member),
	}
}

// Join adds m to room, creating the room when absent. Joining twice is a no-op.
func (d *Directory) Join(room string, m Member) {
	id := m.ID()
	d.Lock()
	defer d.Unlock()

	set, ok := d.rooms[room]
	if !ok {
		set = make(map[string]Member)
		d.rooms[room] = set
	}
	set[id] = m

	rooms, ok := d.joined[id]
	if !ok {
		rooms = make(map[string]struct{})
		d.joined[id] = rooms
	}
	rooms[room] = struct{}{}
	d.members[id] = m
}

// Leave removes m from every room it joined and returns how many rooms that was.
// Safe for members that never joined.
func (d *Directory) Leave(m Member) int {
	id := m.ID()
	d.Lock()
	defer d.Unlock()

	rooms := d.joined[id]
	for room := range rooms {
		if set, ok := d.rooms[room]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(d.rooms, room)
			}
		}
	}
	delete(d.joined, id)
	delete(d.members, id)
	return len(rooms)
}

// MembersOf returns the member count of room and whether the room exists.
// An empty room does not exist.
func (d *Directory) MembersOf(room string) (int, bool) {
	d.RLock()
	defer d.RUnlock()
	n := len(d.rooms[room])
	return n, n > 0
}

// Snapshot returns a copy of the members of room.
func (d *Directory) Snapshot(room string) []Member {
	d.RLock()
	defer d.RUnlock()
	set := d.rooms[room]
	if len(set) == 0 {
		return nil
	}
	out := make([]Member, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	return out
}

// All returns a copy of every member currently joined to at least one room.
func (d *Directory) All() []Member {
	d.RLock()
	defer d.RUnlock()
	out := make([]Member, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, m)
	}
	return out
}

// RoomsOf returns the sorted room names m is joined to.
func (d *Directory) RoomsOf(m Member) []string {
	d.RLock()
	rooms := d.joined[m.ID()]
	out := make([]string, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	d.RUnlock()
	sort.Strings(out)
	return out
}

// Rooms lists every non-empty room with its size, sorted by name.
func (d *Directory) Rooms() []RoomInfo {
	d.RLock()
	out := make([]RoomInfo, 0, len(d.rooms))
	for room, set := range d.rooms {
		out = append(out, RoomInfo{Room: room, Size: len(set)})
	}
	d.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Room < out[j].Room
	})
	return out
}
