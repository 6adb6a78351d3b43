package room

import (
	"sync"

	"github.com/golang/glog"

	"github.com/msgrelay/msgrelay/identity"
)

// Registry binds declared identities to connections and joins them to the
// identity's room. The declared identity is trusted as is.
//
// Declaring a different identity on the same connection does not leave the
// rooms joined under earlier identities; only Forget does.
type Registry struct {
	sync.RWMutex
	dir   *Directory
	bound map[string]identity.Identity
}

func NewRegistry(dir *Directory) *Registry {
	return &Registry{
		dir:   dir,
		bound: make(map[string]identity.Identity),
	}
}

// Declare binds id to m and joins m to id's room. Invalid identities are
// ignored and reported as false.
func (r *Registry) Declare(m Member, id identity.Identity) bool {
	if !id.Valid() {
		glog.Warningf("declare: ignore invalid identity %+v, conn: %s", id, m.ID())
		return false
	}
	r.Lock()
	r.bound[m.ID()] = id
	r.Unlock()

	r.dir.Join(id.Room(), m)
	glog.V(5).Infof("declare: conn %s joined room %s", m.ID(), id.Room())
	return true
}

// IdentityOf returns the identity most recently declared on m.
func (r *Registry) IdentityOf(m Member) (identity.Identity, bool) {
	r.RLock()
	defer r.RUnlock()
	id, ok := r.bound[m.ID()]
	return id, ok
}

// Forget drops the binding of m and removes it from every room.
// It returns the number of rooms left.
func (r *Registry) Forget(m Member) int {
	r.Lock()
	delete(r.bound, m.ID())
	r.Unlock()
	return r.dir.Leave(m)
}
