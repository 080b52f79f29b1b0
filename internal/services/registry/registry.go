package registry

import (
	"sync"

	"github.com/reachsriharsha/daari-parent-sub000/internal/services/proximity"
)

type entry struct {
	c    *Controller
	refs int
}

// Registry maps entity ids to controllers. A controller exists while at
// least one observer holds it; the end of a trip does not remove it.
type Registry struct {
	engine *proximity.Engine
	sink   AlertSink
	buffer int

	mu          sync.Mutex
	controllers map[int64]*entry
}

func New(engine *proximity.Engine, sink AlertSink, buffer int) *Registry {
	return &Registry{
		engine:      engine,
		sink:        sink,
		buffer:      buffer,
		controllers: make(map[int64]*entry),
	}
}

// Observe returns the entity's controller, creating it on first use, and a
// release func. The controller is torn down when the last holder releases
// it. Release is safe to call more than once.
func (r *Registry) Observe(entityID int64) (*Controller, func()) {
	r.mu.Lock()
	e, ok := r.controllers[entityID]
	if !ok {
		e = &entry{c: newController(entityID, r.buffer)}
		r.controllers[entityID] = e
	}
	e.refs++
	r.mu.Unlock()

	var once sync.Once
	return e.c, func() {
		once.Do(func() { r.release(entityID, e) })
	}
}

func (r *Registry) release(entityID int64, e *entry) {
	r.mu.Lock()
	e.refs--
	last := e.refs == 0
	if last && r.controllers[entityID] == e {
		delete(r.controllers, entityID)
	}
	r.mu.Unlock()

	if last {
		e.c.close()
	}
}

// Get returns the controller of an observed entity.
func (r *Registry) Get(entityID int64) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.controllers[entityID]
	if !ok {
		return nil, false
	}
	return e.c, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}
