package server

import "sync"

// connRegistry tracks live connections by id for broadcast shutdown. It
// holds non-owning references; each connection removes itself on teardown.
type connRegistry struct {
	mu     sync.Mutex
	nextID uint64
	conns  map[uint64]*connection
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[uint64]*connection)}
}

func (r *connRegistry) add(c *connection) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c.id = r.nextID
	r.conns[c.id] = c
	return c.id
}

func (r *connRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

func (r *connRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// shutdownAll force-closes every live socket, unblocking suspended reads
// and writes so process loops can exit.
func (r *connRegistry) shutdownAll() {
	r.mu.Lock()
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}
