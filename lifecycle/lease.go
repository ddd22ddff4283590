package lifecycle

import "sync/atomic"

// Lease pins the namespaces a request reads and writes.
// A namespace named by a lease is not deleted before the lease is released.
// Empty names mean there is no such namespace to use.
type Lease struct {
	Version string
	Static  string
	Runtime string

	c     *Controller
	epoch uint64
	refs  atomic.Int32
}

// Acquire returns a lease on the active static namespace and the runtime namespace.
// The lease must be released exactly once per Acquire or Retain.
func (c *Controller) Acquire() *Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := &Lease{c: c, epoch: c.epoch}
	l.refs.Store(1)
	c.epochLeases[c.epoch]++
	if c.clearing > 0 {
		return l
	}
	l.Runtime = c.RuntimeNamespace()
	if c.active != "" {
		l.Version = c.active
		l.Static = c.StaticNamespace(c.active)
		c.leases[l.Static]++
	}
	return l
}

// Retain adds a reference, e.g. for background work outliving the request.
func (l *Lease) Retain() {
	l.refs.Add(1)
}

// Release drops a reference. The last release returns the lease to the controller.
func (l *Lease) Release() {
	if n := l.refs.Add(-1); n > 0 {
		return
	} else if n < 0 {
		panic("lifecycle: lease released too many times")
	}
	l.c.release(l)
}

func (c *Controller) release(l *Lease) {
	c.mu.Lock()
	if c.epochLeases[l.epoch]--; c.epochLeases[l.epoch] <= 0 {
		delete(c.epochLeases, l.epoch)
	}
	c.drained.Broadcast()
	collect := false
	if l.Static != "" {
		if c.leases[l.Static]--; c.leases[l.Static] <= 0 {
			delete(c.leases, l.Static)
			collect = c.deferred[l.Static]
		}
	}
	c.mu.Unlock()

	if collect {
		c.deleteNamespace(l.Static)
	}
}
