package comm

import (
	"io"
	"sync"
	"time"
)

// Pool holds up to a fixed number of connections to one device, opening them
// on demand and closing them all after an idle timeout.  It is concurrent
// safe.  Pools must be created with NewPool.
type Pool struct {
	mu     sync.Mutex
	size   int
	leased int

	idle  time.Duration
	timer *time.Timer

	conns chan io.ReadWriteCloser
	maker CreationFunc

	reclaiming bool
}

// NewPool creates a pool of at most size connections that is emptied after
// every connection has sat unused for the idle duration.
func NewPool(size int, idle time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		size:  size,
		idle:  idle,
		timer: time.NewTimer(idle),
		conns: make(chan io.ReadWriteCloser, size),
		maker: maker,
	}
	p.timer.Stop() // nothing to reclaim yet
	return p
}

// Get leases a connection, opening a new one if none is idle and the pool is
// not yet at capacity, and blocking otherwise until one is returned.  The
// caller has exclusive use of the ReadWriter until it is handed back with
// Put, Destroy or ReturnWithError.  A connection obtained alongside a non-nil
// error must not be returned to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.timer.Stop()

	p.mu.Lock()
	select {
	case c := <-p.conns:
		// an idle connection is ready
		p.leased++
		p.mu.Unlock()
		return c, nil
	default:
	}
	if p.leased == p.size {
		// all leased out; wait without holding the lock so Put can run
		p.mu.Unlock()
		c := <-p.conns
		p.mu.Lock()
		p.leased++
		p.mu.Unlock()
		return c, nil
	}
	c, err := p.maker()
	if err == nil {
		p.leased++
	}
	p.mu.Unlock()
	return c, err
}

// Put returns a healthy connection for reuse.  Once every connection is back
// the idle timer starts; when it fires they are all closed.
func (p *Pool) Put(rw io.ReadWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns <- rw.(io.ReadWriteCloser)
	p.leased--
	if len(p.conns) == p.size {
		p.startReclaim()
	}
}

// Destroy closes a leased connection instead of returning it, freeing its
// slot.  Use it when the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rw.(io.ReadWriteCloser).Close()
	p.leased--
}

// ReturnWithError hands back a connection, destroying it when err indicates
// it may be poisoned and pooling it otherwise.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections owned by the pool, idle or leased.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.leased
}

// Active returns the number of connections currently leased out.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leased
}

// startReclaim arms the idle timer and, once it fires, closes every pooled
// connection.  Callers hold p.mu.
func (p *Pool) startReclaim() {
	p.timer.Reset(p.idle)
	if p.reclaiming {
		return
	}
	p.reclaiming = true
	go func() {
		<-p.timer.C
		p.mu.Lock()
		defer p.mu.Unlock()
		for {
			select {
			case c := <-p.conns:
				c.Close()
			default:
				p.reclaiming = false
				return
			}
		}
	}()
}
