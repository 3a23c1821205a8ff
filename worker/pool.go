// Package worker implements spec §4.5's worker thread pool: each Worker
// owns a disjoint subset of Connexions and drives their tick/receive/write
// paths from a single goroutine, so no per-Connexion locking is ever
// needed. The single-owner-goroutine pattern follows companyzero-zkc's
// per-session goroutine, generalized from one goroutine per session to a
// fixed pool of N workers each owning many Connexions; coordinated
// shutdown uses golang.org/x/sync/errgroup the way the teacher's
// server_router joins its concurrently running loops.
package worker

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"sphynx/buffer"
	"sphynx/domain"
	"sphynx/logging"
	"sphynx/transport"
)

// SendFunc transmits one already-encrypted datagram to addr. It is the
// "IO thread" collaborator spec §1 treats as out of scope.
type SendFunc func(addr *net.UDPAddr, data []byte) error

type registration struct {
	addr *net.UDPAddr
	conn *transport.Connexion
}

// incomingDatagram carries a pool-owned buffer into a worker, already
// demultiplexed to the right Connexion by ConnexionMap lookup. The worker
// releases buf back to the pool once OnDatagram has consumed it (spec
// §4.5: "all datagram buffers, in both directions, come from this pool").
type incomingDatagram struct {
	sessionKey uint32
	buf        *buffer.Buffer
}

// Worker owns one event loop and a subset of Connexions (spec §4.5).
type Worker struct {
	id       int
	send     SendFunc
	log      logging.Logger
	tick     time.Duration
	bufs     *buffer.Allocator

	register   chan registration
	unregister chan uint32
	incoming   chan incomingDatagram

	conns map[uint32]*registration
	count atomic.Int32 // mirrors len(conns); read from Pool.Assign outside this goroutine
}

func newWorker(id int, send SendFunc, log logging.Logger, tick time.Duration, bufs *buffer.Allocator) *Worker {
	return &Worker{
		id:         id,
		send:       send,
		log:        log,
		tick:       tick,
		bufs:       bufs,
		register:   make(chan registration, 64),
		unregister: make(chan uint32, 64),
		incoming:   make(chan incomingDatagram, 1024),
		conns:      make(map[uint32]*registration),
	}
}

func (w *Worker) SessionCount() int { return int(w.count.Load()) }

func (w *Worker) run(ctx context.Context) error {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-w.register:
			w.conns[r.conn.SessionKey] = &r
			w.count.Store(int32(len(w.conns)))
		case key := <-w.unregister:
			delete(w.conns, key)
			w.count.Store(int32(len(w.conns)))
		case dg := <-w.incoming:
			reg, ok := w.conns[dg.sessionKey]
			if ok {
				if err := reg.conn.OnDatagram(time.Now(), dg.buf.Bytes()); err != nil {
					w.log.Inane("datagram rejected", "err", err)
				}
				w.drainOutgoing(reg)
			}
			w.bufs.Release(dg.buf)
		case now := <-ticker.C:
			for _, reg := range w.conns {
				reg.conn.WorkerID = w.id
				for _, out := range reg.conn.Tick(now) {
					if err := w.send(reg.addr, out); err != nil {
						w.log.Warn("send failed", "err", err)
					}
				}
				if reg.conn.State() == transport.StateDead {
					delete(w.conns, reg.conn.SessionKey)
				}
			}
			w.count.Store(int32(len(w.conns)))
		}
	}
}

func (w *Worker) drainOutgoing(reg *registration) {
	for _, out := range reg.conn.Tick(time.Now()) {
		if err := w.send(reg.addr, out); err != nil {
			w.log.Warn("send failed", "err", err)
		}
	}
}

// Pool is the fixed set of Worker event loops spec §4.5 describes.
type Pool struct {
	workers []*Worker
	log     logging.Logger
	bufs    *buffer.Allocator
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// NewPool creates n workers (spec default: CPU count), each ticking at
// domain.TickInterval. bufs is the shared datagram buffer pool Submit
// hands incoming buffers through and workers release back once consumed.
func NewPool(n int, send SendFunc, log logging.Logger, bufs *buffer.Allocator) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{log: log, bufs: bufs}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, newWorker(i, send, log, domain.TickInterval, bufs))
	}
	return p
}

// Start launches every worker's event loop under an errgroup tied to ctx.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	g, runCtx := errgroup.WithContext(runCtx)
	p.group = g
	for _, w := range p.workers {
		w := w
		g.Go(func() error { return w.run(runCtx) })
	}
}

// Shutdown cancels every worker and waits up to domain.ShutdownGrace for
// their run loops to return (spec §5). A cancelled run loop returns at
// once: it does not tick its Connexions again, so sessions still in the
// Draining state send no further DISCONNECT retries.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()
	p.cancel()

	select {
	case err := <-done:
		return err
	case <-time.After(domain.ShutdownGrace):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Assign registers c with the least-loaded worker (spec §4.5: "advisory
// no rebalancing later") and returns that worker's id.
func (p *Pool) Assign(addr *net.UDPAddr, c *transport.Connexion) int {
	best := 0
	for i, w := range p.workers {
		if w.SessionCount() < p.workers[best].SessionCount() {
			best = i
		}
	}
	c.WorkerID = best
	p.workers[best].register <- registration{addr: addr, conn: c}
	return best
}

// Remove unregisters a session from the worker that owns it.
func (p *Pool) Remove(workerID int, sessionKey uint32) {
	if workerID < 0 || workerID >= len(p.workers) {
		return
	}
	p.workers[workerID].unregister <- sessionKey
}

// Submit hands a pool-owned buffer, already demultiplexed to its owning
// worker (spec §4.5: "the IO thread routes an incoming datagram to the
// owning worker ... by reading Connexion.worker_id"), into that worker's
// incoming queue. The worker releases buf back to the pool once consumed;
// if the queue is saturated, Submit releases it immediately itself so a
// dropped datagram never leaks its buffer.
func (p *Pool) Submit(workerID int, sessionKey uint32, buf *buffer.Buffer) {
	if workerID < 0 || workerID >= len(p.workers) {
		p.bufs.Release(buf)
		return
	}
	select {
	case p.workers[workerID].incoming <- incomingDatagram{sessionKey: sessionKey, buf: buf}:
	default:
		p.log.Inane("worker incoming queue saturated, dropping datagram", "worker", workerID)
		p.bufs.Release(buf)
	}
}
