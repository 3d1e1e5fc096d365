// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package workerpool implements the broker's worker-thread runtime: a
// fixed set of goroutines, each pinned to an OS thread and (best-effort)
// a CPU core, each owning a disjoint set of connections it alone
// services. Grounded on original_source/threaddata.cpp's ThreadData:
// one epoll loop per thread there, one Go scheduler loop per worker
// here, same idea of "a connection belongs to exactly one worker for
// its whole lifetime".
package workerpool

import (
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Connection is a single client connection as seen by a worker. The
// session package's Connection interface is a subset of this one; a
// worker also needs the file descriptor (or equivalent stable key) to
// index its local table and a keep-alive check.
type Connection interface {
	FD() int
	Close() error
	MarkDisconnecting()
	KeepAliveExpired(now time.Time) bool
}

// Worker owns a disjoint set of connections, serviced by one pinned
// goroutine. All map access happens under mu, mirroring
// ThreadData::clients_by_fd_mutex.
type Worker struct {
	id     int
	logger *slog.Logger

	mu      sync.Mutex
	clients map[int]Connection

	jobs chan func()
	quit chan struct{}
	wg   sync.WaitGroup
}

func newWorker(id int, logger *slog.Logger) *Worker {
	return &Worker{
		id:      id,
		logger:  logger,
		clients: make(map[int]Connection),
		jobs:    make(chan func(), 256),
		quit:    make(chan struct{}),
	}
}

// run is the worker's main loop: pin to a CPU if possible, then process
// jobs until told to quit.
func (w *Worker) run() {
	defer w.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if pinningSupported {
		if err := pinToCPU(w.id); err != nil {
			w.logger.Warn("failed to pin worker to CPU, continuing unpinned",
				slog.Int("worker", w.id), slog.String("error", err.Error()))
		} else {
			w.logger.Debug("worker pinned to CPU", slog.Int("worker", w.id))
		}
	} else {
		w.logger.Debug("CPU pinning unsupported on this platform, running unpinned", slog.Int("worker", w.id))
	}

	for {
		select {
		case job := <-w.jobs:
			job()
		case <-w.quit:
			return
		}
	}
}

// Submit queues fn to run on this worker's goroutine. Blocking: callers
// on another worker's goroutine should never call this synchronously on
// the hot path, only for cross-worker handoffs (e.g. session takeover).
func (w *Worker) Submit(fn func()) {
	select {
	case w.jobs <- fn:
	case <-w.quit:
	}
}

// AddConnection registers conn under its file descriptor.
func (w *Worker) AddConnection(conn Connection) {
	w.mu.Lock()
	w.clients[conn.FD()] = conn
	w.mu.Unlock()
}

// RemoveConnection marks conn disconnecting and drops it from the table.
func (w *Worker) RemoveConnection(fd int) {
	w.mu.Lock()
	conn, ok := w.clients[fd]
	if ok {
		delete(w.clients, fd)
	}
	w.mu.Unlock()
	if ok {
		conn.MarkDisconnecting()
	}
}

// Get returns the connection for fd, or nil.
func (w *Worker) Get(fd int) Connection {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clients[fd]
}

// Count returns the number of connections this worker owns.
func (w *Worker) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.clients)
}

// checkKeepAlives sweeps for expired connections, using a try-lock so a
// busy worker skips this round rather than contending with its hot
// path, mirroring doKeepAliveCheck's std::try_to_lock.
func (w *Worker) checkKeepAlives(now time.Time) {
	if !w.mu.TryLock() {
		return
	}
	defer w.mu.Unlock()

	for fd, conn := range w.clients {
		if conn.KeepAliveExpired(now) {
			delete(w.clients, fd)
			conn.MarkDisconnecting()
		}
	}
}

// Pool is a fixed set of workers, assigning connections round-robin.
type Pool struct {
	workers []*Worker
	next    uint64
	nextMu  sync.Mutex

	keepAliveInterval time.Duration
	stopCh            chan struct{}
	wg                sync.WaitGroup
}

// Config configures a Pool.
type Config struct {
	// Count is the number of worker goroutines. Defaults to
	// runtime.NumCPU() if <= 0.
	Count int
	// KeepAliveCheckInterval is how often each worker sweeps for expired
	// connections. Defaults to 1 second.
	KeepAliveCheckInterval time.Duration
}

// New creates and starts a Pool.
func New(cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Count <= 0 {
		cfg.Count = runtime.NumCPU()
	}
	if cfg.KeepAliveCheckInterval <= 0 {
		cfg.KeepAliveCheckInterval = time.Second
	}

	p := &Pool{
		keepAliveInterval: cfg.KeepAliveCheckInterval,
		stopCh:            make(chan struct{}),
	}

	for i := 0; i < cfg.Count; i++ {
		w := newWorker(i, logger)
		p.workers = append(p.workers, w)
		w.wg.Add(1)
		go w.run()
	}

	p.wg.Add(1)
	go p.keepAliveLoop()

	return p
}

// Assign picks a worker for a new connection, round-robin.
func (p *Pool) Assign() *Worker {
	p.nextMu.Lock()
	idx := p.next % uint64(len(p.workers))
	p.next++
	p.nextMu.Unlock()
	return p.workers[idx]
}

// Workers returns the pool's worker set, for diagnostics.
func (p *Pool) Workers() []*Worker { return p.workers }

func (p *Pool) keepAliveLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, w := range p.workers {
				w.checkKeepAlives(now)
			}
		case <-p.stopCh:
			return
		}
	}
}

// Stop halts every worker's loop and waits for them to exit.
func (p *Pool) Stop() {
	close(p.stopCh)
	for _, w := range p.workers {
		close(w.quit)
	}
	p.wg.Wait()
	for _, w := range p.workers {
		w.wg.Wait()
	}
}
