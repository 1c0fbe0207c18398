// Package tilecache fetches elevation tiles in the background and parks nodes until the tile
// they fall in is available.
//
// A tile id is in at most one of the ready cache and the not-found set. A fetch for an id is
// scheduled at most once at a time: the in-flight claim is taken when the fetch is scheduled
// and released when the fetch task returns.
package tilecache

import (
	"context"
	"errors"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-spatial/geom"
	"github.com/umpc/go-sortedmap"
	"golang.org/x/sync/semaphore"

	"github.com/pdok/hoogte/entity"
	"github.com/pdok/hoogte/metrics"
)

const (
	DefaultMaxAttempts     = 5
	DefaultPollInterval    = 10 * time.Second
	DefaultShutdownTimeout = 30 * time.Minute
)

// ErrForcedShutdown is returned by Shutdown when the fetch tasks had to be interrupted.
var ErrForcedShutdown = errors.New("tile fetch tasks were interrupted")

// Raster is a decoded tile.
type Raster interface {
	Sample(x, y float64) (float64, error)
	Close() error
}

// Materializer makes a tile available as a local file.
type Materializer interface {
	Materialize(ctx context.Context, id string) (string, error)
}

// Decoder opens and checks a local tile file.
type Decoder func(path string) (Raster, error)

// Waiting is a node parked until its tile is resolved, with its projected coordinate.
type Waiting struct {
	Node  entity.Node
	Coord geom.Point
}

type Options struct {
	// concurrent fetches, defaults to the number of CPUs
	Workers int
	// attempts per fetch cycle
	MaxAttempts int
	// after this many exhausted fetch cycles a tile is given up on and treated as not found, 0 never gives up
	MaxFailedCycles int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	return o
}

type State int32

const (
	StateRunning State = iota
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Failure is a tile whose fetch cycles all failed.
type Failure struct {
	ID     string
	Cycles int
}

type Dispatcher struct {
	opts         Options
	materializer Materializer
	decode       Decoder
	metrics      *metrics.Metrics

	ready    sync.Map // id -> Raster
	notFound sync.Map // id -> struct{}
	inFlight sync.Map // id -> struct{}
	missed   sync.Map // id -> struct{}, requested while in flight
	pending  sync.Map // id -> *queue
	parked   atomic.Int64

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// submitMu orders scheduling against the start of a shutdown
	submitMu sync.Mutex
	state    atomic.Int32
	forced   atomic.Bool

	shutdownOnce sync.Once
	shutdownErr  error

	ledgerMu sync.Mutex
	ledger   *sortedmap.SortedMap
}

// queue holds the nodes waiting for one tile. A retired queue has been removed from the
// pending set and must not receive nodes anymore.
type queue struct {
	mu      sync.Mutex
	nodes   []Waiting
	retired bool
}

// New creates a running dispatcher. Cancelling ctx interrupts the fetches in progress and makes
// Shutdown return ErrForcedShutdown.
func New(ctx context.Context, opts Options, materializer Materializer, decode Decoder, m *metrics.Metrics) *Dispatcher {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	return &Dispatcher{
		opts:         opts,
		materializer: materializer,
		decode:       decode,
		metrics:      metrics.OrNew(m),
		sem:          semaphore.NewWeighted(int64(opts.Workers)),
		ctx:          ctx,
		cancel:       cancel,
		// most failed cycles first
		ledger: sortedmap.New(16, func(x, y interface{}) bool {
			return x.(int) > y.(int)
		}),
	}
}

func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Pending returns the number of parked nodes.
func (d *Dispatcher) Pending() int {
	return int(d.parked.Load())
}

// Lookup returns the cached raster of tile id, without blocking.
func (d *Dispatcher) Lookup(id string) (Raster, bool) {
	v, ok := d.ready.Load(id)
	if !ok {
		return nil, false
	}
	return v.(Raster), true
}

func (d *Dispatcher) IsNotFound(id string) bool {
	_, ok := d.notFound.Load(id)
	return ok
}

func (d *Dispatcher) IsInFlight(id string) bool {
	_, ok := d.inFlight.Load(id)
	return ok
}

// RequestTile schedules a fetch of tile id unless it is cached, known to be absent or already
// being fetched. It returns whether a fetch was scheduled. Requests are refused once Shutdown started.
func (d *Dispatcher) RequestTile(id string) bool {
	if _, ok := d.ready.Load(id); ok {
		return false
	}
	if _, ok := d.notFound.Load(id); ok {
		return false
	}
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	return d.schedule(id)
}

// schedule claims id and starts its fetch. d.submitMu must be held.
func (d *Dispatcher) schedule(id string) bool {
	if d.State() != StateRunning {
		return false
	}
	if _, claimed := d.inFlight.LoadOrStore(id, struct{}{}); claimed {
		d.missed.Store(id, struct{}{})
		return false
	}
	d.missed.Delete(id)
	d.wg.Add(1)
	d.metrics.TilesRequested.Inc()
	go d.fetch(id)
	return true
}

// release gives up the claim on id. With retry set, requests refused while the claim was held
// start a new fetch cycle.
func (d *Dispatcher) release(id string, retry bool) {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	d.inFlight.Delete(id)
	if _, missed := d.missed.LoadAndDelete(id); missed && retry {
		d.schedule(id)
	}
}

// Enqueue parks w until tile id is resolved.
func (d *Dispatcher) Enqueue(id string, w Waiting) {
	for {
		v, ok := d.pending.Load(id)
		if !ok {
			v, _ = d.pending.LoadOrStore(id, &queue{})
		}
		q := v.(*queue)
		q.mu.Lock()
		if q.retired {
			// lost the race against a drain emptying this queue, start a new one
			q.mu.Unlock()
			continue
		}
		q.nodes = append(q.nodes, w)
		q.mu.Unlock()
		d.parked.Add(1)
		d.metrics.PendingNodes.Inc()
		return
	}
}

// take removes the first n nodes of q and retires q when it is left empty. q.mu must be held.
func (d *Dispatcher) take(id string, q *queue, n int) {
	if n > 0 {
		q.nodes = append([]Waiting(nil), q.nodes[n:]...)
		d.parked.Add(int64(-n))
		d.metrics.PendingNodes.Sub(float64(n))
	}
	if len(q.nodes) == 0 {
		q.retired = true
		d.pending.CompareAndDelete(id, q)
	}
}

// DrainReady hands every parked node whose tile is cached to visit, in enqueue order per tile.
// When visit fails the raster is considered corrupt: it is evicted and fetched again, and the
// failed node and the ones after it stay parked. It returns the number of nodes handed over.
func (d *Dispatcher) DrainReady(visit func(r Raster, w Waiting) error) int {
	drained := 0
	d.pending.Range(func(k, v interface{}) bool {
		id := k.(string)
		rv, ok := d.ready.Load(id)
		if !ok {
			return true
		}
		r := rv.(Raster)
		q := v.(*queue)

		q.mu.Lock()
		var err error
		n := 0
		for ; n < len(q.nodes); n++ {
			if err = visit(r, q.nodes[n]); err != nil {
				break
			}
		}
		d.take(id, q, n)
		q.mu.Unlock()
		drained += n

		if err != nil {
			log.Printf("sampling tile %s failed, fetching it again: %v", id, err)
			d.Invalidate(id, r)
			d.RequestTile(id)
		}
		return true
	})
	return drained
}

// DrainNotFound hands every node parked on a tile that is not available to visit and then
// forgets that the tile is not available.
func (d *Dispatcher) DrainNotFound(visit func(w Waiting)) int {
	drained := 0
	d.notFound.Range(func(k, _ interface{}) bool {
		id := k.(string)
		if v, ok := d.pending.Load(id); ok {
			q := v.(*queue)
			q.mu.Lock()
			nodes := q.nodes
			d.take(id, q, len(nodes))
			q.mu.Unlock()
			for _, w := range nodes {
				visit(w)
			}
			drained += len(nodes)
		}
		d.notFound.Delete(id)
		return true
	})
	return drained
}

// DrainUnresolved hands every remaining parked node to visit. It only does so once the fetch
// tasks terminated cleanly, after that no tile can become ready anymore.
func (d *Dispatcher) DrainUnresolved(visit func(id string, w Waiting)) int {
	if d.State() != StateTerminated || d.forced.Load() {
		return 0
	}
	drained := 0
	d.pending.Range(func(k, v interface{}) bool {
		id := k.(string)
		q := v.(*queue)
		q.mu.Lock()
		nodes := q.nodes
		d.take(id, q, len(nodes))
		q.mu.Unlock()
		for _, w := range nodes {
			visit(id, w)
		}
		drained += len(nodes)
		return true
	})
	return drained
}

// Invalidate evicts r from the cache, if it still is the cached raster of tile id, and closes it.
func (d *Dispatcher) Invalidate(id string, r Raster) {
	if !d.ready.CompareAndDelete(id, r) {
		return
	}
	d.metrics.TilesEvicted.Inc()
	d.metrics.TilesReady.Dec()
	if err := r.Close(); err != nil {
		log.Printf("closing evicted tile %s: %v", id, err)
	}
}

// Failures lists the tiles whose fetch cycles were exhausted, most failed first.
func (d *Dispatcher) Failures() []Failure {
	d.ledgerMu.Lock()
	defer d.ledgerMu.Unlock()
	values := d.ledger.Map()
	failures := make([]Failure, 0, d.ledger.Len())
	for _, k := range d.ledger.Keys() {
		failures = append(failures, Failure{ID: k.(string), Cycles: values[k].(int)})
	}
	return failures
}

func (d *Dispatcher) recordFailure(id string) int {
	d.ledgerMu.Lock()
	defer d.ledgerMu.Unlock()
	cycles := 1
	if v, ok := d.ledger.Map()[id]; ok {
		cycles = v.(int) + 1
		d.ledger.Replace(id, cycles)
	} else {
		d.ledger.Insert(id, cycles)
	}
	return cycles
}

// Close closes all cached rasters. Call it after Shutdown.
func (d *Dispatcher) Close() {
	d.ready.Range(func(k, v interface{}) bool {
		if d.ready.CompareAndDelete(k, v) {
			d.metrics.TilesReady.Dec()
			if err := v.(Raster).Close(); err != nil {
				log.Printf("closing tile %s: %v", k, err)
			}
		}
		return true
	})
	d.cancel()
}
