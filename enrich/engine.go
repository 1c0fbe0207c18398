// Package enrich adds the height of the terrain to the nodes of an entity stream.
//
// Nodes whose tile is cached are enriched right away. The others are parked in the tile cache
// until their tile is fetched, so the output is not in input order. Everything that is not a
// node passes through unchanged.
package enrich

import (
	"errors"
	"log"

	"github.com/go-spatial/geom"

	"github.com/pdok/hoogte/entity"
	"github.com/pdok/hoogte/geomhelp"
	"github.com/pdok/hoogte/geotiff"
	"github.com/pdok/hoogte/metrics"
	"github.com/pdok/hoogte/processing"
	"github.com/pdok/hoogte/tilecache"
)

const wktMaxLen = 60

// Mapper finds the tile of a WGS84 coordinate.
type Mapper interface {
	Project(lat, lon float64) (geom.Point, error)
	TileID(pt geom.Point) (string, error)
}

type Engine struct {
	policy  Policy
	mapper  Mapper
	cache   *tilecache.Dispatcher
	sink    processing.Sink
	metrics *metrics.Metrics
}

func New(policy Policy, mapper Mapper, cache *tilecache.Dispatcher, sink processing.Sink, m *metrics.Metrics) *Engine {
	if policy.heightKeys == nil {
		policy = NewPolicy(policy.Override, policy.HeightTags, policy.HeightTag)
	}
	return &Engine{
		policy:  policy,
		mapper:  mapper,
		cache:   cache,
		sink:    sink,
		metrics: metrics.OrNew(m),
	}
}

// Handle emits e, now or later. It never blocks on fetching tiles.
func (e *Engine) Handle(ent entity.Entity) {
	e.metrics.Entities.WithLabelValues(ent.Kind().String()).Inc()
	if node, ok := ent.(entity.Node); ok {
		e.handleNode(node)
	} else {
		e.sink.Emit(ent)
	}
	e.drain()
}

func (e *Engine) handleNode(n entity.Node) {
	coord, err := e.mapper.Project(n.Lat, n.Lon)
	var id string
	if err == nil {
		id, err = e.mapper.TileID(coord)
	}
	if err != nil {
		log.Printf("node %d at %s has no tile, passing it through: %v", n.ID, geomhelp.WktMustEncode(n.Point(), wktMaxLen), err)
		e.emitNode(n, metrics.NodeUnmappable)
		return
	}

	w := tilecache.Waiting{Node: n, Coord: coord}
	if r, ok := e.cache.Lookup(id); ok {
		err = e.enrich(r, w)
		if err == nil {
			return
		}
		log.Printf("sampling tile %s failed, fetching it again: %v", id, err)
		e.cache.Invalidate(id, r)
	}
	e.cache.Enqueue(id, w)
	e.cache.RequestTile(id)
}

// enrich samples r for w and emits the node. An error means r is unreadable, the node was not emitted.
func (e *Engine) enrich(r tilecache.Raster, w tilecache.Waiting) error {
	height, err := r.Sample(w.Coord.X(), w.Coord.Y())
	if errors.Is(err, geotiff.ErrOutOfBounds) || errors.Is(err, geotiff.ErrNoData) {
		log.Printf("no height for node %d at %s: %v", w.Node.ID, geomhelp.WktMustEncode(w.Node.Point(), wktMaxLen), err)
		e.emitNode(w.Node, metrics.NodeNoSample)
		return nil
	}
	if err != nil {
		return err
	}
	tags, written := e.policy.MergeHeight(w.Node.Tags, height)
	if !written {
		e.emitNode(w.Node, metrics.NodeKept)
		return nil
	}
	e.emitNode(w.Node.WithTags(tags), metrics.NodeEnriched)
	return nil
}

func (e *Engine) emitNode(n entity.Node, outcome string) {
	e.metrics.Nodes.WithLabelValues(outcome).Inc()
	e.sink.Emit(n)
}

// drain emits the parked nodes whose tile was fetched or turned out to be missing.
func (e *Engine) drain() {
	e.cache.DrainReady(e.enrich)
	e.cache.DrainNotFound(func(w tilecache.Waiting) {
		e.emitNode(w.Node, metrics.NodeNotFound)
	})
}

// Complete waits for the outstanding tile fetches while emitting what they resolve, emits
// the nodes that stayed unresolved without a height and completes the sink.
// When the fetches had to be interrupted the parked nodes are lost, the sink is not completed
// and tilecache.ErrForcedShutdown is returned.
func (e *Engine) Complete() error {
	if err := e.cache.Shutdown(e.drain); err != nil {
		log.Printf("%d nodes were not written: %v", e.cache.Pending(), err)
		return err
	}
	e.drain()
	unresolved := e.cache.DrainUnresolved(func(id string, w tilecache.Waiting) {
		e.emitNode(w.Node, metrics.NodeUnresolved)
	})
	if unresolved > 0 {
		log.Printf("%d nodes were written without height, their tiles could not be fetched", unresolved)
	}
	return e.sink.Complete()
}

// Release shuts the tile cache down, if Complete did not already, closes the cached tiles
// and releases the sink.
func (e *Engine) Release() {
	if err := e.cache.Shutdown(nil); err != nil && !errors.Is(err, tilecache.ErrForcedShutdown) {
		log.Printf("shutting down tile cache: %v", err)
	}
	e.cache.Close()
	e.sink.Release()
}
