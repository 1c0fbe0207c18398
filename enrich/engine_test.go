package enrich

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-spatial/geom"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/hoogte/entity"
	"github.com/pdok/hoogte/geotiff"
	"github.com/pdok/hoogte/gridset"
	"github.com/pdok/hoogte/metrics"
	"github.com/pdok/hoogte/tilecache"
	"github.com/pdok/hoogte/tileindex"
)

const (
	helsinkiTile = "L4133B"
	waitFor      = 5 * time.Second
	pollEvery    = 5 * time.Millisecond
)

var errCorrupt = errors.New("corrupt block")

type recordingSink struct {
	mu        sync.Mutex
	emitted   []entity.Entity
	completed int
	released  int
}

func (s *recordingSink) Emit(e entity.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted = append(s.emitted, e)
}

func (s *recordingSink) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	return nil
}

func (s *recordingSink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

func (s *recordingSink) nodes() []entity.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	var nodes []entity.Node
	for _, e := range s.emitted {
		if n, ok := e.(entity.Node); ok {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// recordingRaster returns its height for every coordinate and remembers what it was asked for.
type recordingRaster struct {
	height float64
	err    error
	fail   atomic.Bool

	mu      sync.Mutex
	sampled []geom.Point
}

func (r *recordingRaster) Sample(x, y float64) (float64, error) {
	if r.fail.Load() {
		return 0, errCorrupt
	}
	r.mu.Lock()
	r.sampled = append(r.sampled, geom.Point{x, y})
	r.mu.Unlock()
	return r.height, r.err
}

func (r *recordingRaster) Close() error { return nil }

// tiles materializes the tiles it knows, the others are not found. A closed gate makes every fetch wait.
type tiles struct {
	dir     string
	known   map[string]bool
	gate    chan struct{}
	rasters chan *recordingRaster
	decoded atomic.Int32
	newTile func() *recordingRaster
}

func (ts *tiles) Materialize(ctx context.Context, id string) (string, error) {
	if ts.gate != nil {
		select {
		case <-ts.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if !ts.known[id] {
		return "", tileindex.ErrNotFound
	}
	return filepath.Join(ts.dir, id+".tif"), nil
}

func (ts *tiles) decode(string) (tilecache.Raster, error) {
	ts.decoded.Add(1)
	r := ts.newTile()
	if ts.rasters != nil {
		ts.rasters <- r
	}
	return r, nil
}

type fixture struct {
	engine  *Engine
	cache   *tilecache.Dispatcher
	sink    *recordingSink
	metrics *metrics.Metrics
	tiles   *tiles
}

func newFixture(t *testing.T, policy Policy, newTile func() *recordingRaster, opts tilecache.Options) *fixture {
	gs, err := gridset.LoadEmbeddedGridSet(gridset.DefaultID)
	require.NoError(t, err)

	ts := &tiles{dir: t.TempDir(), known: map[string]bool{helsinkiTile: true}, newTile: newTile}
	m := metrics.New(nil)
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 2 * time.Second
	}
	opts.Workers = 2
	cache := tilecache.New(context.Background(), opts, ts, ts.decode, m)
	sink := &recordingSink{}
	return &fixture{
		engine:  New(policy, &gs, cache, sink, m),
		cache:   cache,
		sink:    sink,
		metrics: m,
		tiles:   ts,
	}
}

func constantHeight(h float64) func() *recordingRaster {
	return func() *recordingRaster { return &recordingRaster{height: h} }
}

func node(id int64, lat, lon float64, tags ...entity.Tag) entity.Node {
	return entity.Node{Meta: entity.Meta{ID: id, Version: 1, Tags: entity.NewTags(tags...)}, Lat: lat, Lon: lon}
}

func helsinki(id int64, tags ...entity.Tag) entity.Node {
	return node(id, 60.1699, 24.9384, tags...)
}

func (f *fixture) outcome(outcome string) float64 {
	return testutil.ToFloat64(f.metrics.Nodes.WithLabelValues(outcome))
}

func TestEngineEnrichesNode(t *testing.T) {
	var raster *recordingRaster
	f := newFixture(t, NewPolicy(false, nil, ""), func() *recordingRaster {
		raster = &recordingRaster{height: 12.25}
		return raster
	}, tilecache.Options{})
	f.tiles.gate = make(chan struct{})
	defer f.engine.Release()

	f.engine.Handle(helsinki(1, entity.Tag{Key: "name", Value: "Helsinki"}))
	// parked until its tile is fetched
	assert.Empty(t, f.sink.nodes())
	assert.Equal(t, 1, f.cache.Pending())
	assert.True(t, f.cache.IsInFlight(helsinkiTile))

	close(f.tiles.gate)
	require.NoError(t, f.engine.Complete())
	assert.Equal(t, 1, f.sink.completed)

	nodes := f.sink.nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, []entity.Tag{{Key: "name", Value: "Helsinki"}, {Key: "z", Value: "12.25"}}, nodes[0].Tags.All())
	assert.Equal(t, int64(1), nodes[0].ID)
	require.Len(t, raster.sampled, 1)
	assert.InDelta(t, 385611.3167, raster.sampled[0].X(), 0.01)
	assert.InDelta(t, 6672118.3802, raster.sampled[0].Y(), 0.01)
	assert.Equal(t, 1.0, f.outcome(metrics.NodeEnriched))
	assert.Equal(t, 0, f.cache.Pending())
}

func TestEngineUsesCachedTile(t *testing.T) {
	f := newFixture(t, NewPolicy(false, nil, ""), constantHeight(3), tilecache.Options{})
	defer f.engine.Release()

	f.engine.Handle(helsinki(1))
	require.Eventually(t, func() bool {
		_, ok := f.cache.Lookup(helsinkiTile)
		return ok
	}, waitFor, pollEvery)

	// the parked node is drained along with the next one, which is served from the cache
	f.engine.Handle(helsinki(2))
	nodes := f.sink.nodes()
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		v, _ := n.Tags.Get("z")
		assert.Equal(t, "3.0", v)
	}
	assert.Equal(t, int32(1), f.tiles.decoded.Load())

	require.NoError(t, f.engine.Complete())
	assert.Len(t, f.sink.nodes(), 2)
}

func TestEngineTileNotFound(t *testing.T) {
	f := newFixture(t, NewPolicy(false, nil, ""), constantHeight(3), tilecache.Options{})
	defer f.engine.Release()

	// Tampere lies in a sheet the fixture does not have
	tampere := node(7, 61.4978, 23.7610, entity.Tag{Key: "name", Value: "Tampere"})
	f.engine.Handle(tampere)
	require.NoError(t, f.engine.Complete())

	nodes := f.sink.nodes()
	require.Len(t, nodes, 1)
	assert.True(t, tampere.Tags.Equal(nodes[0].Tags))
	assert.Equal(t, 1.0, f.outcome(metrics.NodeNotFound))
	assert.Equal(t, 1, f.sink.completed)
}

func TestEngineKeepsExistingHeight(t *testing.T) {
	tests := []struct {
		name     string
		override bool
		want     []entity.Tag
		outcome  string
	}{
		{
			name:    "without override",
			want:    []entity.Tag{{Key: "ELE", Value: "5"}, {Key: "name", Value: "x"}},
			outcome: metrics.NodeKept,
		},
		{
			name:     "with override",
			override: true,
			want:     []entity.Tag{{Key: "name", Value: "x"}, {Key: "z", Value: "12.5"}},
			outcome:  metrics.NodeEnriched,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, NewPolicy(tt.override, []string{"ele"}, ""), constantHeight(12.5), tilecache.Options{})
			defer f.engine.Release()

			f.engine.Handle(helsinki(1, entity.Tag{Key: "ELE", Value: "5"}, entity.Tag{Key: "name", Value: "x"}))
			require.NoError(t, f.engine.Complete())

			nodes := f.sink.nodes()
			require.Len(t, nodes, 1)
			assert.Equal(t, tt.want, nodes[0].Tags.All())
			assert.Equal(t, 1.0, f.outcome(tt.outcome))
		})
	}
}

func TestEnginePassesNonNodesThrough(t *testing.T) {
	f := newFixture(t, NewPolicy(false, nil, ""), constantHeight(1), tilecache.Options{})
	defer f.engine.Release()

	way := entity.Way{Meta: entity.Meta{ID: 3}, Geometry: geom.LineString{{24.9, 60.1}, {25, 60.2}}}
	bound := entity.Bound{Extent: geom.Extent{24, 60, 26, 61}, Origin: "test"}
	f.engine.Handle(bound)
	f.engine.Handle(way)

	require.Len(t, f.sink.emitted, 2)
	assert.Equal(t, bound, f.sink.emitted[0])
	assert.Equal(t, way, f.sink.emitted[1])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Entities.WithLabelValues("way")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.TilesRequested))
}

func TestEngineUnmappableNodes(t *testing.T) {
	f := newFixture(t, NewPolicy(false, nil, ""), constantHeight(1), tilecache.Options{})
	defer f.engine.Release()

	for _, n := range []entity.Node{
		node(1, 89.9, 25),
		// projects fine but lies west of the sheet grid
		node(2, 60, -10),
	} {
		f.engine.Handle(n)
	}
	// emitted right away, unchanged
	nodes := f.sink.nodes()
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		assert.Equal(t, 0, n.Tags.Len())
	}
	assert.Equal(t, 2.0, f.outcome(metrics.NodeUnmappable))
	assert.Equal(t, 0, f.cache.Pending())
}

func TestEngineNoSample(t *testing.T) {
	for _, sampleErr := range []error{geotiff.ErrNoData, geotiff.ErrOutOfBounds} {
		t.Run(sampleErr.Error(), func(t *testing.T) {
			f := newFixture(t, NewPolicy(false, nil, ""), func() *recordingRaster {
				return &recordingRaster{err: sampleErr}
			}, tilecache.Options{})
			defer f.engine.Release()

			f.engine.Handle(helsinki(1, entity.Tag{Key: "name", Value: "x"}))
			require.NoError(t, f.engine.Complete())

			nodes := f.sink.nodes()
			require.Len(t, nodes, 1)
			assert.Equal(t, []entity.Tag{{Key: "name", Value: "x"}}, nodes[0].Tags.All())
			assert.Equal(t, 1.0, f.outcome(metrics.NodeNoSample))
			// not a reason to fetch the tile again
			assert.Equal(t, int32(1), f.tiles.decoded.Load())
		})
	}
}

func TestEngineRefetchesCorruptTile(t *testing.T) {
	f := newFixture(t, NewPolicy(false, nil, ""), constantHeight(7), tilecache.Options{})
	f.tiles.rasters = make(chan *recordingRaster, 4)
	defer f.engine.Release()

	f.engine.Handle(helsinki(1))
	first := <-f.tiles.rasters
	require.Eventually(t, func() bool {
		_, ok := f.cache.Lookup(helsinkiTile)
		return ok && !f.cache.IsInFlight(helsinkiTile)
	}, waitFor, pollEvery)
	f.engine.Handle(helsinki(2))
	require.Len(t, f.sink.nodes(), 2)

	first.fail.Store(true)
	f.engine.Handle(helsinki(3))
	assert.Len(t, first.sampled, 2)

	require.NoError(t, f.engine.Complete())
	nodes := f.sink.nodes()
	require.Len(t, nodes, 3)
	v, _ := nodes[2].Tags.Get("z")
	assert.Equal(t, "7.0", v)
	assert.Equal(t, int32(2), f.tiles.decoded.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TilesEvicted))
}

func TestEngineForcedShutdown(t *testing.T) {
	f := newFixture(t, NewPolicy(false, nil, ""), constantHeight(1), tilecache.Options{ShutdownTimeout: 50 * time.Millisecond})
	f.tiles.gate = make(chan struct{})

	f.engine.Handle(helsinki(1))
	err := f.engine.Complete()
	require.ErrorIs(t, err, tilecache.ErrForcedShutdown)
	assert.Equal(t, 0, f.sink.completed)
	assert.Empty(t, f.sink.nodes())
	assert.Equal(t, 1, f.cache.Pending())

	f.engine.Release()
	assert.Equal(t, 1, f.sink.released)
	assert.Equal(t, 0, f.sink.completed)
}

func TestEngineReleaseWithoutComplete(t *testing.T) {
	f := newFixture(t, NewPolicy(false, nil, ""), constantHeight(1), tilecache.Options{})
	f.engine.Handle(helsinki(1))
	f.engine.Release()
	assert.Equal(t, 1, f.sink.released)
	assert.Equal(t, 0, f.sink.completed)
	assert.Equal(t, tilecache.StateTerminated, f.cache.State())
}

func TestMergeHeight(t *testing.T) {
	tests := []struct {
		name     string
		policy   Policy
		tags     *entity.Tags
		height   float64
		want     []entity.Tag
		modified bool
	}{
		{
			name:     "no tags",
			policy:   NewPolicy(false, []string{"ele"}, ""),
			height:   1.5,
			want:     []entity.Tag{{Key: "z", Value: "1.5"}},
			modified: true,
		},
		{
			name:     "custom height tag",
			policy:   NewPolicy(false, nil, "height"),
			tags:     entity.NewTags(entity.Tag{Key: "a", Value: "b"}),
			height:   -2,
			want:     []entity.Tag{{Key: "a", Value: "b"}, {Key: "height", Value: "-2.0"}},
			modified: true,
		},
		{
			name:   "existing height kept",
			policy: NewPolicy(false, []string{"ele", "height"}, ""),
			tags:   entity.NewTags(entity.Tag{Key: "Height", Value: "9"}),
			height: 1,
			want:   []entity.Tag{{Key: "Height", Value: "9"}},
		},
		{
			name:     "existing heights replaced",
			policy:   NewPolicy(true, []string{"ele", "height"}, ""),
			tags:     entity.NewTags(entity.Tag{Key: "ele", Value: "9"}, entity.Tag{Key: "a", Value: "b"}, entity.Tag{Key: "HEIGHT", Value: "8"}),
			height:   1,
			want:     []entity.Tag{{Key: "a", Value: "b"}, {Key: "z", Value: "1.0"}},
			modified: true,
		},
		{
			name:     "height tag moves to the end",
			policy:   NewPolicy(false, []string{"ele"}, ""),
			tags:     entity.NewTags(entity.Tag{Key: "z", Value: "old"}, entity.Tag{Key: "a", Value: "b"}),
			height:   4.75,
			want:     []entity.Tag{{Key: "a", Value: "b"}, {Key: "z", Value: "4.75"}},
			modified: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var before []entity.Tag
			if tt.tags != nil {
				before = tt.tags.All()
			}
			got, modified := tt.policy.MergeHeight(tt.tags, tt.height)
			assert.Equal(t, tt.modified, modified)
			assert.Equal(t, tt.want, got.All())
			if tt.tags != nil {
				assert.Equal(t, before, tt.tags.All())
			}
		})
	}
}

func TestFormatHeight(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{in: 12.25, want: "12.25"},
		{in: 12, want: "12.0"},
		{in: 0, want: "0.0"},
		{in: math.Copysign(0, -1), want: "-0.0"},
		{in: -3.5, want: "-3.5"},
		{in: float64(float32(0.1)), want: "0.1"},
		{in: 1324.199951171875, want: "1324.2"},
		{in: 0.001, want: "0.001"},
		{in: 1e-4, want: "1.0E-4"},
		{in: -2.5e-5, want: "-2.5E-5"},
		{in: 9999999, want: "9999999.0"},
		{in: 1e7, want: "1.0E7"},
		{in: 1.5e7, want: "1.5E7"},
		{in: 123456789, want: "1.2345679E8"},
		{in: math.NaN(), want: "NaN"},
		{in: math.Inf(-1), want: "-Infinity"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatHeight(tt.in))
	}
}
