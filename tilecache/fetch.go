package tilecache

import (
	"errors"
	"log"
	"os"
	"time"

	"github.com/pdok/hoogte/metrics"
	"github.com/pdok/hoogte/tileindex"
)

// fetch runs one fetch cycle for tile id. It owns the in-flight claim taken by RequestTile.
func (d *Dispatcher) fetch(id string) {
	defer d.wg.Done()
	retry := false
	defer func() {
		d.release(id, retry)
	}()

	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		log.Printf("fetch of tile %s abandoned: %v", id, err)
		return
	}
	defer d.sem.Release(1)

	if _, ok := d.ready.Load(id); ok {
		return
	}

	start := time.Now()
	defer func() {
		d.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	}()

	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		if err := d.ctx.Err(); err != nil {
			log.Printf("fetch of tile %s interrupted: %v", id, err)
			return
		}
		path, err := d.materializer.Materialize(d.ctx, id)
		if errors.Is(err, tileindex.ErrNotFound) {
			d.metrics.FetchAttempts.WithLabelValues(metrics.FetchNotFound).Inc()
			d.markNotFound(id)
			log.Printf("tile %s is not available", id)
			return
		}
		if err != nil {
			d.metrics.FetchAttempts.WithLabelValues(metrics.FetchDownloadErr).Inc()
			log.Printf("fetching tile %s failed (attempt %d of %d): %v", id, attempt, d.opts.MaxAttempts, err)
			continue
		}

		r, err := d.decode(path)
		if err != nil {
			d.metrics.FetchAttempts.WithLabelValues(metrics.FetchDecodeErr).Inc()
			log.Printf("decoding tile %s failed (attempt %d of %d): %v", id, attempt, d.opts.MaxAttempts, err)
			// the next attempt downloads it again
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Printf("could not remove %s: %v", path, rmErr)
			}
			continue
		}

		d.metrics.FetchAttempts.WithLabelValues(metrics.FetchOK).Inc()
		d.ready.Store(id, r)
		d.metrics.TilesReady.Inc()
		return
	}

	d.metrics.TilesExhausted.Inc()
	cycles := d.recordFailure(id)
	if d.opts.MaxFailedCycles > 0 && cycles >= d.opts.MaxFailedCycles {
		log.Printf("giving up on tile %s after %d failed fetch cycles", id, cycles)
		d.markNotFound(id)
		return
	}
	log.Printf("fetching tile %s failed %d times, it will be fetched again when requested", id, d.opts.MaxAttempts)
	retry = true
}

func (d *Dispatcher) markNotFound(id string) {
	d.notFound.Store(id, struct{}{})
	d.metrics.TilesNotFound.Inc()
}
