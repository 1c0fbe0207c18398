package tilecache

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Shutdown stops accepting fetches and waits for the scheduled ones to finish, calling tick
// right away and then every poll interval so resolved nodes keep flowing. When the fetches do
// not finish within the shutdown timeout, or the context of the dispatcher is cancelled, they
// are interrupted and ErrForcedShutdown is returned. Calling Shutdown again returns the first result.
func (d *Dispatcher) Shutdown(tick func()) error {
	d.shutdownOnce.Do(func() {
		d.shutdownErr = d.shutdown(tick)
	})
	return d.shutdownErr
}

func (d *Dispatcher) shutdown(tick func()) error {
	d.submitMu.Lock()
	d.state.Store(int32(StateDraining))
	d.submitMu.Unlock()
	log.Printf("waiting for tile fetches to finish, %d nodes pending", d.Pending())

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(d.opts.ShutdownTimeout)
	defer deadline.Stop()

	for {
		if tick != nil {
			tick()
		}
		select {
		case <-done:
			d.state.Store(int32(StateTerminated))
			d.logFailures()
			return nil
		case <-ticker.C:
			if n := d.Pending(); n > 0 {
				log.Printf("still waiting for tile fetches, %d nodes pending", n)
			}
		case <-deadline.C:
			return d.interrupt(done, fmt.Sprintf("did not finish within %s", d.opts.ShutdownTimeout))
		case <-d.ctx.Done():
			return d.interrupt(done, fmt.Sprintf("were cancelled (%v)", context.Cause(d.ctx)))
		}
	}
}

func (d *Dispatcher) interrupt(done <-chan struct{}, reason string) error {
	d.forced.Store(true)
	d.cancel()
	select {
	case <-done:
	case <-time.After(d.opts.PollInterval):
		log.Printf("tile fetches did not stop after being interrupted")
	}
	d.state.Store(int32(StateTerminated))
	d.logFailures()
	log.Printf("FATAL: tile fetches %s, %d pending nodes are lost", reason, d.Pending())
	return fmt.Errorf("%w: tile fetches %s", ErrForcedShutdown, reason)
}

func (d *Dispatcher) logFailures() {
	for _, f := range d.Failures() {
		log.Printf("tile %s could not be fetched in %d fetch cycles", f.ID, f.Cycles)
	}
}
