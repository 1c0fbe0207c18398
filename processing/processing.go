// Package processing takes care of the logistics around reading from a Source and writing to a Target.
// Not the processing operation(s) itself.
package processing

import (
	"log"
	"sync"

	"github.com/pdok/hoogte/entity"
)

// channelSink hands emitted entities to the goroutine writing the Target.
type channelSink struct {
	out       chan<- entity.Entity
	closeOnce sync.Once
	count     uint64
	kinds     map[entity.Kind]uint64
}

func newChannelSink(out chan<- entity.Entity) *channelSink {
	return &channelSink{out: out, kinds: make(map[entity.Kind]uint64)}
}

func (s *channelSink) Emit(e entity.Entity) {
	s.out <- e
	s.count++
	s.kinds[e.Kind()]++
}

func (s *channelSink) Complete() error {
	s.close()
	return nil
}

// Release closes the channel when Complete was never reached, so the Target still finishes.
func (s *channelSink) Release() {
	s.close()
}

func (s *channelSink) close() {
	s.closeOnce.Do(func() {
		close(s.out)
	})
}

// readEntitiesFromSource reads the entities from the given Source, which closes the channel when done
func readEntitiesFromSource(source Source, entities chan<- entity.Entity) {
	source.ReadEntities(entities)
}

// processEntities feeds every entity to the stage and completes it when the source is exhausted
func processEntities(entitiesIn <-chan entity.Entity, stage Stage) error {
	var count uint64
	for {
		e, hasMore := <-entitiesIn
		if !hasMore {
			break
		}
		count++
		stage.Handle(e)
	}
	err := stage.Complete()
	stage.Release()

	log.Printf("    total entities read: %d", count)
	return err
}

// writeEntitiesToTarget passes the emitted entities on to the Target
func writeEntitiesToTarget(entitiesOut <-chan entity.Entity, target Target) {
	target.WriteEntities(entitiesOut)
}

// Run reads the source, lets the stage created by newStage handle every entity on the calling goroutine
// and writes what the stage emits to the target. It returns once the target wrote everything,
// with the error of the stage's Complete.
func Run(source Source, target Target, newStage func(Sink) Stage) error {
	entitiesBefore := make(chan entity.Entity)
	entitiesAfter := make(chan entity.Entity)
	sink := newChannelSink(entitiesAfter)
	stage := newStage(sink)

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		writeEntitiesToTarget(entitiesAfter, target)
	}()
	go readEntitiesFromSource(source, entitiesBefore)

	err := processEntities(entitiesBefore, stage)
	wg.Wait()

	log.Printf("    total entities written: %d", sink.count)
	for _, k := range []entity.Kind{entity.KindBound, entity.KindNode, entity.KindWay, entity.KindRelation} {
		if n := sink.kinds[k]; n > 0 {
			log.Printf("      %ss: %d", k, n)
		}
	}
	return err
}
