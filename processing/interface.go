package processing

import (
	"github.com/pdok/hoogte/entity"
)

type Source interface {
	ReadEntities(chan<- entity.Entity)
}

type Target interface {
	WriteEntities(<-chan entity.Entity)
}

// Sink receives what a Stage produces.
type Sink interface {
	Emit(entity.Entity)
	// Complete signals that nothing will be emitted anymore.
	Complete() error
	Release()
}

// Stage handles the entities of a Source one at a time, on a single goroutine.
type Stage interface {
	Handle(entity.Entity)
	Complete() error
	Release()
}
