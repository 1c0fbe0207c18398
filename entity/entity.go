// Package entity holds the stream elements flowing through the pipeline.
// Only nodes carry a single coordinate and are eligible for a height tag,
// every other kind passes the enrichment stage untouched.
package entity

import (
	"fmt"
	"time"

	"github.com/go-spatial/geom"

	"github.com/pdok/hoogte/geomhelp"
)

type Kind int

const (
	KindBound Kind = iota
	KindNode
	KindWay
	KindRelation
)

func (k Kind) String() string {
	switch k {
	case KindBound:
		return "bound"
	case KindNode:
		return "node"
	case KindWay:
		return "way"
	case KindRelation:
		return "relation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Entity interface {
	Kind() Kind
}

// Meta is shared by every kind but Bound.
type Meta struct {
	ID        int64
	Version   int
	Timestamp time.Time
	Author    string
	Tags      *Tags
}

// Node is a single WGS84 coordinate with metadata. Treat it as immutable:
// WithTags hands out a copy.
type Node struct {
	Meta
	Lat float64
	Lon float64
}

func (n Node) Kind() Kind {
	return KindNode
}

// Point returns the coordinate as x = longitude, y = latitude.
func (n Node) Point() geom.Point {
	return geomhelp.LonLat(n.Lat, n.Lon)
}

func (n Node) WithTags(tags *Tags) Node {
	n.Tags = tags
	return n
}

func (n Node) String() string {
	return fmt.Sprintf("node %d v%d (%v, %v)", n.ID, n.Version, n.Lat, n.Lon)
}

// Way is a linear or areal feature.
type Way struct {
	Meta
	Geometry geom.Geometry
}

func (w Way) Kind() Kind {
	return KindWay
}

// Relation groups geometries, e.g. multi polygons and collections.
type Relation struct {
	Meta
	Geometry geom.Geometry
}

func (r Relation) Kind() Kind {
	return KindRelation
}

// Bound describes the extent of the data set it precedes.
type Bound struct {
	Extent geom.Extent
	Origin string
}

func (b Bound) Kind() Kind {
	return KindBound
}

// MetaOf returns the metadata of an entity, false for a Bound.
func MetaOf(e Entity) (Meta, bool) {
	switch v := e.(type) {
	case Node:
		return v.Meta, true
	case Way:
		return v.Meta, true
	case Relation:
		return v.Meta, true
	default:
		return Meta{}, false
	}
}

// GeometryOf returns the geometry of an entity, nil for a Bound.
func GeometryOf(e Entity) geom.Geometry {
	switch v := e.(type) {
	case Node:
		return v.Point()
	case Way:
		return v.Geometry
	case Relation:
		return v.Geometry
	default:
		return nil
	}
}
