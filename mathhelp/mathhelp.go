package mathhelp

import (
	"math"

	"golang.org/x/exp/constraints"
)

func BetweenInc[T constraints.Ordered](f, p, q T) bool {
	if p <= q {
		return p <= f && f <= q
	}
	return q <= f && f <= p
}

// FloorDiv returns the index of the cell of the given size that contains v,
// counting from origin. Values left of the origin give negative indices.
func FloorDiv(v, origin, size float64) int {
	return int(math.Floor((v - origin) / size))
}

func IsFinite(fs ...float64) bool {
	for _, f := range fs {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
