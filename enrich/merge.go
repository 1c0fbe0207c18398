package enrich

import (
	"math"
	"strconv"
	"strings"

	"github.com/pdok/hoogte/entity"
	"github.com/pdok/hoogte/mapslicehelp"
)

const DefaultHeightTag = "z"

// Policy decides how a sampled height ends up in the tags of a node.
type Policy struct {
	// replace existing height tags
	Override bool
	// keys, matched case-insensitively, that already hold a height
	HeightTags []string
	// key the sampled height is written to
	HeightTag string

	heightKeys map[string]any
}

func NewPolicy(override bool, heightTags []string, heightTag string) Policy {
	if heightTag == "" {
		heightTag = DefaultHeightTag
	}
	return Policy{
		Override:   override,
		HeightTags: heightTags,
		HeightTag:  heightTag,
		heightKeys: mapslicehelp.AsLowerKeys(heightTags),
	}
}

// MergeHeight returns the tags to emit for a node with the given tags and sampled height, and whether
// the height was written. Without a height tag the height is always added. With one, the existing
// height tags are replaced when overriding and left alone otherwise.
// The given tags are never modified.
func (p Policy) MergeHeight(tags *entity.Tags, height float64) (*entity.Tags, bool) {
	if tags.HasFold(p.heightKeys) && !p.Override {
		return tags, false
	}
	out := tags.Clone()
	out.DeleteFold(p.heightKeys)
	// appended, also when the key was already present
	out.Delete(p.HeightTag)
	out.Set(p.HeightTag, FormatHeight(height))
	return out, true
}

// FormatHeight formats a sampled height with single precision, the precision of the elevation model,
// in the notation JVM based tools write floats: "12.0", "0.25", "1.5E7".
func FormatHeight(height float64) string {
	f := float32(height)
	abs := float32(math.Abs(float64(f)))
	switch {
	case math.IsNaN(float64(f)):
		return "NaN"
	case math.IsInf(float64(f), 0):
		if f > 0 {
			return "Infinity"
		}
		return "-Infinity"
	case abs == 0 || (abs >= 1e-3 && abs < 1e7):
		return withFraction(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	mantissa, exp, _ := strings.Cut(strconv.FormatFloat(float64(f), 'E', -1, 32), "E")
	n, _ := strconv.Atoi(exp)
	return withFraction(mantissa) + "E" + strconv.Itoa(n)
}

func withFraction(s string) string {
	if strings.Contains(s, ".") {
		return s
	}
	return s + ".0"
}
