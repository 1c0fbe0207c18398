// Package gridset implements projected map sheet grids: a transverse Mercator projection
// of WGS84 coordinates plus a hierarchical sheet division that names the raster tile
// covering a projected coordinate.
package gridset

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"
	"github.com/perimeterx/marshmallow"

	"github.com/pdok/hoogte/mathhelp"
)

const DefaultID = "ETRS-TM35FIN"

var (
	//go:embed gridsets/*.json
	embeddedGridSetsJSONFS embed.FS
	embeddedGridSetsCache  = make(map[string]*GridSet)
	embeddedGridSetsMu     sync.Mutex
)

var (
	ErrUnmappable   = errors.New("coordinate cannot be projected")
	ErrOutsideGrid  = errors.New("coordinate is outside the sheet grid")
	ErrUnknownScale = errors.New("unknown sheet scale")
	ErrBadSheetID   = errors.New("malformed sheet id")
)

// LoadJSONGridSet reads a grid set definition from a file on disk.
func LoadJSONGridSet(path string) (GridSet, error) {
	var gs GridSet
	gsJSON, err := os.ReadFile(path)
	if err != nil {
		return gs, err
	}
	err = json.Unmarshal(gsJSON, &gs)
	if err != nil {
		return gs, fmt.Errorf("grid set %s: %w", path, err)
	}
	return gs, nil
}

func LoadEmbeddedGridSet(id string) (GridSet, error) {
	embeddedGridSetsMu.Lock()
	defer embeddedGridSetsMu.Unlock()

	var gs GridSet
	cached, ok := embeddedGridSetsCache[id]
	if ok {
		return *cached, nil
	}
	gsJSON, err := embeddedGridSetsJSONFS.ReadFile("gridsets/" + id + ".json")
	if err != nil {
		return gs, err
	}
	err = json.Unmarshal(gsJSON, &gs)
	if err != nil {
		return gs, err
	}
	embeddedGridSetsCache[id] = &gs
	return gs, nil
}

// Load returns the grid set at path, or the embedded default when path is empty.
func Load(path string) (GridSet, error) {
	if path == "" {
		return LoadEmbeddedGridSet(DefaultID)
	}
	return LoadJSONGridSet(path)
}

// GridSet is a map sheet division on top of a transverse Mercator projection.
type GridSet struct {
	// Grid set identifier
	ID string `validate:"required" json:"id"`
	// Title of this grid set, normally used for display to a human
	Title string `json:"title,omitempty"`
	// Brief narrative description of this grid set
	Description string `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	// Projected coordinate reference system of the sheets
	CRS        CRS                `validate:"required" json:"-"`
	Ellipsoid  Ellipsoid          `validate:"required" json:"ellipsoid"`
	Projection TransverseMercator `validate:"required" json:"projection"`
	Sheets     SheetGrid          `validate:"required" json:"sheets"`

	tm *krueger
}

type Ellipsoid struct {
	Name              string  `json:"name,omitempty"`
	SemiMajorAxis     float64 `validate:"required,gt=0" json:"semiMajorAxis"`
	InverseFlattening float64 `validate:"required,gt=1" json:"inverseFlattening"`
}

type TransverseMercator struct {
	CentralMeridian float64 `validate:"gte=-180,lte=180" json:"centralMeridian"`
	ScaleFactor     float64 `default:"0.9996" validate:"gt=0" json:"scaleFactor"`
	FalseEasting    float64 `default:"500000" json:"falseEasting"`
	FalseNorthing   float64 `json:"falseNorthing"`
	// Latitudes beyond this limit (degrees, both hemispheres) are rejected
	LatitudeLimit float64 `default:"84" validate:"gt=0,lte=90" json:"latitudeLimit"`
}

// SheetGrid divides the projected plane in base sheets, labelled by a row letter and a column number,
// which are subdivided level by level.
type SheetGrid struct {
	// Lower left corner of the first base sheet
	Origin      TwoDPoint `validate:"required" json:"origin"`
	Width       float64   `validate:"required,gt=0" json:"width"`
	Height      float64   `validate:"required,gt=0" json:"height"`
	FirstColumn int       `validate:"min=0" json:"firstColumn"`
	Columns     int       `validate:"required,min=1" json:"columns"`
	RowLabels   string    `validate:"required" json:"rowLabels"`
	BaseScale   uint      `validate:"required" json:"baseScale"`
	// Scale of the sheets that raster tiles are published in
	TileScale uint    `validate:"required" json:"tileScale"`
	Levels    []Level `validate:"dive" json:"levels"`
}

// Level splits every sheet of the previous level in Columns x Rows sheets.
// Labels are assigned column by column, each column from the bottom up.
type Level struct {
	Scale   uint   `validate:"required" json:"scale"`
	Columns int    `validate:"required,min=1" json:"columns"`
	Rows    int    `validate:"required,min=1" json:"rows"`
	Labels  string `validate:"required" json:"labels"`
}

type TwoDPoint [2]float64

func (p TwoDPoint) XY() [2]float64 {
	return p
}

func (gs *GridSet) UnmarshalJSON(data []byte) error {
	err := defaults.Set(gs)
	if err != nil {
		return err
	}

	specials, err := marshmallow.Unmarshal(data, gs, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	rawCrs, ok := specials["crs"]
	if !ok {
		return fmt.Errorf(`missing key "crs"`)
	}
	gs.CRS, err = unmarshalCRS(rawCrs)
	if err != nil {
		return err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err = validate.Struct(gs); err != nil {
		return err
	}
	if err = gs.Sheets.check(); err != nil {
		return err
	}
	gs.tm = newKrueger(gs.Ellipsoid, gs.Projection)
	return nil
}

func (sg SheetGrid) check() error {
	if len(sg.RowLabels) != len([]rune(sg.RowLabels)) {
		return fmt.Errorf("row labels must be single byte characters: %q", sg.RowLabels)
	}
	scales := map[uint]struct{}{sg.BaseScale: {}}
	for i, l := range sg.Levels {
		if len(l.Labels) != l.Columns*l.Rows {
			return fmt.Errorf("level %d (1:%d) needs %d labels, got %q", i, l.Scale, l.Columns*l.Rows, l.Labels)
		}
		scales[l.Scale] = struct{}{}
	}
	if _, ok := scales[sg.TileScale]; !ok {
		return fmt.Errorf("%w: tile scale 1:%d is not one of the levels", ErrUnknownScale, sg.TileScale)
	}
	return nil
}

// SRID returns the numeric authority code of the grid's CRS.
func (gs *GridSet) SRID() uint {
	code, err := strconv.ParseUint(gs.CRS.AuthorityCode, 10, 64)
	if err != nil {
		panic(fmt.Errorf(`could not parse crs authority code "%w"`, err))
	}
	return uint(code)
}

// Project maps a WGS84 latitude/longitude (degrees) into the grid's projected CRS.
func (gs *GridSet) Project(lat, lon float64) (geom.Point, error) {
	if !mathhelp.IsFinite(lat, lon) {
		return geom.Point{}, fmt.Errorf("%w: lat=%v, lon=%v", ErrUnmappable, lat, lon)
	}
	limit := gs.Projection.LatitudeLimit
	if !mathhelp.BetweenInc(lat, -limit, limit) || !mathhelp.BetweenInc(lon, -180, 180) {
		return geom.Point{}, fmt.Errorf("%w: lat=%v, lon=%v outside the projection's domain", ErrUnmappable, lat, lon)
	}
	x, y := gs.tm.forward(lat, lon)
	if !mathhelp.IsFinite(x, y) {
		return geom.Point{}, fmt.Errorf("%w: lat=%v, lon=%v", ErrUnmappable, lat, lon)
	}
	return geom.Point{x, y}, nil
}

// TileID returns the id of the sheet at the grid's tile scale containing pt.
func (gs *GridSet) TileID(pt geom.Point) (string, error) {
	return gs.SheetID(pt, gs.Sheets.TileScale)
}

// SheetID names the sheet of the given scale that contains pt.
// Sheets include their lower and left edges.
func (gs *GridSet) SheetID(pt geom.Point, scale uint) (string, error) {
	depth, err := gs.depth(scale)
	if err != nil {
		return "", err
	}
	sg := gs.Sheets
	col := mathhelp.FloorDiv(pt.X(), sg.Origin[0], sg.Width)
	row := mathhelp.FloorDiv(pt.Y(), sg.Origin[1], sg.Height)
	if col < 0 || col >= sg.Columns || row < 0 || row >= len(sg.RowLabels) {
		return "", fmt.Errorf("%w: (%v, %v)", ErrOutsideGrid, pt.X(), pt.Y())
	}

	var id strings.Builder
	id.WriteByte(sg.RowLabels[row])
	id.WriteString(strconv.Itoa(sg.FirstColumn + col))

	minX := sg.Origin[0] + float64(col)*sg.Width
	minY := sg.Origin[1] + float64(row)*sg.Height
	w, h := sg.Width, sg.Height
	for _, l := range sg.Levels[:depth] {
		w /= float64(l.Columns)
		h /= float64(l.Rows)
		c := clamp(mathhelp.FloorDiv(pt.X(), minX, w), l.Columns-1)
		r := clamp(mathhelp.FloorDiv(pt.Y(), minY, h), l.Rows-1)
		id.WriteByte(l.Labels[c*l.Rows+r])
		minX += float64(c) * w
		minY += float64(r) * h
	}
	return id.String(), nil
}

// SheetExtent is the inverse of SheetID: it returns the extent and scale of a sheet id.
func (gs *GridSet) SheetExtent(id string) (geom.Extent, uint, error) {
	sg := gs.Sheets
	if id == "" {
		return geom.Extent{}, 0, ErrBadSheetID
	}
	row := strings.IndexByte(sg.RowLabels, id[0])
	if row < 0 {
		return geom.Extent{}, 0, fmt.Errorf("%w: unknown row %q in %q", ErrBadSheetID, id[0], id)
	}
	colDigits := len(strconv.Itoa(sg.FirstColumn + sg.Columns - 1))
	if len(id) < 1+colDigits {
		return geom.Extent{}, 0, fmt.Errorf("%w: %q", ErrBadSheetID, id)
	}
	colNumber, err := strconv.Atoi(id[1 : 1+colDigits])
	col := colNumber - sg.FirstColumn
	if err != nil || col < 0 || col >= sg.Columns {
		return geom.Extent{}, 0, fmt.Errorf("%w: unknown column in %q", ErrBadSheetID, id)
	}
	rest := id[1+colDigits:]
	if len(rest) > len(sg.Levels) {
		return geom.Extent{}, 0, fmt.Errorf("%w: too many levels in %q", ErrBadSheetID, id)
	}

	minX := sg.Origin[0] + float64(col)*sg.Width
	minY := sg.Origin[1] + float64(row)*sg.Height
	w, h := sg.Width, sg.Height
	scale := sg.BaseScale
	for i := 0; i < len(rest); i++ {
		l := sg.Levels[i]
		idx := strings.IndexByte(l.Labels, rest[i])
		if idx < 0 {
			return geom.Extent{}, 0, fmt.Errorf("%w: unknown label %q in %q", ErrBadSheetID, rest[i], id)
		}
		w /= float64(l.Columns)
		h /= float64(l.Rows)
		minX += float64(idx/l.Rows) * w
		minY += float64(idx%l.Rows) * h
		scale = l.Scale
	}
	return geom.Extent{minX, minY, minX + w, minY + h}, scale, nil
}

func (gs *GridSet) depth(scale uint) (int, error) {
	if scale == gs.Sheets.BaseScale {
		return 0, nil
	}
	for i, l := range gs.Sheets.Levels {
		if l.Scale == scale {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: 1:%d in grid set %s", ErrUnknownScale, scale, gs.ID)
}

// clamp guards against floating point noise on the upper sheet edges.
func clamp(i, maxI int) int {
	if i < 0 {
		return 0
	}
	if i > maxI {
		return maxI
	}
	return i
}

// CRS references a coordinate reference system by URI or URN.
type CRS struct {
	Description   string
	URI           string `validate:"required"`
	AuthorityName string `validate:"required"`
	AuthorityCode string `validate:"required"`
}

var (
	crsURIRegexURL = regexp.MustCompile("https?://.+/def/crs/(?P<authority>[^/]+)/[^/]+/(?P<code>[^/]+)$")
	crsURIRegexURN = regexp.MustCompile("^urn:ogc:def:crs:(?P<authority>[^:]+)::(?P<code>[^:]+)$")
)

func unmarshalCRS(rawCrs interface{}) (CRS, error) {
	var crs CRS
	var dataMap map[string]interface{}
	switch v := rawCrs.(type) {
	case string:
		dataMap = map[string]interface{}{"uri": v}
	case map[string]interface{}:
		dataMap = v
	default:
		return crs, fmt.Errorf(`wrong type key "crs": %T`, rawCrs)
	}

	rawDescription, ok := dataMap["description"]
	if ok {
		crs.Description, ok = rawDescription.(string)
		if !ok {
			return crs, fmt.Errorf(`description property is not a string but a %T`, rawDescription)
		}
	}
	rawURI, ok := dataMap["uri"]
	if !ok {
		return crs, fmt.Errorf(`uri property not found`)
	}
	crs.URI, ok = rawURI.(string)
	if !ok {
		return crs, fmt.Errorf(`uri property is not a string but a %T`, rawURI)
	}

	uriParts := crsURIRegexURL.FindStringSubmatch(crs.URI)
	if uriParts == nil {
		uriParts = crsURIRegexURN.FindStringSubmatch(crs.URI)
	}
	if uriParts == nil {
		return crs, fmt.Errorf(`could not parse crs uri "%v"`, crs.URI)
	}
	crs.AuthorityName = uriParts[1]
	crs.AuthorityCode = uriParts[2]
	return crs, nil
}
