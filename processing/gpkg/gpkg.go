package gpkg

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"

	"github.com/pdok/hoogte/entity"
)

const (
	columnVersion   = "version"
	columnTimestamp = "timestamp"
)

// columns holding the author of a feature
var authorColumns = map[string]any{"author": nil, "user": nil}

type column struct {
	cid       int
	name      string
	ctype     string
	notnull   int
	dfltValue *string
	pk        int
}

type Table struct {
	Name    string
	columns []column
	gcolumn string
	gtype   gpkg.GeometryType
	srs     gpkg.SpatialReferenceSystem
}

// SRID returns the id of the spatial reference system of the geometry column.
func (t Table) SRID() int {
	return t.srs.ID
}

// WithColumn returns t with an extra column, unless a column with that name, in any case, already exists.
func (t Table) WithColumn(name, ctype string) Table {
	for _, c := range t.columns {
		if strings.EqualFold(c.name, name) {
			return t
		}
	}
	columns := make([]column, len(t.columns), len(t.columns)+1)
	copy(columns, t.columns)
	t.columns = append(columns, column{cid: len(columns), name: name, ctype: ctype})
	return t
}

func (t Table) pkColumn() string {
	for _, c := range t.columns {
		if c.pk == 1 {
			return c.name
		}
	}
	return ""
}

// geometryTypeFromString returns the numeric value of a gometry string
func geometryTypeFromString(geometrytype string) gpkg.GeometryType {
	switch strings.ToUpper(geometrytype) {
	case "GEOMETRY":
		return gpkg.Geometry
	case "POINT":
		return gpkg.Point
	case "LINESTRING":
		return gpkg.Linestring
	case "POLYGON":
		return gpkg.Polygon
	case "MULTIPOINT":
		return gpkg.MultiPoint
	case "MULTILINESTRING":
		return gpkg.MultiLinestring
	case "MULTIPOLYGON":
		return gpkg.MultiPolygon
	case "GEOMETRYCOLLECTION":
		return gpkg.GeometryCollection
	default:
		return gpkg.Geometry
	}
}

// SourceGeopackage reads the features of Table as entities. Points become nodes with their
// X as longitude and Y as latitude, so the table is expected to be in WGS84.
type SourceGeopackage struct {
	Table  Table
	handle *gpkg.Handle
}

func (source *SourceGeopackage) Init(file string) {
	source.handle = openGeopackage(file)
}

func (source SourceGeopackage) Close() {
	source.handle.Close()
}

// ReadEntities emits the extent of the table as a Bound, followed by an entity per feature.
func (source SourceGeopackage) ReadEntities(out chan<- entity.Entity) {
	defer close(out)
	if bound, ok := source.bound(); ok {
		out <- bound
	}

	rows, err := source.handle.Query(source.Table.selectSQL())
	if err != nil {
		log.Fatalf("err during closing rows: %s", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		log.Fatalf("error reading the columns: %s", err)
	}
	pk := source.Table.pkColumn()

	for rows.Next() {
		vals := make([]interface{}, len(cols))
		valPtrs := make([]interface{}, len(cols))
		for i := 0; i < len(cols); i++ {
			valPtrs[i] = &vals[i]
		}

		if err = rows.Scan(valPtrs...); err != nil {
			log.Fatalf("err reading row values: %v", err)
		}
		var meta entity.Meta
		var geometry geom.Geometry
		var tags []entity.Tag

		for i, colName := range cols {
			if vals[i] == nil {
				continue
			}
			switch {
			case colName == source.Table.gcolumn:
				raw, ok := vals[i].([]byte)
				if !ok {
					log.Fatalf("unexpected type for geometry column %s: %T", colName, vals[i])
				}
				wkbgeom, err := gpkg.DecodeGeometry(raw)
				if err != nil {
					log.Fatalf("error decoding the geometry: %s", err)
				}
				geometry = wkbgeom.Geometry
			case colName == pk:
				v, ok := vals[i].(int64)
				if !ok {
					log.Fatalf("unexpected type for primary key %s: %T", colName, vals[i])
				}
				meta.ID = v
			case strings.EqualFold(colName, columnVersion):
				v, err := strconv.Atoi(valueToString(colName, vals[i]))
				if err != nil {
					log.Fatalf("error reading the version of feature %d: %s", meta.ID, err)
				}
				meta.Version = v
			case strings.EqualFold(colName, columnTimestamp):
				meta.Timestamp = valueToTime(colName, vals[i])
			case isAuthorColumn(colName):
				meta.Author = valueToString(colName, vals[i])
			default:
				tags = append(tags, entity.Tag{Key: colName, Value: valueToString(colName, vals[i])})
			}
		}
		meta.Tags = entity.NewTags(tags...)
		out <- toEntity(meta, geometry)
	}
	err = rows.Err()
	if err != nil {
		log.Fatal(err)
	}
}

func (source SourceGeopackage) bound() (entity.Bound, bool) {
	query := `SELECT min_x, min_y, max_x, max_y FROM gpkg_contents WHERE table_name = ?;`
	var minX, minY, maxX, maxY *float64
	if err := source.handle.QueryRow(query, source.Table.Name).Scan(&minX, &minY, &maxX, &maxY); err != nil {
		log.Printf("no extent for table %s: %s", source.Table.Name, err)
		return entity.Bound{}, false
	}
	if minX == nil || minY == nil || maxX == nil || maxY == nil {
		return entity.Bound{}, false
	}
	return entity.Bound{Extent: geom.Extent{*minX, *minY, *maxX, *maxY}, Origin: source.Table.Name}, true
}

func toEntity(meta entity.Meta, geometry geom.Geometry) entity.Entity {
	switch g := geometry.(type) {
	case geom.Point:
		return entity.Node{Meta: meta, Lat: g.Y(), Lon: g.X()}
	case *geom.Point:
		return entity.Node{Meta: meta, Lat: g.Y(), Lon: g.X()}
	case geom.LineString, *geom.LineString, geom.Polygon, *geom.Polygon:
		return entity.Way{Meta: meta, Geometry: geometry}
	default:
		return entity.Relation{Meta: meta, Geometry: geometry}
	}
}

func isAuthorColumn(name string) bool {
	_, ok := authorColumns[strings.ToLower(name)]
	return ok
}

func valueToString(colName string, val interface{}) string {
	switch v := val.(type) {
	case []uint8:
		return string(v)
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		log.Fatalf("unexpected type for sqlite column data: %v: %T", colName, v)
		return ""
	}
}

func valueToTime(colName string, val interface{}) time.Time {
	if t, ok := val.(time.Time); ok {
		return t
	}
	t, err := time.Parse(time.RFC3339, valueToString(colName, val))
	if err != nil {
		log.Printf("ignoring unparsable %s: %s", colName, err)
		return time.Time{}
	}
	return t
}

func (source SourceGeopackage) GetTableInfo() []Table {
	query := `SELECT table_name, column_name, geometry_type_name, srs_id FROM gpkg_geometry_columns;`
	rows, err := source.handle.Query(query)
	if err != nil {
		log.Fatalf("error during closing rows: %v - %v", query, err)
	}
	defer rows.Close()
	var tables []Table

	for rows.Next() {
		var t Table
		var gtype string
		var srsID int
		err := rows.Scan(&t.Name, &t.gcolumn, &gtype, &srsID)
		if err != nil {
			log.Fatalf("error ready the source table information: %s", err)
		}

		t.columns = getTableColumns(source.handle, t.Name)
		t.gtype = geometryTypeFromString(gtype)
		t.srs = getSpatialReferenceSystem(source.handle, srsID)

		tables = append(tables, t)
	}
	return tables
}

// TargetGeopackage writes entities as features of Table, pagesize features per transaction.
// Tags are written to the column with the same name, other tags are dropped. Bounds are not written.
type TargetGeopackage struct {
	Table    Table
	pagesize int
	handle   *gpkg.Handle
	// features written
	Written int
}

func (target *TargetGeopackage) Init(file string, pagesize int) {
	target.pagesize = pagesize
	target.handle = openGeopackage(file)
}

func (target *TargetGeopackage) Close() {
	target.handle.Close()
}

func (target *TargetGeopackage) CreateTables(tables []Table) error {
	for _, table := range tables {
		err := target.handle.UpdateSRS(table.srs)
		if err != nil {
			return err
		}

		err = buildTable(target.handle, table)
		if err != nil {
			return err
		}
	}
	return nil
}

func (target *TargetGeopackage) WriteEntities(in <-chan entity.Entity) {
	var page []entity.Entity
	var ext *geom.Extent

	for {
		e, hasMore := <-in
		if !hasMore {
			ext = target.writeEntities(page, ext)
			break
		}
		if e.Kind() == entity.KindBound {
			continue
		}
		page = append(page, e)
		if len(page)%target.pagesize == 0 {
			ext = target.writeEntities(page, ext)
			page = nil
		}
	}

	if ext == nil {
		return
	}
	err := target.handle.UpdateGeometryExtent(target.Table.Name, ext)
	if err != nil {
		log.Fatalln("Failed to update new extent:", err)
	}
}

// writeEntities writes one page in a transaction and returns ext grown with the written geometries.
func (target *TargetGeopackage) writeEntities(page []entity.Entity, ext *geom.Extent) *geom.Extent {
	if len(page) == 0 {
		return ext
	}
	tx, err := target.handle.Begin()
	if err != nil {
		log.Fatalf("Could not start a transaction: %s", err)
	}

	stmt, err := tx.Prepare(target.Table.insertSQL())
	if err != nil {
		log.Fatalf("Could not prepare a statement: %s", err)
	}

	for _, e := range page {
		geometry := entity.GeometryOf(e)
		sb, err := gpkg.NewBinary(int32(target.Table.srs.ID), geometry)
		if err != nil {
			log.Fatalf("Could not create a binary geometry: %s", err)
		}

		data := target.Table.values(e)
		data = append(data, sb)

		_, err = stmt.Exec(data...)
		if err != nil {
			meta, _ := entity.MetaOf(e)
			log.Fatalf("Could not get a result summary from the prepared statement for fid %d: %s", meta.ID, err)
		}
		target.Written++

		if ext == nil {
			ext, err = geom.NewExtentFromGeometry(geometry)
			if err != nil {
				ext = nil
				log.Println("Failed to create new extent:", err)
				continue
			}
		} else if err = ext.AddGeometry(geometry); err != nil {
			log.Println("Failed to extend extent:", err)
		}
	}
	stmt.Close()
	if err = tx.Commit(); err != nil {
		log.Fatalf("Could not commit a transaction: %s", err)
	}
	return ext
}

// values returns the column values of e in the order of insertSQL, without the geometry.
func (t Table) values(e entity.Entity) []interface{} {
	meta, _ := entity.MetaOf(e)
	pk := t.pkColumn()
	var data []interface{}
	for _, c := range t.columns {
		if c.name == t.gcolumn {
			continue
		}
		switch {
		case c.name == pk:
			data = append(data, meta.ID)
		case strings.EqualFold(c.name, columnVersion):
			data = append(data, meta.Version)
		case strings.EqualFold(c.name, columnTimestamp):
			if meta.Timestamp.IsZero() {
				data = append(data, nil)
			} else {
				data = append(data, meta.Timestamp.UTC().Format(time.RFC3339))
			}
		case isAuthorColumn(c.name):
			if meta.Author == "" {
				data = append(data, nil)
			} else {
				data = append(data, meta.Author)
			}
		default:
			if v, ok := meta.Tags.Get(c.name); ok {
				data = append(data, v)
			} else {
				data = append(data, nil)
			}
		}
	}
	return data
}

func openGeopackage(file string) *gpkg.Handle {
	handle, err := gpkg.Open(file)
	if err != nil {
		log.Fatalf("error opening GeoPackage: %s", err)
	}
	return handle
}

// createSQL creates a CREATE statement on the given table and column information
// used for creating feature tables in the target Geopackage
func (t Table) createSQL() string {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%v"`, t.Name)
	var columnparts []string
	for _, column := range t.columns {
		columnpart := `"` + column.name + `" ` + column.ctype
		if column.notnull == 1 {
			columnpart = columnpart + ` NOT NULL`
		}
		if column.pk == 1 {
			columnpart = columnpart + ` PRIMARY KEY`
		}

		columnparts = append(columnparts, columnpart)
	}

	query := create + `(` + strings.Join(columnparts, `, `) + `);`
	return query
}

// selectSQL build a SELECT statement based on the table and columns
// used for reading the source features
func (t Table) selectSQL() string {
	var csql []string
	for _, c := range t.columns {
		csql = append(csql, `"`+c.name+`"`)
	}
	query := `SELECT ` + strings.Join(csql, `,`) + ` FROM "` + t.Name + `";`
	return query
}

// insertSQL used for writing the features
// build the INSERT statement based on the table and columns
func (t Table) insertSQL() string {
	var csql, vsql []string
	for _, c := range t.columns {
		if c.name != t.gcolumn {
			csql = append(csql, `"`+c.name+`"`)
			vsql = append(vsql, `?`)
		}
	}
	csql = append(csql, `"`+t.gcolumn+`"`)
	vsql = append(vsql, `?`)
	query := `INSERT INTO "` + t.Name + `"(` + strings.Join(csql, `,`) + `) VALUES(` + strings.Join(vsql, `,`) + `)`
	return query
}

// getSpatialReferenceSystem extracts this based on the given SRS id
func getSpatialReferenceSystem(h *gpkg.Handle, id int) gpkg.SpatialReferenceSystem {
	var srs gpkg.SpatialReferenceSystem
	query := `SELECT srs_name, srs_id, organization, organization_coordsys_id, definition, description FROM gpkg_spatial_ref_sys WHERE srs_id = ?;`

	row := h.QueryRow(query, id)
	var description *string
	if err := row.Scan(&srs.Name, &srs.ID, &srs.Organization, &srs.OrganizationCoordsysID, &srs.Definition, &description); err != nil {
		log.Fatalf("error reading spatial reference system %d: %s", id, err)
	}
	if description != nil {
		srs.Description = *description
	}

	return srs
}

// getTableColumns collects the column information of a given table
func getTableColumns(h *gpkg.Handle, table string) []column {
	var columns []column
	query := `PRAGMA table_info('%v');`
	rows, err := h.Query(fmt.Sprintf(query, table))

	if err != nil {
		log.Fatalf("err during closing rows: %v - %v", query, err)
	}
	defer rows.Close()

	for rows.Next() {
		var column column
		err := rows.Scan(&column.cid, &column.name, &column.ctype, &column.notnull, &column.dfltValue, &column.pk)
		if err != nil {
			log.Fatalf("error getting the column information: %s", err)
		}
		columns = append(columns, column)
	}
	return columns
}

// buildTable creates a given destination table with the necessary gpkg_ information
func buildTable(h *gpkg.Handle, t Table) error {
	query := t.createSQL()
	_, err := h.Exec(query)
	if err != nil {
		return fmt.Errorf("error building table in target GeoPackage: %w", err)
	}

	err = h.AddGeometryTable(gpkg.TableDescription{
		Name:          t.Name,
		ShortName:     t.Name,
		Description:   t.Name,
		GeometryField: t.gcolumn,
		GeometryType:  t.gtype,
		SRS:           int32(t.srs.ID),
		//
		Z: gpkg.Prohibited,
		M: gpkg.Prohibited,
	})
	if err != nil {
		log.Println("error adding geometry table in target GeoPackage:", err)
		return err
	}
	return nil
}
