package matsim2sqlite

import (
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"errors"
	"fmt"
	"github.com/dustin/go-humanize"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
)

type ImportOpts struct {
	ReadOpts
	ForceValid    bool
	IgnoreInvalid bool
}

var importPragmas = map[string]string{
	"synchronous": "OFF",
}

// Import reads a plans file (and the full plans file if opts.FullPlansPath is set) into a new SQLite
// database with one table per entity.
//
// The returned issues are the reconciliation warnings followed by any validation issues.
func Import(inputPath string, outputPath string, opts *ImportOpts) ([]string, error) {
	if inputPath == "" {
		panic("Missing inputPath")
	}
	if outputPath == "" {
		panic("Missing outputPath")
	}

	if opts == nil {
		opts = &ImportOpts{}
	}

	slog.Info(fmt.Sprintf("Importing %s to %s", inputPath, outputPath))

	plans, warnings, err := ReadPlans(inputPath, &opts.ReadOpts)
	if err != nil {
		return nil, err
	}

	err = os.Remove(outputPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	db, err := sqlite.OpenConn(outputPath, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	for pragma, value := range importPragmas {
		err = sqlitex.Exec(db, "PRAGMA "+pragma+" = "+value, sqlitexNoop)
		if err != nil {
			return nil, err
		}
	}

	if err := writePlans(db, plans); err != nil {
		return nil, err
	}

	var validationLogLevel slog.Level
	if opts.ForceValid || opts.IgnoreInvalid {
		validationLogLevel = slog.LevelWarn
	} else {
		validationLogLevel = slog.LevelError
	}

	validationErrors, err := validate(db, validateOpts{
		force:    opts.ForceValid,
		ignore:   opts.IgnoreInvalid,
		logLevel: validationLogLevel,
	})
	issues := append(warnings, validationErrors...)
	if err != nil {
		return issues, err
	}

	err = db.Close()
	db = nil
	if err != nil {
		return nil, err
	}

	slog.Info(fmt.Sprintf("Wrote %s", outputPath))
	return issues, nil
}

func writePlans(db *sqlite.Conn, plans *Plans) (err error) {
	defer sqlitex.Save(db)(&err)

	for _, table := range importTables {
		schema := plansSchema[table]
		attrColumns := collectAttrColumns(plans, table)

		if err := createTable(db, table, schema, attrColumns); err != nil {
			return err
		}
		if err := importTable(db, plans, table, schema, attrColumns); err != nil {
			return err
		}
	}
	return nil
}

func createTable(db *sqlite.Conn, table string, schema tableSchema, attrColumns attrColumns) error {
	var columnFragments []string
	for _, column := range schema.Columns {
		columnFragments = append(columnFragments, column.Name+" "+column.SQLType)
	}
	query := fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(columnFragments, ", "))
	if err := sqlitex.ExecTransient(db, query, sqlitexNoop); err != nil {
		return err
	}

	for _, column := range attrColumns.names {
		query := fmt.Sprintf("ALTER TABLE %s ADD %s TEXT", table, quoteIdent(column))
		if err := sqlitex.ExecTransient(db, query, sqlitexNoop); err != nil {
			return err
		}
	}
	if len(attrColumns.names) > 0 {
		slog.Info(fmt.Sprintf("Added attribute columns to %s: %s", table, strings.Join(attrColumns.names, ",")))
	}
	return nil
}

func importTable(db *sqlite.Conn, plans *Plans, table string, schema tableSchema, attrColumns attrColumns) error {
	var columns []string
	for _, column := range schema.Columns {
		columns = append(columns, column.Name)
	}
	for _, column := range attrColumns.names {
		columns = append(columns, quoteIdent(column))
	}

	var argFragments []string
	for i := range columns {
		argFragments = append(argFragments, fmt.Sprintf("?%d", i+1))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(argFragments, ", "))
	insertStmt, err := db.Prepare(query)
	if err != nil {
		return err
	}

	rowCount := 0
	err = eachRecord(plans, table, func(rec record) error {
		if err := insertStmt.Reset(); err != nil {
			return err
		}
		if err := insertStmt.ClearBindings(); err != nil {
			return err
		}

		for i, v := range rec.values {
			bindText(insertStmt, i+1, v)
		}
		for i, v := range attrColumns.row(rec.attrs) {
			bindText(insertStmt, len(rec.values)+i+1, v)
		}

		for {
			rowReturned, err := insertStmt.Step()
			if err != nil {
				return err
			}
			if !rowReturned {
				break
			}
		}

		rowCount++
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}

	slog.Info(fmt.Sprintf("Wrote %s rows to %s", humanize.Comma(int64(rowCount)), table))
	return nil
}

func bindText(stmt *sqlite.Stmt, param int, v string) {
	if v == "" {
		stmt.BindNull(param)
	} else {
		stmt.BindText(param, v)
	}
}

// record is a row as text cells, values in schema column order. "" is NULL.
type record struct {
	values []string
	attrs  map[string]string
}

func eachRecord(plans *Plans, table string, fn func(rec record) error) error {
	switch table {
	case "persons":
		for _, row := range plans.Persons {
			if err := fn(record{values: []string{row.ID}, attrs: row.Attrs}); err != nil {
				return err
			}
		}
	case "plans":
		for _, row := range plans.Plans {
			values := []string{formatID(row.ID), row.PersonID, row.Selected}
			if err := fn(record{values: values, attrs: row.Attrs}); err != nil {
				return err
			}
		}
	case "activities":
		for _, row := range plans.Activities {
			values := []string{
				formatID(row.ID), formatID(row.PlanID),
				row.Type, row.Facility, row.Link, row.StartTime, row.EndTime,
				formatCoord(row.X), formatCoord(row.Y),
			}
			if err := fn(record{values: values, attrs: row.Attrs}); err != nil {
				return err
			}
		}
	case "legs":
		for _, row := range plans.Legs {
			values := []string{formatID(row.ID), formatID(row.PlanID), row.Mode}
			if err := fn(record{values: values, attrs: row.Attrs}); err != nil {
				return err
			}
		}
	case "routes":
		for _, row := range plans.Routes {
			values := []string{formatID(row.ID), formatID(row.LegID), row.Value}
			if err := fn(record{values: values, attrs: row.Attrs}); err != nil {
				return err
			}
		}
	case populationAttributesTable:
		names := make([]string, 0, len(plans.Attrs))
		for name := range plans.Attrs {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			if err := fn(record{values: []string{name, plans.Attrs[name]}}); err != nil {
				return err
			}
		}
	default:
		panic("Unknown table " + table)
	}
	return nil
}

// attrColumns are the extra columns of a table, one per attribute name. Names that differ only in case
// share a column, since SQLite does not tell them apart.
type attrColumns struct {
	names []string
	// Source attribute name to index in names
	index map[string]int
}

// collectAttrColumns returns the union of attribute names over the rows of table, sorted by column name.
func collectAttrColumns(plans *Plans, table string) attrColumns {
	seen := make(map[string]struct{})
	_ = eachRecord(plans, table, func(rec record) error {
		for name := range rec.attrs {
			seen[name] = struct{}{}
		}
		return nil
	})

	sources := make([]string, 0, len(seen))
	for name := range seen {
		sources = append(sources, name)
	}
	slices.SortFunc(sources, func(a, b string) int {
		return strings.Compare(attrColumnName(table, a), attrColumnName(table, b))
	})

	columns := attrColumns{index: make(map[string]int, len(sources))}
	byFoldedName := make(map[string]int)
	for _, source := range sources {
		column := attrColumnName(table, source)
		folded := strings.ToLower(column)
		i, ok := byFoldedName[folded]
		if !ok {
			i = len(columns.names)
			byFoldedName[folded] = i
			columns.names = append(columns.names, column)
		}
		columns.index[source] = i
	}
	return columns
}

// row lays out attrs in column order. When a row carries several spellings of one column the first in
// sorted order wins.
func (c attrColumns) row(attrs map[string]string) []string {
	values := make([]string, len(c.names))
	if len(attrs) == 0 {
		return values
	}
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		i := c.index[name]
		if values[i] == "" {
			values[i] = attrs[name]
		}
	}
	return values
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func formatCoord(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqlitexNoop(*sqlite.Stmt) error {
	return nil
}
