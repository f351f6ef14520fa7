package matsim2sqlite

import (
	"archive/zip"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"slices"
)

type ExportOpts struct{}

// Export writes the tables of a database created by Import to a zip file with one CSV file per table.
func Export(inputPath string, outputPath string, opts *ExportOpts) error {
	if inputPath == "" {
		panic("Missing inputPath")
	}
	if outputPath == "" {
		panic("Missing outputPath")
	}

	slog.Info(fmt.Sprintf("Exporting %s to %s", inputPath, outputPath))

	db, err := sqlite.OpenConn(inputPath, sqlite.SQLITE_OPEN_READONLY)
	if err != nil {
		return err
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	outputF, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	outputZip := zip.NewWriter(outputF)
	defer func() {
		_ = outputZip.Close()
		_ = outputF.Close()
	}()

	var tables []string
	err = sqlitex.Exec(db, "SELECT name FROM sqlite_master WHERE type = 'table'", func(stmt *sqlite.Stmt) error {
		tables = append(tables, stmt.GetText("name"))
		return nil
	})
	if err != nil {
		return err
	}

	for _, table := range importTables {
		if !slices.Contains(tables, table) {
			return fmt.Errorf("%s is missing table %s", inputPath, table)
		}
		if err := exportTableIn(db, outputZip, table); err != nil {
			return err
		}
	}

	if err := outputZip.Close(); err != nil {
		return err
	}
	if err := outputF.Close(); err != nil {
		return err
	}

	err = db.Close()
	db = nil
	if err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("Wrote %s", outputPath))
	return nil
}

func exportTableIn(db *sqlite.Conn, outputZip *zip.Writer, table string) error {
	outputName := table + ".txt"
	outputF, err := outputZip.Create(outputName)
	if err != nil {
		return err
	}
	outputCSV := csv.NewWriter(outputF)
	defer func() {
		outputCSV.Flush()
	}()

	var cols []string
	err = sqlitex.Exec(db, "SELECT name FROM pragma_table_info(?)", func(stmt *sqlite.Stmt) error {
		cols = append(cols, stmt.GetText("name"))
		return nil
	}, table)
	if err != nil {
		return err
	}
	if err := outputCSV.Write(cols); err != nil {
		return err
	}

	rowCount := 0
	err = sqlitex.Exec(db, "SELECT * FROM "+table+" ORDER BY rowid", func(stmt *sqlite.Stmt) error {
		row := make([]string, len(cols))
		for i := range cols {
			row[i] = stmt.ColumnText(i)
		}
		if err := outputCSV.Write(row); err != nil {
			return err
		}
		rowCount++
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("Wrote %d rows to %s", rowCount, outputName))

	outputCSV.Flush()
	return outputCSV.Error()
}
