package matsim2sqlite

import (
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"fmt"
	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"
	"log/slog"
	"strconv"
)

// Clip writes a copy of a database created by Import that only keeps the persons with at least one activity
// inside clipFeature, a GeoJSON geometry in the coordinate system of the plans.
func Clip(inputPath string, outputPath string, clipFeature string) error {
	// Plan coordinates are projected, so the lon/lat range checks of RequireValid do not apply
	feature, err := geojson.Parse(clipFeature, nil)
	if err != nil {
		return fmt.Errorf("parse clip feature: %w", err)
	}

	slog.Info(fmt.Sprintf("Writing a clipped copy of %s to %s (clipFeature has %d points)",
		inputPath, outputPath, feature.NumPoints()))

	inputDB, err := sqlite.OpenConn(inputPath, sqlite.SQLITE_OPEN_READONLY)
	if err != nil {
		return err
	}
	defer func() {
		if inputDB != nil {
			_ = inputDB.Close()
		}
	}()

	db, err := inputDB.BackupToDB("", outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	err = inputDB.Close()
	inputDB = nil
	if err != nil {
		return err
	}
	slog.Info("Copied input db")

	personsInside := make(map[string]struct{})
	var personOrder []string
	activityCount := 0
	query := `SELECT plans.person_id AS person_id, activities.id AS activity_id, activities.x AS x, activities.y AS y
		FROM activities JOIN plans ON activities.plan_id = plans.id
		WHERE activities.x IS NOT NULL AND activities.y IS NOT NULL`
	err = sqlitex.Exec(db, query, func(stmt *sqlite.Stmt) error {
		activityCount++
		personID := stmt.GetText("person_id")
		if _, ok := personsInside[personID]; ok {
			return nil
		}

		x, err := strconv.ParseFloat(stmt.GetText("x"), 64)
		if err != nil {
			slog.Error("Failed to parse x", "activity_id", stmt.GetInt64("activity_id"))
			return nil
		}
		y, err := strconv.ParseFloat(stmt.GetText("y"), 64)
		if err != nil {
			slog.Error("Failed to parse y", "activity_id", stmt.GetInt64("activity_id"))
			return nil
		}
		point := geojson.NewPoint(geometry.Point{X: x, Y: y})

		if feature.Contains(point) {
			personsInside[personID] = struct{}{}
			personOrder = append(personOrder, personID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%d persons have an activity inside (%d activities checked)", len(personsInside), activityCount))

	if err := sqlitex.ExecTransient(db, "CREATE TABLE __matsim2sqlite_persons_inside (person_id TEXT)", sqlitexNoop); err != nil {
		return err
	}
	for _, personID := range personOrder {
		err := sqlitex.Exec(db, "INSERT INTO __matsim2sqlite_persons_inside (person_id) VALUES (?)", sqlitexNoop, personID)
		if err != nil {
			return err
		}
	}

	script := `
DELETE FROM persons WHERE id NOT IN (SELECT person_id FROM __matsim2sqlite_persons_inside);

DELETE FROM plans WHERE person_id NOT IN (SELECT id FROM persons);

DELETE FROM activities WHERE plan_id NOT IN (SELECT id FROM plans);

DELETE FROM legs WHERE plan_id NOT IN (SELECT id FROM plans);

DELETE FROM routes WHERE leg_id NOT IN (SELECT id FROM legs);

DROP TABLE __matsim2sqlite_persons_inside;
`
	if err := sqlitex.ExecScript(db, script); err != nil {
		return err
	}
	if _, err = validate(db, validateOpts{logLevel: slog.LevelError}); err != nil {
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
