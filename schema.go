package matsim2sqlite

import "strings"

// NOTE: Columns for generic attributes are not part of the schema, Import adds them as TEXT columns after
// the known ones in sorted order.

type tableSchema struct {
	PrimaryKey string
	Columns    []columnSchema
}

type columnSchema struct {
	Name            string
	SQLType         string
	TypeDescription string
	Required        bool
	ForeignID       *foreignIDSchema
}

type foreignIDSchema struct {
	Table  string
	Column string
}

// Table order is parent first
var plansTables = []string{"persons", "plans", "activities", "legs", "routes"}

const populationAttributesTable = "population_attributes"

// Tables written by Import and Export, the plans tables and the attributes of the population element
var importTables = []string{"persons", "plans", "activities", "legs", "routes", populationAttributesTable}

var plansSchema = map[string]tableSchema{
	"persons": {
		PrimaryKey: "id",
		Columns: []columnSchema{
			{Name: "id", SQLType: "TEXT", TypeDescription: "Person ID from the source file", Required: true},
		},
	},

	"plans": {
		PrimaryKey: "id",
		Columns: []columnSchema{
			{Name: "id", SQLType: "INTEGER", TypeDescription: "Surrogate ID", Required: true},
			{
				Name:            "person_id",
				SQLType:         "TEXT",
				TypeDescription: "Foreign ID referencing persons.id",
				Required:        true,
				ForeignID:       &foreignIDSchema{Table: "persons", Column: "id"},
			},
			{Name: "selected", SQLType: "TEXT", TypeDescription: "yes or no"},
		},
	},

	"activities": {
		PrimaryKey: "id",
		Columns: []columnSchema{
			{Name: "id", SQLType: "INTEGER", TypeDescription: "Surrogate ID", Required: true},
			{
				Name:            "plan_id",
				SQLType:         "INTEGER",
				TypeDescription: "Foreign ID referencing plans.id",
				Required:        true,
				ForeignID:       &foreignIDSchema{Table: "plans", Column: "id"},
			},
			{Name: "type", SQLType: "TEXT", TypeDescription: "Activity type"},
			{Name: "facility", SQLType: "TEXT", TypeDescription: "Facility ID"},
			{Name: "link", SQLType: "TEXT", TypeDescription: "Link ID"},
			{Name: "start_time", SQLType: "TEXT", TypeDescription: "Time"},
			{Name: "end_time", SQLType: "TEXT", TypeDescription: "Time"},
			{Name: "x", SQLType: "TEXT", TypeDescription: "Coordinate"},
			{Name: "y", SQLType: "TEXT", TypeDescription: "Coordinate"},
		},
	},

	"legs": {
		PrimaryKey: "id",
		Columns: []columnSchema{
			{Name: "id", SQLType: "INTEGER", TypeDescription: "Surrogate ID", Required: true},
			{
				Name:            "plan_id",
				SQLType:         "INTEGER",
				TypeDescription: "Foreign ID referencing plans.id",
				Required:        true,
				ForeignID:       &foreignIDSchema{Table: "plans", Column: "id"},
			},
			{Name: "mode", SQLType: "TEXT", TypeDescription: "Transport mode"},
		},
	},

	populationAttributesTable: {
		PrimaryKey: "name",
		Columns: []columnSchema{
			{Name: "name", SQLType: "TEXT", TypeDescription: "Attribute name", Required: true},
			{Name: "value", SQLType: "TEXT", TypeDescription: "Attribute value"},
		},
	},

	"routes": {
		PrimaryKey: "id",
		Columns: []columnSchema{
			{Name: "id", SQLType: "INTEGER", TypeDescription: "Surrogate ID", Required: true},
			{
				Name:            "leg_id",
				SQLType:         "INTEGER",
				TypeDescription: "Foreign ID referencing legs.id",
				Required:        true,
				ForeignID:       &foreignIDSchema{Table: "legs", Column: "id"},
			},
			{Name: "value", SQLType: "TEXT", TypeDescription: "Route description"},
		},
	},
}

// attrColumnName returns the column a source attribute is stored in. SQLite column names are case
// insensitive, so a name equal to any column of the table in any case is kept with a "source_" prefix.
func attrColumnName(table, name string) string {
	for _, column := range plansSchema[table].Columns {
		if strings.EqualFold(column.Name, name) {
			return "source_" + name
		}
	}
	return name
}
