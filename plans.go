package matsim2sqlite

// Plans holds the five tables produced from a plans file.
//
// Text cells use "" for null. X and Y on an Activity are nil when the source omitted the coordinate.
type Plans struct {
	Persons    []Person
	Plans      []Plan
	Activities []Activity
	Legs       []Leg
	Routes     []Route

	// Attributes of the population element
	Attrs map[string]string

	// Counter state of the store the tables came from, so appended rows continue the id sequence
	counters idCounters
}

type Person struct {
	ID    string
	Attrs map[string]string
}

type Plan struct {
	ID       int64
	PersonID string
	Selected string
	Attrs    map[string]string
}

type Activity struct {
	ID        int64
	PlanID    int64
	Type      string
	Facility  string
	Link      string
	StartTime string
	EndTime   string
	X         *float64
	Y         *float64
	Attrs     map[string]string
}

type Leg struct {
	ID     int64
	PlanID int64
	Mode   string
	Attrs  map[string]string
}

type Route struct {
	ID    int64
	LegID int64
	Value string
	Attrs map[string]string
}

type Kind int

const (
	KindPerson Kind = iota
	KindPlan
	KindActivity
	KindLeg
	KindRoute
)

func (k Kind) String() string {
	switch k {
	case KindPerson:
		return "person"
	case KindPlan:
		return "plan"
	case KindActivity:
		return "activity"
	case KindLeg:
		return "leg"
	case KindRoute:
		return "route"
	default:
		return "unknown"
	}
}

func (k Kind) table() string {
	return plansTables[k]
}

// setAttr records a source attribute on a row's extra columns. Later writes win.
func setAttr(attrs *map[string]string, name, value string) {
	if *attrs == nil {
		*attrs = make(map[string]string)
	}
	(*attrs)[name] = value
}

func (a Activity) clone() Activity {
	out := a
	if a.X != nil {
		x := *a.X
		out.X = &x
	}
	if a.Y != nil {
		y := *a.Y
		out.Y = &y
	}
	if a.Attrs != nil {
		out.Attrs = make(map[string]string, len(a.Attrs))
		for k, v := range a.Attrs {
			out.Attrs[k] = v
		}
	}
	return out
}
