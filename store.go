package matsim2sqlite

import "fmt"

type idCounters struct {
	plan     int64
	activity int64
	leg      int64
	route    int64
}

// Store accumulates finished rows for one parse. It is not safe for concurrent use.
type Store struct {
	persons    []Person
	plans      []Plan
	activities []Activity
	legs       []Leg
	routes     []Route
	attrs      map[string]string
	counters   idCounters
}

func NewStore() *Store {
	return &Store{}
}

// NextID allocates the next surrogate id of kind. Persons are keyed by their source id and have no counter.
func (s *Store) NextID(kind Kind) int64 {
	return s.counters.next(kind)
}

func (c *idCounters) next(kind Kind) int64 {
	switch kind {
	case KindPlan:
		c.plan++
		return c.plan
	case KindActivity:
		c.activity++
		return c.activity
	case KindLeg:
		c.leg++
		return c.leg
	case KindRoute:
		c.route++
		return c.route
	default:
		panic(fmt.Sprintf("no id counter for %s", kind))
	}
}

func (s *Store) AppendPerson(row Person)     { s.persons = append(s.persons, row) }
func (s *Store) AppendPlan(row Plan)         { s.plans = append(s.plans, row) }
func (s *Store) AppendActivity(row Activity) { s.activities = append(s.activities, row) }
func (s *Store) AppendLeg(row Leg)           { s.legs = append(s.legs, row) }
func (s *Store) AppendRoute(row Route)       { s.routes = append(s.routes, row) }

// Plans returns the finished tables. The store must not be used afterwards.
func (s *Store) Plans() *Plans {
	return &Plans{
		Persons:    s.persons,
		Plans:      s.plans,
		Activities: s.activities,
		Legs:       s.legs,
		Routes:     s.routes,
		Attrs:      s.attrs,
		counters:   s.counters,
	}
}
