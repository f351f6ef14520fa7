package matsim2sqlite

import (
	"errors"
	"fmt"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"runtime"
)

const DefaultBatchSize = 500

var ErrWorkerFailed = errors.New("reconciliation worker failed")

type ReconcileOpts struct {
	// Number of activities each worker searches coordinates for. Defaults to DefaultBatchSize.
	BatchSize int
}

// Reconcile fills in what an experienced plans file leaves out using the full plans file of the same run.
//
// Plans without any activity get a copy of the activities of the person's first plan in full. Activities
// without coordinates then take the coordinates of the first activity in full with the same facility,
// link, type and end time, whose start time is equal or missing. Activities left without coordinates are
// reported as warnings.
//
// The inputs are not modified. Copied activities get new ids from the experienced id sequence.
func Reconcile(experienced, full *Plans, opts *ReconcileOpts) (*Plans, []string, error) {
	if experienced == nil || full == nil {
		panic("Missing plans")
	}
	if opts == nil {
		opts = &ReconcileOpts{}
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return reconcile(experienced, full, batchSize, searchCoordinates)
}

func reconcile(experienced, full *Plans, batchSize int, search coordSearch) (*Plans, []string, error) {
	out := *experienced
	out.Activities = make([]Activity, len(experienced.Activities))
	copy(out.Activities, experienced.Activities)
	out.syncCounters()

	warnings := backfillPlanActivities(&out, full)

	coordWarnings, err := backfillCoordinates(out.Activities, full.Activities, batchSize, search)
	if err != nil {
		return nil, nil, err
	}
	return &out, append(warnings, coordWarnings...), nil
}

func backfillPlanActivities(out *Plans, full *Plans) []string {
	hasActivities := make(map[int64]bool, len(out.Plans))
	for _, a := range out.Activities {
		hasActivities[a.PlanID] = true
	}

	firstFullPlan := make(map[string]int64)
	for _, plan := range full.Plans {
		if _, ok := firstFullPlan[plan.PersonID]; !ok {
			firstFullPlan[plan.PersonID] = plan.ID
		}
	}
	fullActivities := make(map[int64][]int)
	for i, a := range full.Activities {
		fullActivities[a.PlanID] = append(fullActivities[a.PlanID], i)
	}

	var warnings []string
	var plansFilled, added int
	for _, plan := range out.Plans {
		if hasActivities[plan.ID] {
			continue
		}
		fullPlanID, ok := firstFullPlan[plan.PersonID]
		if !ok || len(fullActivities[fullPlanID]) == 0 {
			warning := fmt.Sprintf("plan %d of person %s has no activities and none were found in the full plans",
				plan.ID, plan.PersonID)
			slog.Warn(warning)
			warnings = append(warnings, warning)
			continue
		}

		for _, i := range fullActivities[fullPlanID] {
			a := full.Activities[i].clone()
			a.ID = out.counters.next(KindActivity)
			a.PlanID = plan.ID
			out.Activities = append(out.Activities, a)
			added++
		}
		plansFilled++
	}

	if plansFilled > 0 {
		slog.Info(fmt.Sprintf("Copied %s activities from the full plans into %s plans without activities",
			humanize.Comma(int64(added)), humanize.Comma(int64(plansFilled))))
	}
	return warnings
}

type coordKey struct {
	facility string
	link     string
	typ      string
	endTime  string
}

type coordCandidate struct {
	startTime string
	x, y      float64
}

// coordIndex lists the activities of the full plans that have coordinates, in document order.
type coordIndex map[coordKey][]coordCandidate

func newCoordIndex(activities []Activity) coordIndex {
	index := make(coordIndex)
	for _, a := range activities {
		if a.X == nil || a.Y == nil {
			continue
		}
		key := activityCoordKey(a)
		index[key] = append(index[key], coordCandidate{startTime: a.StartTime, x: *a.X, y: *a.Y})
	}
	return index
}

func activityCoordKey(a Activity) coordKey {
	return coordKey{facility: a.Facility, link: a.Link, typ: a.Type, endTime: a.EndTime}
}

func (idx coordIndex) lookup(a Activity) (coordCandidate, bool) {
	for _, candidate := range idx[activityCoordKey(a)] {
		if candidate.startTime == "" || candidate.startTime == a.StartTime {
			return candidate, true
		}
	}
	return coordCandidate{}, false
}

type coordUpdate struct {
	index int
	x, y  float64
}

type batchResult struct {
	updates    []coordUpdate
	unresolved []int
}

// coordSearch resolves the activities at batch. activities and index are shared between workers and must
// only be read.
type coordSearch func(activities []Activity, index coordIndex, batch []int) (batchResult, error)

func searchCoordinates(activities []Activity, index coordIndex, batch []int) (batchResult, error) {
	var res batchResult
	for _, i := range batch {
		if i < 0 || i >= len(activities) {
			return batchResult{}, fmt.Errorf("activity index %d out of range", i)
		}
		match, ok := index.lookup(activities[i])
		if !ok {
			res.unresolved = append(res.unresolved, i)
			continue
		}
		res.updates = append(res.updates, coordUpdate{index: i, x: match.x, y: match.y})
	}
	return res, nil
}

// backfillCoordinates scatters the activities without coordinates over a worker pool in batches and merges
// the results back by row index. Batches own disjoint indices, so merge order does not matter.
func backfillCoordinates(activities, full []Activity, batchSize int, search coordSearch) ([]string, error) {
	var missing []int
	for i, a := range activities {
		if a.X == nil {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	var batches [][]int
	for start := 0; start < len(missing); start += batchSize {
		end := min(start+batchSize, len(missing))
		batches = append(batches, missing[start:end:end])
	}

	index := newCoordIndex(full)
	results := make([]batchResult, len(batches))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, batch := range batches {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("batch %d: panic: %v", i, r)
				}
			}()
			res, err := search(activities, index, batch)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkerFailed, err)
	}

	var warnings []string
	resolved := 0
	for _, res := range results {
		for _, u := range res.updates {
			x, y := u.x, u.y
			activities[u.index].X = &x
			activities[u.index].Y = &y
			resolved++
		}
		for _, i := range res.unresolved {
			a := activities[i]
			warning := fmt.Sprintf("no coordinates found for activity %d of plan %d (type %s, facility %s, link %s, end_time %s)",
				a.ID, a.PlanID, a.Type, a.Facility, a.Link, a.EndTime)
			slog.Warn(warning)
			warnings = append(warnings, warning)
		}
	}

	slog.Info(fmt.Sprintf("Backfilled coordinates for %s of %s activities in %d batches",
		humanize.Comma(int64(resolved)), humanize.Comma(int64(len(missing))), len(batches)))
	return warnings, nil
}

// syncCounters makes sure the id counters are past every id already in the tables.
func (p *Plans) syncCounters() {
	for _, plan := range p.Plans {
		p.counters.plan = max(p.counters.plan, plan.ID)
	}
	for _, a := range p.Activities {
		p.counters.activity = max(p.counters.activity, a.ID)
	}
	for _, leg := range p.Legs {
		p.counters.leg = max(p.counters.leg, leg.ID)
	}
	for _, route := range p.Routes {
		p.counters.route = max(p.counters.route, route.ID)
	}
}
