package matsim2sqlite

import (
	"fmt"
	"golang.org/x/sync/errgroup"
	"log/slog"
)

type ReadOpts struct {
	SelectedPlansOnly bool
	// If set, the plans at experiencedPath are reconciled against the full plans file at this path
	FullPlansPath string
	BatchSize     int
}

// ReadPlans parses the experienced plans file and, if opts.FullPlansPath is set, the full plans file of the
// same run, then reconciles the two. Both files are parsed concurrently.
//
// The returned warnings name the rows reconciliation could not complete.
func ReadPlans(experiencedPath string, opts *ReadOpts) (*Plans, []string, error) {
	if experiencedPath == "" {
		panic("Missing experiencedPath")
	}
	if opts == nil {
		opts = &ReadOpts{}
	}
	parseOpts := &ParseOpts{SelectedPlansOnly: opts.SelectedPlansOnly}

	var experienced, full *Plans
	var g errgroup.Group
	g.Go(func() error {
		var err error
		experienced, err = ParseFile(experiencedPath, parseOpts)
		return err
	})
	if opts.FullPlansPath != "" {
		g.Go(func() error {
			var err error
			full, err = ParseFile(opts.FullPlansPath, parseOpts)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if full == nil {
		return experienced, nil, nil
	}

	slog.Info(fmt.Sprintf("Reconciling %s against %s", experiencedPath, opts.FullPlansPath))
	reconciled, warnings, err := Reconcile(experienced, full, &ReconcileOpts{BatchSize: opts.BatchSize})
	if err != nil {
		return nil, nil, fmt.Errorf("reconcile: %w", err)
	}
	return reconciled, warnings, nil
}
