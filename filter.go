package matsim2sqlite

// PlanFilter decides at plan-open time whether a plan and everything nested under it is kept.
type PlanFilter struct {
	SelectedOnly bool
}

func (f PlanFilter) Keep(selected string) bool {
	return !(f.SelectedOnly && selected == "no")
}
