package document

import (
	"errors"
	"strings"
)

// ErrPartition is returned by PartitionReport.Err for an invalid plan.
var ErrPartition = errors.New("plan does not partition the facts")

// PartitionReport lists how a plan deviates from a multiplicity-one
// partition of the planning universe.
type PartitionReport struct {
	Missing    []string
	Duplicates []string
	Unknown    []string
}

// OK reports whether the plan is a valid partition.
func (r PartitionReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Duplicates) == 0 && len(r.Unknown) == 0
}

// Err returns nil for a valid partition, otherwise ErrPartition wrapped with
// the report message.
func (r PartitionReport) Err() error {
	if r.OK() {
		return nil
	}
	return &partitionError{msg: r.Message()}
}

type partitionError struct{ msg string }

func (e *partitionError) Error() string        { return e.msg }
func (e *partitionError) Is(target error) bool { return target == ErrPartition }

// Message renders the corrective text returned to the planner.
func (r PartitionReport) Message() string {
	if r.OK() {
		return ""
	}
	var parts []string
	if len(r.Missing) > 0 {
		parts = append(parts, "Validation Error: The following facts are missing from the document plan and were not assigned to any section:\n\n"+
			quoteList(r.Missing)+"\n\nPlease add them to sections.")
	}
	if len(r.Duplicates) > 0 {
		parts = append(parts, "Validation Error: The following facts appear multiple times in the document plan:\n\n"+
			quoteList(r.Duplicates)+"\n\nPlease ensure that each fact is assigned to only one section, remove the duplicates.")
	}
	if len(r.Unknown) > 0 {
		parts = append(parts, "Validation Error: The following entries do not match any listed fact:\n\n"+
			quoteList(r.Unknown)+"\n\nUse only the listed fact IDs.")
	}
	return strings.Join(parts, "\n\n") +
		"\n\nPlease revise the document plan to ensure all facts are assigned exactly once. Do not change correctly assigned facts.\n" +
		"Output a new complete document plan in JSON format."
}

// ValidatePartition checks that the plan's fact lists, concatenated, contain
// every universe statement exactly once and nothing else. Report slices keep
// universe order for missing facts and first-seen order otherwise.
func ValidatePartition(plan Plan, universe []string) PartitionReport {
	expected := make(map[string]bool, len(universe))
	for _, f := range universe {
		expected[f] = true
	}

	counts := map[string]int{}
	var order []string
	for _, s := range plan.Sections {
		for _, f := range s.Facts {
			if counts[f] == 0 {
				order = append(order, f)
			}
			counts[f]++
		}
	}

	var r PartitionReport
	for _, f := range universe {
		if counts[f] == 0 {
			r.Missing = append(r.Missing, f)
		}
	}
	for _, f := range order {
		if !expected[f] {
			r.Unknown = append(r.Unknown, f)
			continue
		}
		if counts[f] > 1 {
			r.Duplicates = append(r.Duplicates, f)
		}
	}
	return r
}
