package core

// Delta describes the pid-wise difference between two committed sequences.
// Applying a delta to its base sequence reproduces the target sequence.
type Delta struct {
	Added   []Process `json:"added"`
	Updated []Process `json:"updated"`
	Removed []int32   `json:"removed"`
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Diff computes the delta from old to new. Added and Updated preserve the
// order of the new sequence; Removed preserves the order of the old one.
// A row counts as updated only when the structural comparator sees a change.
func Diff(old, new []Process) Delta {
	d := Delta{
		Added:   []Process{},
		Updated: []Process{},
		Removed: []int32{},
	}

	prev := make(map[int32]Process, len(old))
	for _, p := range old {
		prev[p.PID] = p
	}

	seen := make(map[int32]bool, len(new))
	for _, p := range new {
		seen[p.PID] = true
		before, ok := prev[p.PID]
		if !ok {
			d.Added = append(d.Added, p)
			continue
		}
		if !before.Equal(p) {
			d.Updated = append(d.Updated, p)
		}
	}

	for _, p := range old {
		if !seen[p.PID] {
			d.Removed = append(d.Removed, p.PID)
		}
	}

	return d
}

// Apply replays a delta onto a base sequence and returns the result. The
// output order follows the base for surviving rows, with additions appended;
// it is the pid-wise inverse of Diff, used to verify the round-trip law.
func (d Delta) Apply(base []Process) []Process {
	removed := make(map[int32]bool, len(d.Removed))
	for _, pid := range d.Removed {
		removed[pid] = true
	}
	updated := make(map[int32]Process, len(d.Updated))
	for _, p := range d.Updated {
		updated[p.PID] = p
	}

	out := make([]Process, 0, len(base)+len(d.Added))
	for _, p := range base {
		if removed[p.PID] {
			continue
		}
		if u, ok := updated[p.PID]; ok {
			out = append(out, u)
			continue
		}
		out = append(out, p)
	}
	return append(out, d.Added...)
}
