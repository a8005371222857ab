package pool

// Progress accumulates the outcome of a bulk fetch/link run. Addition
// is componentwise (§3).
type Progress struct {
	New      int
	NewBytes int64
	Reused   int
}

// Add accumulates other into p.
func (p *Progress) Add(other Progress) {
	p.New += other.New
	p.NewBytes += other.NewBytes
	p.Reused += other.Reused
}

// Total is the number of files accounted for, new or reused.
func (p Progress) Total() int { return p.New + p.Reused }

// DiffEntry names one changed relative path and either its size
// (added/removed) or size delta (changed).
type DiffEntry struct {
	Path string
	Size int64
}

// Diff is the three-vector delta between two directory trees (§3).
type Diff struct {
	Added   []DiffEntry
	Changed []DiffEntry
	Removed []DiffEntry
}

// Empty reports whether the diff carries no entries at all.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}
