// Package merge implements the greedy range-merging algorithm that groups
// adjacent small payload ranges into fewer, larger HTTP range requests.
// This is plain Go rather than a third-party dependency: no library in the
// retrieved pack models "merge adjacent small byte ranges under a waste
// bound" any better than a direct greedy scan over sorted offsets would
// (documented in DESIGN.md).
package merge

import "sort"

const (
	smallFileThreshold = 500 * 1024
	maxGroupDownload    = 10 * 1024 * 1024
	maxWasteRatio       = 0.20
)

// Candidate is one mergeable unit: its remote byte range and its
// originating task, kept as an opaque index so callers can map results
// back onto their own task type without this package depending on it.
type Candidate struct {
	Offset int64
	Size   int64
	TaskID int
}

// Group is a set of candidates to fetch as one contiguous HTTP range.
type Group struct {
	Start, End      int64 // [Start, End) in the remote package
	Members         []Candidate
	TotalDownload   int64
	TotalEffective  int64
}

// WasteRatio is (download - effective) / download.
func (g Group) WasteRatio() float64 {
	if g.TotalDownload == 0 {
		return 0
	}
	return float64(g.TotalDownload-g.TotalEffective) / float64(g.TotalDownload)
}

// Merge partitions candidates into merged groups (>=2 members) and leaves
// the rest as Solo (single-member, either because they're large or because
// no adjacent candidate fit the bounds). Only candidates at or under
// smallFileThreshold participate in merging; larger files are always Solo.
func Merge(candidates []Candidate) (groups []Group, solo []Candidate) {
	var small []Candidate
	for _, c := range candidates {
		if c.Size <= smallFileThreshold {
			small = append(small, c)
		} else {
			solo = append(solo, c)
		}
	}
	sort.Slice(small, func(i, j int) bool { return small[i].Offset < small[j].Offset })

	var current *Group
	flush := func() {
		if current == nil {
			return
		}
		if len(current.Members) >= 2 {
			groups = append(groups, *current)
		} else {
			solo = append(solo, current.Members...)
		}
		current = nil
	}

	for _, c := range small {
		if current == nil {
			current = &Group{
				Start:          c.Offset,
				End:            c.Offset + c.Size,
				Members:        []Candidate{c},
				TotalDownload:  c.Size,
				TotalEffective: c.Size,
			}
			continue
		}

		newEnd := c.Offset + c.Size
		if newEnd < current.End {
			newEnd = current.End
		}
		newDownload := newEnd - current.Start
		newEffective := current.TotalEffective + c.Size

		if newDownload <= maxGroupDownload {
			ratio := float64(newDownload-newEffective) / float64(newDownload)
			if ratio <= maxWasteRatio {
				current.End = newEnd
				current.Members = append(current.Members, c)
				current.TotalDownload = newDownload
				current.TotalEffective = newEffective
				continue
			}
		}

		flush()
		current = &Group{
			Start:          c.Offset,
			End:            c.Offset + c.Size,
			Members:        []Candidate{c},
			TotalDownload:  c.Size,
			TotalEffective: c.Size,
		}
	}
	flush()

	return groups, solo
}
