// Package segment implements the allocation unit: a tuple of {device
// identity, start offset, length}, all in sectors, plus the coalescing
// rule tiers use to keep their segment lists compact.
package segment

import (
	"sort"

	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/uuid"
)

// Segment is a contiguous run of sectors on one device.
type Segment struct {
	Device uuid.DevUUID
	Start  sectors.Sectors
	Length sectors.Sectors
}

// End returns the first sector past the segment.
func (s Segment) End() sectors.Sectors { return s.Start + s.Length }

// AdjacentTo reports whether s immediately follows other on the same
// device, i.e. whether the two would coalesce into one logical segment.
func (s Segment) AdjacentTo(other Segment) bool {
	return s.Device == other.Device && other.End() == s.Start
}

// TotalLength sums the lengths of segs.
func TotalLength(segs []Segment) sectors.Sectors {
	var total sectors.Sectors
	for _, s := range segs {
		total += s.Length
	}
	return total
}

// Coalesce appends next to segs, merging it into the last element if it
// is contiguous with it: when a new segment is contiguous with the
// last segment in a tier's segment list, the two are merged.
func Coalesce(segs []Segment, next Segment) []Segment {
	if next.Length == 0 {
		return segs
	}
	if n := len(segs); n > 0 && next.AdjacentTo(segs[n-1]) {
		segs[n-1].Length += next.Length
		return segs
	}
	return append(segs, next)
}

// CoalesceAll folds a list of new segments onto an existing list,
// applying Coalesce in order. Used when extending a flex region with a
// freshly allocated batch of segments.
func CoalesceAll(segs []Segment, next []Segment) []Segment {
	for _, s := range next {
		segs = Coalesce(segs, s)
	}
	return segs
}

// Disjoint reports whether every pair of segments in segs that shares a
// device has non-overlapping [Start, End) ranges: each flex region's
// segments must be pairwise disjoint.
func Disjoint(segs []Segment) bool {
	byDevice := make(map[uuid.DevUUID][]Segment)
	for _, s := range segs {
		byDevice[s.Device] = append(byDevice[s.Device], s)
	}
	for _, group := range byDevice {
		sort.Slice(group, func(i, j int) bool { return group[i].Start < group[j].Start })
		for i := 1; i < len(group); i++ {
			if group[i].Start < group[i-1].End() {
				return false
			}
		}
	}
	return true
}
