package catalog

import (
	"container/heap"
	"context"
	"fmt"
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/metrics"
	"github.com/burstfs/metadb/proto"
)

// Segment is one piece of a read plan. A hole covers bytes no write ever
// reached; otherwise Value locates the bytes, with Length and Addr trimmed
// to the segment.
type Segment struct {
	Offset uint64            `json:"offset"`
	Length uint64            `json:"length"`
	Hole   bool              `json:"hole"`
	Value  proto.ExtentValue `json:"value"`
}

func (s *Segment) End() uint64 {
	return s.Offset + s.Length
}

// ReadPlan covers [Offset, Offset+Length) of a file with ordered, non
// overlapping segments. An incomplete plan was built without the shards
// listed in Unavailable and may show holes or older data where they hold
// newer writes.
type ReadPlan struct {
	Fid         proto.Fid       `json:"fid"`
	Offset      uint64          `json:"offset"`
	Length      uint64          `json:"length"`
	Segments    []Segment       `json:"segments"`
	Incomplete  bool            `json:"incomplete"`
	Unavailable []proto.ShardID `json:"unavailable,omitempty"`
}

// ReadExtents resolves a read of [offset, offset+length) of fid into the
// physical fragments that hold its bytes. Where writes overlap the one
// with the highest sequence wins.
func (c *Catalog) ReadExtents(ctx context.Context, fid proto.Fid, offset, length uint64) (*ReadPlan, error) {
	span := trace.SpanFromContextSafe(ctx)
	end := offset + length
	if end < offset {
		return nil, fmt.Errorf("%w: read of %d bytes at %d overflows", apierrors.ErrInvalidExtent, length, offset)
	}
	plan := &ReadPlan{Fid: fid, Offset: offset, Length: length}
	if length == 0 {
		return plan, nil
	}

	result, err := c.GetExtentRanges(ctx, []proto.ExtentRange{{Fid: fid, Start: offset, End: end}})
	if err != nil {
		return nil, err
	}
	plan.Segments = mergeExtents(result.Extents, offset, end)
	if !result.Complete() {
		plan.Incomplete = true
		plan.Unavailable = result.Unavailable
		metrics.ReadIncomplete.Inc()
		span.Warnf("read plan of fid[%d] [%d, %d) misses shards %v", fid, offset, end, result.Unavailable)
	}

	metrics.ReadSegments.Observe(float64(len(plan.Segments)))
	for i := range plan.Segments {
		if plan.Segments[i].Hole {
			metrics.ReadHoles.Inc()
		}
	}
	return plan, nil
}

type candidate struct {
	extent proto.Extent
	pos    int
	start  uint64
	end    uint64
}

// wins reports whether a takes precedence over b where both cover a byte.
func (a *candidate) wins(b *candidate) bool {
	av, bv := &a.extent.Value, &b.extent.Value
	if av.Seq != bv.Seq {
		return av.Seq > bv.Seq
	}
	if av.Delegator != bv.Delegator {
		return av.Delegator > bv.Delegator
	}
	if av.Rank != bv.Rank {
		return av.Rank > bv.Rank
	}
	return a.pos > b.pos
}

// candidateHeap keeps the winning candidate on top.
type candidateHeap []*candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].wins(h[j]) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(*candidate)) }

func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// mergeExtents sweeps [start, end) over the clipped extents and emits, for
// every elementary interval, the winning extent or a hole. Adjacent holes
// and adjacent pieces of one write are coalesced.
func mergeExtents(extents []proto.Extent, start, end uint64) []Segment {
	cands := make([]*candidate, 0, len(extents))
	points := []uint64{start, end}
	for i := range extents {
		e := &extents[i]
		if !e.Overlaps(start, end) {
			continue
		}
		cand := &candidate{extent: *e, pos: i, start: e.Key.Offset, end: e.End()}
		if cand.start < start {
			cand.start = start
		}
		if cand.end > end {
			cand.end = end
		}
		cands = append(cands, cand)
		points = append(points, cand.start, cand.end)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].start != cands[j].start {
			return cands[i].start < cands[j].start
		}
		return cands[i].extent.Value.Seq < cands[j].extent.Value.Seq
	})
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	var (
		ret    []Segment
		active candidateHeap
		next   int
	)
	for i := 0; i+1 < len(points); i++ {
		lo, hi := points[i], points[i+1]
		if lo == hi {
			continue
		}
		for next < len(cands) && cands[next].start <= lo {
			heap.Push(&active, cands[next])
			next++
		}
		for active.Len() > 0 && active[0].end <= lo {
			heap.Pop(&active)
		}

		seg := Segment{Offset: lo, Length: hi - lo, Hole: true}
		if active.Len() > 0 {
			top := active[0]
			seg.Hole = false
			seg.Value = top.extent.Value
			seg.Value.Addr += lo - top.extent.Key.Offset
			seg.Value.Length = hi - lo
		}
		if n := len(ret); n > 0 && continues(&ret[n-1], &seg) {
			ret[n-1].Length += seg.Length
			ret[n-1].Value.Length += seg.Value.Length
			continue
		}
		ret = append(ret, seg)
	}
	return ret
}

// continues reports whether next picks up exactly where prev stops, on the
// same write. Pieces of one write split at slice boundaries join up again.
func continues(prev, next *Segment) bool {
	if prev.End() != next.Offset || prev.Hole != next.Hole {
		return false
	}
	if prev.Hole {
		return true
	}
	pv, nv := &prev.Value, &next.Value
	return pv.Seq == nv.Seq && pv.Delegator == nv.Delegator && pv.Rank == nv.Rank &&
		pv.AppID == nv.AppID && pv.Addr+pv.Length == nv.Addr
}
