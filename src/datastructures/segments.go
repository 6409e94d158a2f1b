package datastructures

import "sort"

type SegmentKey struct {
	ObjId    int
	FrameIdx int
}

// VideoSegments groups propagated masks object first, then frame. It
// remembers the order in which each (object, frame) pair was first
// emitted; a repeated emission replaces the mask but keeps the position.
type VideoSegments struct {
	masks map[int]map[int]*Mask
	order []SegmentKey
}

func NewVideoSegments() *VideoSegments {
	return &VideoSegments{masks: make(map[int]map[int]*Mask)}
}

func (v *VideoSegments) Add(objId int, frameIdx int, mask *Mask) {
	frames, found := v.masks[objId]
	if !found {
		frames = make(map[int]*Mask)
		v.masks[objId] = frames
	}
	if _, seen := frames[frameIdx]; !seen {
		v.order = append(v.order, SegmentKey{ObjId: objId, FrameIdx: frameIdx})
	}
	frames[frameIdx] = mask
}

func (v *VideoSegments) Get(objId int, frameIdx int) (*Mask, bool) {
	m, found := v.masks[objId][frameIdx]
	return m, found
}

func (v *VideoSegments) Len() int {
	return len(v.order)
}

func (v *VideoSegments) Objects() []int {
	ids := make([]int, 0, len(v.masks))
	for id := range v.masks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Frames lists the frames of one object in emission order.
func (v *VideoSegments) Frames(objId int) []int {
	var frames []int
	for _, k := range v.order {
		if k.ObjId == objId {
			frames = append(frames, k.FrameIdx)
		}
	}
	return frames
}

func (v *VideoSegments) Entries() []SegmentEntry {
	entries := make([]SegmentEntry, 0, len(v.order))
	for _, k := range v.order {
		entries = append(entries, SegmentEntry{ObjId: k.ObjId, FrameIdx: k.FrameIdx, BinaryMask: v.masks[k.ObjId][k.FrameIdx]})
	}
	return entries
}

func (v *VideoSegments) ByObject() map[int]map[int]*Mask {
	out := make(map[int]map[int]*Mask, len(v.masks))
	for id, frames := range v.masks {
		copied := make(map[int]*Mask, len(frames))
		for idx, m := range frames {
			copied[idx] = m
		}
		out[id] = copied
	}
	return out
}

// SegmentsFromEntries rebuilds segments from a listing, e.g. one read
// back from the result cache.
func SegmentsFromEntries(entries []SegmentEntry) *VideoSegments {
	v := NewVideoSegments()
	for _, e := range entries {
		v.Add(e.ObjId, e.FrameIdx, e.BinaryMask)
	}
	return v
}
