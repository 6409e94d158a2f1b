// Package predicttest provides an in-memory segmentation model.
package predicttest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/Devanish31/Annot/src/datastructures"
	"github.com/Devanish31/Annot/src/predict"
)

// Model is a scriptable predict.SegmentationModel. A point prompt
// yields a square of Radius pixels around every foreground point; a mask
// prompt is echoed back. Propagation emits the last mask of every
// prompted object for each frame in Order (default 0..Frames-1).
type Model struct {
	Width  int
	Height int
	Frames int
	Radius int

	// Order overrides the frames emitted by a propagation run.
	Order []int

	// InitGate, when set, blocks InitState until it is closed.
	InitGate chan struct{}
	InitErr  error

	// EmptyResult makes prompt calls return a prediction without objects.
	EmptyResult bool
	PredictErr  error

	mu      sync.Mutex
	next    int
	states  map[predict.StateHandle]map[int]*datastructures.Mask
	calls   []string
	resets  []predict.StateHandle
	inits   []string
	running int
	overlap bool
}

func NewModel(width int, height int, frames int) *Model {
	return &Model{Width: width, Height: height, Frames: frames, Radius: 3}
}

func (m *Model) enter(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	m.running++
	if m.running > 1 {
		m.overlap = true
	}
}

func (m *Model) leave() {
	m.mu.Lock()
	m.running--
	m.mu.Unlock()
}

func (m *Model) InitState(ctx context.Context, framesPath string) (predict.StateHandle, error) {
	if m.InitGate != nil {
		select {
		case <-m.InitGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "init_state")
	m.inits = append(m.inits, framesPath)
	if m.InitErr != nil {
		return "", m.InitErr
	}
	if m.states == nil {
		m.states = make(map[predict.StateHandle]map[int]*datastructures.Mask)
	}
	m.next++
	h := predict.StateHandle(fmt.Sprintf("state-%d", m.next))
	m.states[h] = make(map[int]*datastructures.Mask)
	return h, nil
}

func (m *Model) ResetState(ctx context.Context, state predict.StateHandle) error {
	m.enter("reset_state")
	defer m.leave()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.states[state]; !found {
		return fmt.Errorf("unknown state %s", state)
	}
	m.states[state] = make(map[int]*datastructures.Mask)
	m.resets = append(m.resets, state)
	return nil
}

func (m *Model) AddNewPointsOrBox(ctx context.Context, state predict.StateHandle, prompt predict.PointsPrompt) (*predict.Prediction, error) {
	m.enter("add_new_points_or_box")
	defer m.leave()

	mask := datastructures.NewMask(m.Width, m.Height)
	for i, p := range prompt.Points {
		if prompt.Labels[i] != predict.LabelForeground {
			continue
		}
		for y := int(p.Y) - m.Radius; y <= int(p.Y)+m.Radius; y++ {
			for x := int(p.X) - m.Radius; x <= int(p.X)+m.Radius; x++ {
				if x >= 0 && y >= 0 && x < m.Width && y < m.Height {
					mask.Set(x, y, true)
				}
			}
		}
	}
	return m.store(state, prompt.FrameIdx, prompt.ObjId, mask)
}

func (m *Model) AddNewMask(ctx context.Context, state predict.StateHandle, frameIdx int, objId int, mask *datastructures.Mask) (*predict.Prediction, error) {
	m.enter("add_new_mask")
	defer m.leave()
	return m.store(state, frameIdx, objId, mask.Clone())
}

func (m *Model) store(state predict.StateHandle, frameIdx int, objId int, mask *datastructures.Mask) (*predict.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PredictErr != nil {
		return nil, m.PredictErr
	}
	objects, found := m.states[state]
	if !found {
		return nil, fmt.Errorf("unknown state %s", state)
	}
	if m.EmptyResult {
		return &predict.Prediction{FrameIdx: frameIdx}, nil
	}
	objects[objId] = mask
	return &predict.Prediction{FrameIdx: frameIdx, ObjIds: []int{objId}, Masks: []*predict.Logits{predict.LogitsFromMask(mask)}}, nil
}

func (m *Model) PropagateInVideo(ctx context.Context, state predict.StateHandle) (predict.Propagation, error) {
	m.enter("propagate_in_video")
	defer m.leave()
	m.mu.Lock()
	defer m.mu.Unlock()

	objects, found := m.states[state]
	if !found {
		return nil, fmt.Errorf("unknown state %s", state)
	}
	ids := make([]int, 0, len(objects))
	for id := range objects {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	order := m.Order
	if order == nil {
		for i := 0; i < m.Frames; i++ {
			order = append(order, i)
		}
	}

	var out []*predict.Prediction
	for _, idx := range order {
		p := &predict.Prediction{FrameIdx: idx}
		for _, id := range ids {
			p.ObjIds = append(p.ObjIds, id)
			p.Masks = append(p.Masks, predict.LogitsFromMask(objects[id]))
		}
		out = append(out, p)
	}
	return &Propagation{Predictions: out}, nil
}

// Calls lists the model operations in the order they were invoked.
func (m *Model) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *Model) Resets() []predict.StateHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]predict.StateHandle(nil), m.resets...)
}

func (m *Model) Inits() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.inits...)
}

// Overlapped reports whether two calls ever ran at the same time.
func (m *Model) Overlapped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlap
}

// Propagation replays a fixed list of predictions.
type Propagation struct {
	Predictions []*predict.Prediction
	Err         error
	pos         int
	closed      bool
}

func (p *Propagation) Next() (*predict.Prediction, error) {
	if p.closed || p.pos >= len(p.Predictions) {
		if p.Err != nil && !p.closed {
			return nil, p.Err
		}
		return nil, io.EOF
	}
	next := p.Predictions[p.pos]
	p.pos++
	return next, nil
}

func (p *Propagation) Close() error {
	p.closed = true
	return nil
}
