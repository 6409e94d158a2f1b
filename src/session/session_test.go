package session

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Devanish31/Annot/src/commons"
	"github.com/Devanish31/Annot/src/datastructures"
	"github.com/Devanish31/Annot/src/frames"
	"github.com/Devanish31/Annot/src/predict"
	"github.com/Devanish31/Annot/src/predict/predicttest"
	"github.com/disintegration/imaging"
)

func writeFrames(t *testing.T, n int, w int, h int) string {
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := imaging.New(w, h, color.NRGBA{R: uint8(i * 40), G: 90, B: 160, A: 255})
		ok(t, imaging.Save(img, filepath.Join(dir, fmt.Sprintf(frames.NamePattern, i))))
	}
	return dir
}

func click(frameIdx int, objId int, x float64, y float64) predict.PointsPrompt {
	return predict.PointsPrompt{
		FrameIdx: frameIdx,
		ObjId:    objId,
		Points:   []datastructures.Point{{X: x, Y: y}},
		Labels:   []int{predict.LabelForeground},
	}
}

func readySession(t *testing.T) (*Session, *predicttest.Model, string) {
	folder := writeFrames(t, 3, 64, 48)
	model := predicttest.NewModel(64, 48, 3)
	s := New(model)
	ok(t, s.Initialize(context.Background(), folder))
	return s, model, folder
}

func TestPredictBeforeInitialize(t *testing.T) {
	s := New(predicttest.NewModel(64, 48, 3))
	equals(t, s.State(), Uninitialized)

	_, err := s.PredictFromPoints(context.Background(), click(0, 1, 10, 10))
	equals(t, commons.KindOf(err), commons.NotReadyError)

	_, err = s.Propagate(context.Background())
	equals(t, commons.KindOf(err), commons.NotReadyError)

	_, _, bound := s.Dimensions()
	equals(t, bound, false)
}

func TestInitializeAndPredict(t *testing.T) {
	s, model, folder := readySession(t)
	equals(t, s.State(), Ready)
	equals(t, model.Inits(), []string{folder})

	w, h, bound := s.Dimensions()
	equals(t, bound, true)
	equals(t, w, 64)
	equals(t, h, 48)

	res, err := s.PredictFromPoints(context.Background(), click(1, 1, 10, 10))
	ok(t, err)
	equals(t, res.FrameIdx, 1)
	equals(t, res.ObjIds, []int{1})
	mask, found := res.MaskFor(1)
	equals(t, found, true)
	equals(t, mask.Width, 64)
	equals(t, mask.Height, 48)
	equals(t, mask.Area(), 49)
	equals(t, mask.At(10, 10), true)
	equals(t, mask.At(20, 20), false)
	equals(t, s.State(), Ready)

	status := s.Status()
	equals(t, status.State, "READY")
	equals(t, status.FrameCount, 3)
	equals(t, len(status.Prompts), 1)
	equals(t, status.Prompts[0].Kind, "points")
	equals(t, status.Prompts[0].Points, 1)
}

func TestPredictFromMask(t *testing.T) {
	s, _, _ := readySession(t)

	in := datastructures.NewMask(64, 48)
	for x := 5; x < 15; x++ {
		in.Set(x, 20, true)
	}
	res, err := s.PredictFromMask(context.Background(), 2, 4, in)
	ok(t, err)
	equals(t, res.ObjIds, []int{4})
	equals(t, res.Masks[0].Pix, in.Pix)

	prompts := s.Prompts()
	equals(t, len(prompts), 1)
	equals(t, prompts[0].Kind, "mask")
	equals(t, prompts[0].Mask.Area(), 10)

	_, err = s.PredictFromMask(context.Background(), 0, 4, datastructures.NewMask(10, 10))
	equals(t, commons.KindOf(err), commons.DimensionMismatchError)

	_, err = s.PredictFromMask(context.Background(), 0, 4, nil)
	equals(t, commons.KindOf(err), commons.ValidationError)
}

func TestInitializeAsyncWhileInitializing(t *testing.T) {
	folder := writeFrames(t, 3, 64, 48)
	model := predicttest.NewModel(64, 48, 3)
	model.InitGate = make(chan struct{})
	s := New(model)

	done := s.InitializeAsync(folder)
	equals(t, s.State(), Initializing)

	b, bound := s.Binding()
	equals(t, bound, true)
	equals(t, len(b.Frames), 3)

	_, err := s.PredictFromPoints(context.Background(), click(0, 1, 10, 10))
	equals(t, commons.KindOf(err), commons.NotReadyError)

	close(model.InitGate)
	ok(t, <-done)
	equals(t, s.State(), Ready)

	_, err = s.PredictFromPoints(context.Background(), click(0, 1, 10, 10))
	ok(t, err)
}

func TestInitializationFailure(t *testing.T) {
	folder := writeFrames(t, 2, 32, 32)
	model := predicttest.NewModel(32, 32, 2)
	model.InitErr = errors.New("CUDA out of memory")
	s := New(model)

	err := s.Initialize(context.Background(), folder)
	equals(t, commons.KindOf(err), commons.InitializationError)
	equals(t, s.State(), Uninitialized)
	equals(t, strings.Contains(s.Status().InitError, "CUDA out of memory"), true)

	_, err = s.PredictFromPoints(context.Background(), click(0, 1, 1, 1))
	equals(t, commons.KindOf(err), commons.NotReadyError)
	equals(t, strings.Contains(err.Error(), "CUDA out of memory"), true)
}

func TestInitializeEmptyFolder(t *testing.T) {
	s := New(predicttest.NewModel(8, 8, 0))
	err := s.Initialize(context.Background(), t.TempDir())
	equals(t, commons.KindOf(err), commons.InitializationError)
	equals(t, s.State(), Uninitialized)
}

func TestResetBeforeInitialize(t *testing.T) {
	s := New(predicttest.NewModel(8, 8, 1))
	err := s.Reset(context.Background())
	equals(t, commons.KindOf(err), commons.NotInitializedError)
}

func TestReset(t *testing.T) {
	s, model, folder := readySession(t)
	_, err := s.PredictFromPoints(context.Background(), click(0, 2, 30, 30))
	ok(t, err)

	ok(t, s.Reset(context.Background()))
	equals(t, s.State(), Uninitialized)
	equals(t, model.Resets(), []predict.StateHandle{"state-1"})
	equals(t, len(s.Prompts()), 0)

	b, bound := s.Binding()
	equals(t, bound, true)
	equals(t, b.Folder, folder)

	_, err = s.PredictFromPoints(context.Background(), click(0, 2, 30, 30))
	equals(t, commons.KindOf(err), commons.NotReadyError)

	err = s.Reset(context.Background())
	equals(t, commons.KindOf(err), commons.NotInitializedError)

	ok(t, s.Initialize(context.Background(), folder))
	equals(t, s.State(), Ready)
}

func TestResetSupersedesInitialization(t *testing.T) {
	folder := writeFrames(t, 2, 16, 16)
	model := predicttest.NewModel(16, 16, 2)
	model.InitGate = make(chan struct{})
	s := New(model)

	done := s.InitializeAsync(folder)
	ok(t, s.Reset(context.Background()))
	equals(t, s.State(), Uninitialized)

	close(model.InitGate)
	err := <-done
	equals(t, commons.KindOf(err), commons.InitializationError)
	equals(t, s.State(), Uninitialized)
	equals(t, model.Resets(), []predict.StateHandle{"state-1"})
}

func TestReinitializeReleasesPreviousState(t *testing.T) {
	s, model, _ := readySession(t)
	other := writeFrames(t, 5, 20, 10)

	ok(t, s.Initialize(context.Background(), other))
	equals(t, model.Resets(), []predict.StateHandle{"state-1"})
	w, h, _ := s.Dimensions()
	equals(t, w, 20)
	equals(t, h, 10)
	equals(t, s.Status().FrameCount, 5)
}

// foreignObjectModel answers every prompt with a full mask for objId.
type foreignObjectModel struct {
	*predicttest.Model
	objId int
}

func (m *foreignObjectModel) AddNewPointsOrBox(ctx context.Context, state predict.StateHandle, prompt predict.PointsPrompt) (*predict.Prediction, error) {
	return m.answer(prompt.FrameIdx), nil
}

func (m *foreignObjectModel) AddNewMask(ctx context.Context, state predict.StateHandle, frameIdx int, objId int, mask *datastructures.Mask) (*predict.Prediction, error) {
	return m.answer(frameIdx), nil
}

func (m *foreignObjectModel) answer(frameIdx int) *predict.Prediction {
	mask := datastructures.NewMask(m.Width, m.Height)
	for i := range mask.Pix {
		mask.Pix[i] = true
	}
	return &predict.Prediction{FrameIdx: frameIdx, ObjIds: []int{m.objId}, Masks: []*predict.Logits{predict.LogitsFromMask(mask)}}
}

func TestPredictionForOtherObject(t *testing.T) {
	folder := writeFrames(t, 3, 64, 48)
	s := New(&foreignObjectModel{Model: predicttest.NewModel(64, 48, 3), objId: 7})
	ok(t, s.Initialize(context.Background(), folder))

	_, err := s.PredictFromPoints(context.Background(), click(0, 1, 10, 10))
	equals(t, commons.KindOf(err), commons.PredictionError)

	_, err = s.PredictFromMask(context.Background(), 0, 1, datastructures.NewMask(64, 48))
	equals(t, commons.KindOf(err), commons.PredictionError)

	equals(t, len(s.Prompts()), 0)
	equals(t, s.State(), Ready)

	res, err := s.PredictFromPoints(context.Background(), click(0, 7, 10, 10))
	ok(t, err)
	mask, found := res.MaskFor(7)
	equals(t, found, true)
	equals(t, mask.Area(), 64*48)
	_, found = res.MaskFor(1)
	equals(t, found, false)
}

// stuckResetModel can't release any state.
type stuckResetModel struct {
	*predicttest.Model
}

func (m *stuckResetModel) ResetState(ctx context.Context, state predict.StateHandle) error {
	return errors.New("state is gone")
}

func TestReinitializeWhenReleaseFails(t *testing.T) {
	first := writeFrames(t, 3, 64, 48)
	second := writeFrames(t, 2, 32, 16)
	model := &stuckResetModel{Model: predicttest.NewModel(64, 48, 3)}
	s := New(model)
	ok(t, s.Initialize(context.Background(), first))

	ok(t, s.Initialize(context.Background(), second))
	equals(t, s.State(), Ready)
	equals(t, model.Inits(), []string{first, second})
	w, h, _ := s.Dimensions()
	equals(t, w, 32)
	equals(t, h, 16)
}

func TestPromptValidation(t *testing.T) {
	s, model, _ := readySession(t)
	box := func(x0, y0, x1, y1 float64) *datastructures.Box {
		b := datastructures.Box{x0, y0, x1, y1}
		return &b
	}

	cases := []struct {
		name   string
		prompt predict.PointsPrompt
	}{
		{"negative frame", click(-1, 1, 10, 10)},
		{"frame past the end", click(3, 1, 10, 10)},
		{"zero object id", click(0, 0, 10, 10)},
		{"no points", predict.PointsPrompt{FrameIdx: 0, ObjId: 1}},
		{"missing labels", predict.PointsPrompt{FrameIdx: 0, ObjId: 1, Points: []datastructures.Point{{X: 1, Y: 1}}}},
		{"unknown label", predict.PointsPrompt{FrameIdx: 0, ObjId: 1, Points: []datastructures.Point{{X: 1, Y: 1}}, Labels: []int{2}}},
		{"point outside", click(0, 1, 65, 10)},
		{"inverted box", predict.PointsPrompt{FrameIdx: 0, ObjId: 1, Points: []datastructures.Point{{X: 1, Y: 1}}, Labels: []int{1}, Box: box(20, 5, 10, 15)}},
		{"box outside", predict.PointsPrompt{FrameIdx: 0, ObjId: 1, Points: []datastructures.Point{{X: 1, Y: 1}}, Labels: []int{1}, Box: box(0, 0, 10, 100)}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := s.PredictFromPoints(context.Background(), c.prompt)
			equals(t, commons.KindOf(err), commons.ValidationError)
		})
	}

	equals(t, model.Calls(), []string{"init_state"})
	equals(t, s.State(), Ready)
}

func TestBoxWithPoints(t *testing.T) {
	s, _, _ := readySession(t)
	p := click(0, 1, 12, 12)
	p.Box = &datastructures.Box{5, 5, 20, 20}
	_, err := s.PredictFromPoints(context.Background(), p)
	ok(t, err)
	equals(t, *s.Prompts()[0].Box, datastructures.Box{5, 5, 20, 20})
}

func TestModelMaskSizeMismatch(t *testing.T) {
	folder := writeFrames(t, 2, 64, 48)
	s := New(predicttest.NewModel(32, 32, 2))
	ok(t, s.Initialize(context.Background(), folder))

	_, err := s.PredictFromPoints(context.Background(), click(0, 1, 10, 10))
	equals(t, commons.KindOf(err), commons.DimensionMismatchError)
	equals(t, len(s.Prompts()), 0)
}

func TestPredictionFailures(t *testing.T) {
	s, model, _ := readySession(t)

	model.EmptyResult = true
	_, err := s.PredictFromPoints(context.Background(), click(0, 1, 10, 10))
	equals(t, commons.KindOf(err), commons.PredictionError)

	model.EmptyResult = false
	model.PredictErr = errors.New("sidecar crashed")
	_, err = s.PredictFromPoints(context.Background(), click(0, 1, 10, 10))
	equals(t, commons.KindOf(err), commons.PredictionError)
	equals(t, s.State(), Ready)
	equals(t, len(s.Prompts()), 0)
}

func TestPropagateKeepsEmissionOrder(t *testing.T) {
	s, model, _ := readySession(t)
	model.Order = []int{2, 1, 0, 2}

	_, err := s.PredictFromPoints(context.Background(), click(0, 2, 50, 40))
	ok(t, err)
	_, err = s.PredictFromPoints(context.Background(), click(0, 1, 10, 10))
	ok(t, err)

	segments, err := s.Propagate(context.Background())
	ok(t, err)
	equals(t, segments.Objects(), []int{1, 2})
	equals(t, segments.Len(), 6)
	equals(t, segments.Frames(1), []int{2, 1, 0})
	equals(t, segments.Frames(2), []int{2, 1, 0})

	m, found := segments.Get(2, 0)
	equals(t, found, true)
	equals(t, m.At(50, 40), true)
	equals(t, m.At(10, 10), false)
	equals(t, s.State(), Ready)
}

func TestPropagateThreeFrameScenario(t *testing.T) {
	s, _, _ := readySession(t)
	_, err := s.PredictFromPoints(context.Background(), click(0, 1, 32, 24))
	ok(t, err)

	segments, err := s.Propagate(context.Background())
	ok(t, err)
	equals(t, segments.Len(), 3)
	for frame := 0; frame < 3; frame++ {
		m, found := segments.Get(1, frame)
		equals(t, found, true)
		equals(t, m.Width, 64)
		equals(t, m.Height, 48)
		equals(t, m.Area(), 49)
	}
}

func TestPropagateFrameOutOfRange(t *testing.T) {
	s, model, _ := readySession(t)
	model.Order = []int{0, 5}
	_, err := s.PredictFromPoints(context.Background(), click(0, 1, 10, 10))
	ok(t, err)

	_, err = s.Propagate(context.Background())
	equals(t, commons.KindOf(err), commons.PredictionError)
	equals(t, s.State(), Ready)
}

func TestConcurrentPromptsAreSerialized(t *testing.T) {
	s, model, _ := readySession(t)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 3 {
				_, err := s.Propagate(context.Background())
				errs <- err
				return
			}
			_, err := s.PredictFromPoints(context.Background(), click(i%3, i%5+1, float64(i*3), 20))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		ok(t, err)
	}
	equals(t, model.Overlapped(), false)
	equals(t, s.State(), Ready)
}
