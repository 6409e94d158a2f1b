package session

import (
	"context"
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Devanish31/Annot/src/commons"
	"github.com/Devanish31/Annot/src/datastructures"
	"github.com/Devanish31/Annot/src/frames"
	"github.com/Devanish31/Annot/src/metrics"
	"github.com/Devanish31/Annot/src/predict"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Binding is the frame folder a session works on.
type Binding struct {
	Folder string
	Frames []frames.Frame
	Width  int
	Height int
}

type Prompt struct {
	ObjId     int
	Kind      string
	FrameIdx  int
	Points    []datastructures.Point
	Labels    []int
	Box       *datastructures.Box
	Mask      *datastructures.Mask
	Submitted time.Time
}

type Result struct {
	FrameIdx int
	ObjIds   []int
	Masks    []*datastructures.Mask
}

// MaskFor returns the mask the model produced for objId.
func (r *Result) MaskFor(objId int) (*datastructures.Mask, bool) {
	for i, id := range r.ObjIds {
		if id == objId {
			return r.Masks[i], true
		}
	}
	return nil, false
}

// Session owns the inference state of one frame folder. Mutations are
// serialized; the model's InitState runs outside the lock so callers
// get a NotReadyError instead of waiting for it.
type Session struct {
	model  predict.SegmentationModel
	tracer trace.Tracer

	mu         sync.RWMutex
	state      stateCell
	bound      atomic.Pointer[Binding]
	handle     predict.StateHandle
	generation uint64
	initErr    error
	prompts    map[int]Prompt
}

func New(model predict.SegmentationModel) *Session {
	s := &Session{
		model:   model,
		tracer:  otel.Tracer("session"),
		prompts: make(map[int]Prompt),
	}
	s.state.store(Uninitialized)
	return s
}

func (s *Session) State() State {
	return s.state.load()
}

// Binding returns the bound frame folder. It doesn't wait for running
// mutations; the frames of a binding never change.
func (s *Session) Binding() (*Binding, bool) {
	b := s.bound.Load()
	return b, b != nil
}

// Initialize binds folder and creates the model's inference state for it.
func (s *Session) Initialize(ctx context.Context, folder string) error {
	ctx, span := s.tracer.Start(ctx, "Session.Initialize", trace.WithAttributes(attribute.String("folder", folder)))
	gen, b, err := s.bind(ctx, folder)
	if err == nil {
		err = s.commit(ctx, gen, b)
	}
	endSpan(span, err)
	return err
}

// InitializeAsync binds folder right away and creates the inference
// state in the background. The returned channel yields the outcome once.
func (s *Session) InitializeAsync(folder string) <-chan error {
	done := make(chan error, 1)
	ctx, span := s.tracer.Start(context.Background(), "Session.InitializeAsync", trace.WithAttributes(attribute.String("folder", folder)))

	gen, b, err := s.bind(ctx, folder)
	if err != nil {
		endSpan(span, err)
		done <- err
		close(done)
		return done
	}

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err := commons.Errorf(commons.InitializationError, "initialization of %s panicked: %v", folder, r)
				s.fail(gen, err)
				endSpan(span, err)
				done <- err
			}
		}()
		err := s.commit(ctx, gen, b)
		endSpan(span, err)
		done <- err
	}()
	return done
}

func (s *Session) bind(ctx context.Context, folder string) (uint64, *Binding, error) {
	frameList, err := frames.List(folder)
	if err != nil {
		return 0, nil, commons.Wrap(commons.InitializationError, err, "couldn't read frame folder")
	}
	if len(frameList) == 0 {
		return 0, nil, commons.Errorf(commons.InitializationError, "no frames in %s", folder)
	}
	b := &Binding{Folder: folder, Frames: frameList, Width: frameList[0].Width, Height: frameList[0].Height}
	for _, f := range frameList {
		if f.Width != b.Width || f.Height != b.Height {
			return 0, nil, commons.Errorf(commons.InitializationError, "frame %s is %dx%d, expected %dx%d", f.Name(), f.Width, f.Height, b.Width, b.Height)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The previous handle is dropped either way; a model that can't
	// reset it must not keep the new folder from binding.
	if err := s.release(ctx); err != nil {
		log.WithField("folder", folder).Debug("[Session] Couldn't release previous state: ", err.Error())
	}
	s.generation++
	s.bound.Store(b)
	s.initErr = nil
	s.state.store(Initializing)
	log.WithFields(log.Fields{"folder": folder, "frames": len(frameList)}).Debug("[Session] Initializing inference state")
	return s.generation, b, nil
}

func (s *Session) commit(ctx context.Context, gen uint64, b *Binding) error {
	start := time.Now()
	h, err := s.model.InitState(ctx, b.Folder)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen {
		if err == nil {
			if rerr := s.model.ResetState(ctx, h); rerr != nil {
				log.Debug("[Session] Couldn't release superseded state: ", rerr.Error())
			}
		}
		return commons.Errorf(commons.InitializationError, "initialization of %s was superseded", b.Folder)
	}
	if err != nil {
		s.initErr = commons.Wrap(commons.InitializationError, err, "segmentation model couldn't initialize "+b.Folder)
		s.state.store(Uninitialized)
		return s.initErr
	}

	s.handle = h
	s.prompts = make(map[int]Prompt)
	s.state.store(Ready)
	metrics.ObserveStage("initialize", start)
	log.WithFields(log.Fields{"folder": b.Folder, "state": h}).Debug("[Session] Inference state ready")
	return nil
}

func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}
	s.initErr = err
	s.state.store(Uninitialized)
}

// release drops the current handle. Callers hold mu.
func (s *Session) release(ctx context.Context) error {
	h := s.handle
	s.handle = ""
	s.prompts = make(map[int]Prompt)
	if h == "" {
		return nil
	}
	return s.model.ResetState(ctx, h)
}

// Reset destroys the inference state. The frame binding is kept, so
// the frames stay available and the folder can be initialized again.
func (s *Session) Reset(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "Session.Reset")
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.load() == Uninitialized {
		err := commons.Errorf(commons.NotInitializedError, "inference state has not been initialized")
		endSpan(span, err)
		return err
	}

	s.generation++
	s.initErr = nil
	s.state.store(Uninitialized)
	err := s.release(ctx)
	if err != nil {
		err = commons.Wrap(commons.PredictionError, err, "segmentation model couldn't reset state")
	}
	endSpan(span, err)
	log.Debug("[Session] Inference state reset")
	return err
}

// requireReady is called with mu held.
func (s *Session) requireReady() error {
	switch s.state.load() {
	case Ready:
		return nil
	case Initializing:
		return commons.Errorf(commons.NotReadyError, "inference state is still initializing")
	}
	if s.initErr != nil {
		return commons.Errorf(commons.NotReadyError, "inference state is not initialized (last attempt failed: %s)", s.initErr.Error())
	}
	return commons.Errorf(commons.NotReadyError, "inference state is not initialized")
}

func (s *Session) PredictFromPoints(ctx context.Context, prompt predict.PointsPrompt) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "Session.PredictFromPoints", trace.WithAttributes(
		attribute.Int("frame_idx", prompt.FrameIdx), attribute.Int("obj_id", prompt.ObjId)))
	res, err := s.predictFromPoints(ctx, prompt)
	metrics.PredictionsTotal.WithLabelValues("points", resultLabel(err)).Inc()
	endSpan(span, err)
	return res, err
}

func (s *Session) predictFromPoints(ctx context.Context, prompt predict.PointsPrompt) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireReady(); err != nil {
		return nil, err
	}
	b := s.bound.Load()
	if err := validatePoints(b, prompt); err != nil {
		return nil, err
	}

	s.state.store(Predicting)
	defer s.state.store(Ready)

	pred, err := s.model.AddNewPointsOrBox(ctx, s.handle, prompt)
	res, err := collect(b, prompt.ObjId, pred, err)
	if err != nil {
		return nil, err
	}

	s.prompts[prompt.ObjId] = Prompt{
		ObjId:     prompt.ObjId,
		Kind:      "points",
		FrameIdx:  prompt.FrameIdx,
		Points:    append([]datastructures.Point(nil), prompt.Points...),
		Labels:    append([]int(nil), prompt.Labels...),
		Box:       prompt.Box,
		Submitted: time.Now(),
	}
	return res, nil
}

func (s *Session) PredictFromMask(ctx context.Context, frameIdx int, objId int, mask *datastructures.Mask) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "Session.PredictFromMask", trace.WithAttributes(
		attribute.Int("frame_idx", frameIdx), attribute.Int("obj_id", objId)))
	res, err := s.predictFromMask(ctx, frameIdx, objId, mask)
	metrics.PredictionsTotal.WithLabelValues("mask", resultLabel(err)).Inc()
	endSpan(span, err)
	return res, err
}

func (s *Session) predictFromMask(ctx context.Context, frameIdx int, objId int, mask *datastructures.Mask) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireReady(); err != nil {
		return nil, err
	}
	b := s.bound.Load()
	if err := validateTarget(b, frameIdx, objId); err != nil {
		return nil, err
	}
	if mask == nil {
		return nil, commons.Errorf(commons.ValidationError, "mask is missing")
	}
	if !mask.SameShape(b.Width, b.Height) {
		return nil, commons.Errorf(commons.DimensionMismatchError, "mask is %dx%d, frames are %dx%d", mask.Width, mask.Height, b.Width, b.Height)
	}

	s.state.store(Predicting)
	defer s.state.store(Ready)

	pred, err := s.model.AddNewMask(ctx, s.handle, frameIdx, objId, mask)
	res, err := collect(b, objId, pred, err)
	if err != nil {
		return nil, err
	}

	s.prompts[objId] = Prompt{ObjId: objId, Kind: "mask", FrameIdx: frameIdx, Mask: mask.Clone(), Submitted: time.Now()}
	return res, nil
}

// Propagate runs the model's propagation over the whole video. Masks
// are kept in the order the model emits them; a repeated (object,
// frame) emission replaces the earlier mask.
func (s *Session) Propagate(ctx context.Context) (*datastructures.VideoSegments, error) {
	ctx, span := s.tracer.Start(ctx, "Session.Propagate")
	segments, err := s.propagate(ctx)
	if segments != nil {
		span.SetAttributes(attribute.Int("masks", segments.Len()))
	}
	endSpan(span, err)
	return segments, err
}

func (s *Session) propagate(ctx context.Context) (*datastructures.VideoSegments, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireReady(); err != nil {
		return nil, err
	}
	b := s.bound.Load()

	s.state.store(Propagating)
	defer s.state.store(Ready)
	start := time.Now()

	stream, err := s.model.PropagateInVideo(ctx, s.handle)
	if err != nil {
		return nil, commons.Wrap(commons.PredictionError, err, "segmentation model couldn't start propagation")
	}
	defer stream.Close()

	segments := datastructures.NewVideoSegments()
	emitted := 0
	for {
		p, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, commons.Wrap(commons.PredictionError, err, "propagation failed")
		}
		emitted++
		if p.FrameIdx < 0 || p.FrameIdx >= len(b.Frames) {
			return nil, commons.Errorf(commons.PredictionError, "propagation emitted frame %d, video has %d frames", p.FrameIdx, len(b.Frames))
		}
		if len(p.ObjIds) != len(p.Masks) {
			return nil, commons.Errorf(commons.PredictionError, "propagation emitted %d object ids but %d masks for frame %d", len(p.ObjIds), len(p.Masks), p.FrameIdx)
		}
		for i, objId := range p.ObjIds {
			l := p.Masks[i]
			if l == nil || l.Width != b.Width || l.Height != b.Height {
				return nil, commons.Errorf(commons.DimensionMismatchError, "propagated mask for object %d on frame %d doesn't match the %dx%d frames", objId, p.FrameIdx, b.Width, b.Height)
			}
			segments.Add(objId, p.FrameIdx, l.Binarize())
		}
	}

	metrics.ObserveStage("propagate", start)
	metrics.MasksPropagatedTotal.Add(float64(segments.Len()))
	log.WithFields(log.Fields{"emitted": emitted, "masks": segments.Len(), "objects": len(segments.Objects())}).Debug("[Session] Propagation finished")
	return segments, nil
}

// Dimensions reports the frame size of the bound video.
func (s *Session) Dimensions() (int, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.bound.Load()
	if b == nil {
		return 0, 0, false
	}
	return b.Width, b.Height, true
}

// Prompts returns the latest prompt of every object, ordered by object id.
func (s *Session) Prompts() []Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Prompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjId < out[j].ObjId })
	return out
}

func (s *Session) Status() datastructures.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := datastructures.SessionInfo{State: s.state.load().String(), Prompts: []datastructures.PromptInfo{}}
	if b := s.bound.Load(); b != nil {
		info.Folder = b.Folder
		info.FrameCount = len(b.Frames)
		info.VideoWidth = b.Width
		info.VideoHeight = b.Height
	}
	if s.initErr != nil {
		info.InitError = s.initErr.Error()
	}
	ids := make([]int, 0, len(s.prompts))
	for id := range s.prompts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		p := s.prompts[id]
		pi := datastructures.PromptInfo{ObjId: id, Kind: p.Kind, FrameIdx: p.FrameIdx, Points: len(p.Points), Submitted: p.Submitted}
		if p.Mask != nil {
			pi.MaskArea = p.Mask.Area()
		}
		info.Prompts = append(info.Prompts, pi)
	}
	return info
}

func validateTarget(b *Binding, frameIdx int, objId int) error {
	if frameIdx < 0 || frameIdx >= len(b.Frames) {
		return commons.Errorf(commons.ValidationError, "frame_idx %d is out of range [0, %d)", frameIdx, len(b.Frames))
	}
	if objId < 1 {
		return commons.Errorf(commons.ValidationError, "object id must be a positive integer, got %d", objId)
	}
	return nil
}

func validatePoints(b *Binding, p predict.PointsPrompt) error {
	if err := validateTarget(b, p.FrameIdx, p.ObjId); err != nil {
		return err
	}
	if len(p.Points) == 0 {
		return commons.Errorf(commons.ValidationError, "points must not be empty")
	}
	if len(p.Points) != len(p.Labels) {
		return commons.Errorf(commons.ValidationError, "got %d points but %d labels", len(p.Points), len(p.Labels))
	}
	w, h := float64(b.Width), float64(b.Height)
	for i, pt := range p.Points {
		if p.Labels[i] != predict.LabelBackground && p.Labels[i] != predict.LabelForeground {
			return commons.Errorf(commons.ValidationError, "label %d of point %d must be 0 (background) or 1 (foreground)", p.Labels[i], i)
		}
		if !inside(pt.X, w) || !inside(pt.Y, h) {
			return commons.Errorf(commons.ValidationError, "point %d (%v, %v) is outside the %dx%d frame", i, pt.X, pt.Y, b.Width, b.Height)
		}
	}
	if p.Box != nil {
		x0, y0, x1, y1 := p.Box[0], p.Box[1], p.Box[2], p.Box[3]
		if !inside(x0, w) || !inside(x1, w) || !inside(y0, h) || !inside(y1, h) || x0 >= x1 || y0 >= y1 {
			return commons.Errorf(commons.ValidationError, "box %v is not a valid box inside the %dx%d frame", *p.Box, b.Width, b.Height)
		}
	}
	return nil
}

func inside(v float64, limit float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= limit
}

// collect converts a prediction into masks at the bound resolution. A
// prediction that doesn't cover objId is an error so the prompt isn't
// recorded.
func collect(b *Binding, objId int, pred *predict.Prediction, err error) (*Result, error) {
	if err != nil {
		return nil, commons.Wrap(commons.PredictionError, err, "segmentation model couldn't predict a mask")
	}
	if pred == nil || len(pred.ObjIds) == 0 || len(pred.Masks) == 0 {
		return nil, commons.Errorf(commons.PredictionError, "segmentation model returned no result")
	}
	if len(pred.ObjIds) != len(pred.Masks) {
		return nil, commons.Errorf(commons.PredictionError, "segmentation model returned %d object ids but %d masks", len(pred.ObjIds), len(pred.Masks))
	}

	res := &Result{FrameIdx: pred.FrameIdx, ObjIds: append([]int(nil), pred.ObjIds...), Masks: make([]*datastructures.Mask, len(pred.Masks))}
	for i, l := range pred.Masks {
		if l == nil {
			return nil, commons.Errorf(commons.PredictionError, "segmentation model returned no mask for object %d", pred.ObjIds[i])
		}
		if l.Width != b.Width || l.Height != b.Height {
			return nil, commons.Errorf(commons.DimensionMismatchError, "predicted mask is %dx%d, frames are %dx%d", l.Width, l.Height, b.Width, b.Height)
		}
		res.Masks[i] = l.Binarize()
	}
	if _, found := res.MaskFor(objId); !found {
		return nil, commons.Errorf(commons.PredictionError, "segmentation model returned no mask for object %d, got objects %v", objId, pred.ObjIds)
	}
	return res, nil
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(commons.KindOf(err))
}

func observeState(s State) {
	metrics.SessionState.Set(float64(s))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
