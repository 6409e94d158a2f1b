// Package render produces the annotated video: every frame gets the
// masks of its objects blended on, then the frames are encoded in order.
package render

import (
	"context"
	"image"
	"sort"
	"time"

	"github.com/Devanish31/Annot/src/commons"
	"github.com/Devanish31/Annot/src/datastructures"
	"github.com/Devanish31/Annot/src/frames"
	"github.com/Devanish31/Annot/src/metrics"
	"github.com/Devanish31/Annot/src/overlay"
	"github.com/Devanish31/Annot/src/video"
	log "github.com/sirupsen/logrus"
)

type Renderer struct {
	assembler *video.Assembler
	workers   int
}

func NewRenderer(assembler *video.Assembler, workers int) *Renderer {
	if workers < 1 {
		workers = 1
	}
	return &Renderer{assembler: assembler, workers: workers}
}

// renderedSource hands a composited frame to the assembler once its
// job is done.
type renderedSource struct {
	name   string
	result *pending
	slots  <-chan struct{}
	quit   <-chan struct{}
}

func (s *renderedSource) Name() string {
	return s.name
}

func (s *renderedSource) Load() (image.Image, error) {
	select {
	case <-s.result.done:
	case <-s.quit:
		return nil, commons.Errorf(commons.EncodingError, "rendering stopped before %s was composited", s.name)
	}
	<-s.slots
	if s.result.err != nil {
		return nil, s.result.err
	}
	return s.result.img, nil
}

// Render writes frameList into outputPath with masks (object id ->
// frame index -> mask) blended on. Objects are drawn in ascending id
// order; frames without masks are copied unchanged.
func (r *Renderer) Render(ctx context.Context, frameList []frames.Frame, masks map[int]map[int]*datastructures.Mask, fps float64, outputPath string) (*video.Summary, error) {
	if len(frameList) == 0 {
		return nil, commons.Errorf(commons.ValidationError, "no frames to render")
	}
	objIds, err := validate(masks, len(frameList))
	if err != nil {
		return nil, err
	}
	start := time.Now()

	jobQueue := make(chan Job)
	dispatcher := NewDispatcher(jobQueue, r.workers)
	dispatcher.run()
	defer dispatcher.stop()

	slots := make(chan struct{}, 2*r.workers)
	sources := make([]video.Source, len(frameList))
	var jobs []Job
	for i, f := range frameList {
		var layers []overlay.Layer
		for _, id := range objIds {
			if m, found := masks[id][i]; found {
				layers = append(layers, overlay.Layer{ObjId: id, Mask: m})
			}
		}
		if len(layers) == 0 {
			sources[i] = video.FileSource(f.Path)
			continue
		}
		job := Job{Index: i, Path: f.Path, Layers: layers, result: newPending()}
		jobs = append(jobs, job)
		sources[i] = &renderedSource{name: f.Name(), result: job.result, slots: slots, quit: dispatcher.quit}
	}

	go func() {
		for _, job := range jobs {
			select {
			case slots <- struct{}{}:
			case <-dispatcher.quit:
				return
			}
			select {
			case jobQueue <- job:
			case <-dispatcher.quit:
				return
			}
		}
	}()

	summary, err := r.assembler.Assemble(ctx, sources, fps, outputPath)
	if err != nil {
		return nil, err
	}

	metrics.ObserveStage("render", start)
	metrics.FramesAssembledTotal.Add(float64(summary.Written))
	metrics.FramesSkippedTotal.Add(float64(len(summary.Skipped)))
	log.WithFields(log.Fields{
		"output":    outputPath,
		"written":   summary.Written,
		"skipped":   len(summary.Skipped),
		"composite": len(jobs),
	}).Debug("[Rendering] Annotated video written")
	return summary, nil
}

func validate(masks map[int]map[int]*datastructures.Mask, frameCount int) ([]int, error) {
	ids := make([]int, 0, len(masks))
	for id, byFrame := range masks {
		if id < 1 {
			return nil, commons.Errorf(commons.ValidationError, "object id must be a positive integer, got %d", id)
		}
		for idx, m := range byFrame {
			if idx < 0 || idx >= frameCount {
				return nil, commons.Errorf(commons.ValidationError, "mask of object %d refers to frame %d, video has %d frames", id, idx, frameCount)
			}
			if m == nil {
				return nil, commons.Errorf(commons.ValidationError, "mask of object %d on frame %d is empty", id, idx)
			}
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}
