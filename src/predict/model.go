package predict

import (
	"context"

	"github.com/Devanish31/Annot/src/datastructures"
)

// StateHandle identifies the model's working memory for one frame folder.
type StateHandle string

// SegmentationModel is the video segmentation model. Calls against one
// handle must not overlap.
type SegmentationModel interface {
	InitState(ctx context.Context, framesPath string) (StateHandle, error)
	ResetState(ctx context.Context, state StateHandle) error
	AddNewPointsOrBox(ctx context.Context, state StateHandle, prompt PointsPrompt) (*Prediction, error)
	AddNewMask(ctx context.Context, state StateHandle, frameIdx int, objId int, mask *datastructures.Mask) (*Prediction, error)
	PropagateInVideo(ctx context.Context, state StateHandle) (Propagation, error)
}

// Labels of prompt points.
const (
	LabelBackground = 0
	LabelForeground = 1
)

type PointsPrompt struct {
	FrameIdx int
	ObjId    int
	Points   []datastructures.Point
	Labels   []int
	Box      *datastructures.Box
}

// Prediction is what the model returns for one frame: one logit
// tensor per object id, in the same order.
type Prediction struct {
	FrameIdx int
	ObjIds   []int
	Masks    []*Logits
}

// Propagation yields the predictions of a propagation run. Next returns
// io.EOF once the run is finished. A propagation can't be restarted.
type Propagation interface {
	Next() (*Prediction, error)
	Close() error
}
