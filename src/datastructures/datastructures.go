package datastructures

import "time"

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type LabeledPoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label int     `json:"label"`
}

// Box is [x0, y0, x1, y1] in pixel coordinates.
type Box [4]float64

type PredictMaskRequest struct {
	ObjectId int            `json:"object_id"`
	FrameIdx *int           `json:"frame_idx"`
	Points   []LabeledPoint `json:"points"`
	Box      *Box           `json:"box,omitempty"`
}

type PredictMaskFromMaskRequest struct {
	FrameIdx *int  `json:"frame_idx"`
	ObjId    int   `json:"obj_id"`
	Mask     *Mask `json:"mask"`
}

type PredictMaskResult struct {
	OutObjIds  []int  `json:"out_obj_ids"`
	FrameIdx   int    `json:"frame_idx"`
	BinaryMask *Mask  `json:"binary_mask"`
	OverlayUrl string `json:"overlay_url,omitempty"`
}

type SegmentEntry struct {
	ObjId      int   `json:"obj_id"`
	FrameIdx   int   `json:"frame_idx"`
	BinaryMask *Mask `json:"binary_mask"`
}

type PropagationResult struct {
	Message                string         `json:"message"`
	BinaryMaskPerFrameList []SegmentEntry `json:"binary_mask_per_frame_list"`
}

type UploadResult struct {
	Message     string   `json:"message"`
	Frames      []string `json:"frames"`
	FrameCount  int      `json:"frame_count"`
	VideoWidth  int      `json:"video_width"`
	VideoHeight int      `json:"video_height"`
}

type VideoInfo struct {
	VideoHeight int `json:"video_height"`
	VideoWidth  int `json:"video_width"`
}

type ResetRequest struct {
	Reinitialize *bool `json:"reinitialize"`
}

type DownloadVideoRequest struct {
	MasksByObjectAndFrame map[string]map[string]*Mask `json:"masksByObjectAndFrame"`
	Fps                   float64                     `json:"fps"`
	UseLatestPropagation  bool                        `json:"useLatestPropagation"`
}

type MaskPolygonsRequest struct {
	Mask        *Mask   `json:"mask"`
	Tolerance   float64 `json:"tolerance"`
	HighQuality bool    `json:"high_quality"`
	MinPixels   int     `json:"min_pixels"`
}

type MaskPolygonsResult struct {
	Polygons [][]Point `json:"polygons"`
}

type PromptInfo struct {
	ObjId     int       `json:"obj_id"`
	Kind      string    `json:"kind"`
	FrameIdx  int       `json:"frame_idx"`
	Points    int       `json:"points,omitempty"`
	MaskArea  int       `json:"mask_area,omitempty"`
	Submitted time.Time `json:"submitted"`
}

type SessionInfo struct {
	State       string       `json:"state"`
	Folder      string       `json:"folder,omitempty"`
	FrameCount  int          `json:"frame_count"`
	VideoWidth  int          `json:"video_width,omitempty"`
	VideoHeight int          `json:"video_height,omitempty"`
	InitError   string       `json:"init_error,omitempty"`
	Prompts     []PromptInfo `json:"prompts"`
}
