package predict

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/Devanish31/Annot/src/datastructures"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type initStateRequest struct {
	FramesPath string `json:"frames_path"`
}

type initStateResponse struct {
	StateId string `json:"state_id"`
}

type stateRequest struct {
	StateId string `json:"state_id"`
}

type pointsRequest struct {
	StateId  string       `json:"state_id"`
	FrameIdx int          `json:"frame_idx"`
	ObjId    int          `json:"obj_id"`
	Points   [][2]float64 `json:"points"`
	Labels   []int        `json:"labels"`
	Box      *[4]float64  `json:"box"`
}

type maskRequest struct {
	StateId  string `json:"state_id"`
	FrameIdx int    `json:"frame_idx"`
	ObjId    int    `json:"obj_id"`
	Mask     Tensor `json:"mask"`
}

// PredictionMessage is the model server's answer for one frame.
type PredictionMessage struct {
	FrameIdx int      `json:"frame_idx"`
	ObjIds   []int    `json:"obj_ids"`
	Masks    []Tensor `json:"masks"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client talks to a segmentation model server over HTTP.
type Client struct {
	client *resty.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	return &Client{client: c}
}

func (c *Client) post(ctx context.Context, path string, body interface{}, result interface{}) error {
	var serverErr errorResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		SetError(&serverErr).
		Post(path)
	if err != nil {
		return errors.Wrap(err, "couldn't reach segmentation model")
	}
	if resp.IsError() {
		if serverErr.Error == "" {
			serverErr.Error = resp.String()
		}
		return errors.Errorf("segmentation model answered %d on %s: %s", resp.StatusCode(), path, serverErr.Error)
	}
	return nil
}

func (c *Client) InitState(ctx context.Context, framesPath string) (StateHandle, error) {
	var res initStateResponse
	if err := c.post(ctx, "/init_state", initStateRequest{FramesPath: framesPath}, &res); err != nil {
		return "", err
	}
	if res.StateId == "" {
		return "", errors.New("segmentation model returned an empty state id")
	}
	log.Debug("[Model] Initialized state ", res.StateId, " for ", framesPath)
	return StateHandle(res.StateId), nil
}

func (c *Client) ResetState(ctx context.Context, state StateHandle) error {
	var res struct{}
	return c.post(ctx, "/reset_state", stateRequest{StateId: string(state)}, &res)
}

func (c *Client) AddNewPointsOrBox(ctx context.Context, state StateHandle, prompt PointsPrompt) (*Prediction, error) {
	req := pointsRequest{
		StateId:  string(state),
		FrameIdx: prompt.FrameIdx,
		ObjId:    prompt.ObjId,
		Points:   make([][2]float64, len(prompt.Points)),
		Labels:   prompt.Labels,
	}
	for i, p := range prompt.Points {
		req.Points[i] = [2]float64{p.X, p.Y}
	}
	if prompt.Box != nil {
		box := [4]float64(*prompt.Box)
		req.Box = &box
	}

	var res PredictionMessage
	if err := c.post(ctx, "/add_new_points_or_box", req, &res); err != nil {
		return nil, err
	}
	return res.Prediction()
}

func (c *Client) AddNewMask(ctx context.Context, state StateHandle, frameIdx int, objId int, mask *datastructures.Mask) (*Prediction, error) {
	req := maskRequest{StateId: string(state), FrameIdx: frameIdx, ObjId: objId, Mask: EncodeMask(mask)}

	var res PredictionMessage
	if err := c.post(ctx, "/add_new_mask", req, &res); err != nil {
		return nil, err
	}
	return res.Prediction()
}

// PropagateInVideo starts a propagation run. The server streams one
// JSON prediction per frame; they are decoded as Next is called.
func (c *Client) PropagateInVideo(ctx context.Context, state StateHandle) (Propagation, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(stateRequest{StateId: string(state)}).
		SetDoNotParseResponse(true).
		Post("/propagate_in_video")
	if err != nil {
		return nil, errors.Wrap(err, "couldn't reach segmentation model")
	}

	body := resp.RawBody()
	if resp.IsError() {
		defer body.Close()
		var serverErr errorResponse
		if err := json.NewDecoder(body).Decode(&serverErr); err != nil || serverErr.Error == "" {
			serverErr.Error = resp.Status()
		}
		return nil, errors.Errorf("segmentation model answered %d on /propagate_in_video: %s", resp.StatusCode(), serverErr.Error)
	}
	return &streamPropagation{body: body, decoder: json.NewDecoder(body)}, nil
}

type streamPropagation struct {
	body    io.ReadCloser
	decoder *json.Decoder
	done    bool
}

func (s *streamPropagation) Next() (*Prediction, error) {
	if s.done {
		return nil, io.EOF
	}
	var msg PredictionMessage
	if err := s.decoder.Decode(&msg); err != nil {
		s.done = true
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "couldn't read propagation stream")
	}
	return msg.Prediction()
}

func (s *streamPropagation) Close() error {
	s.done = true
	return s.body.Close()
}

// Prediction decodes the message's tensors.
func (m *PredictionMessage) Prediction() (*Prediction, error) {
	if len(m.ObjIds) != len(m.Masks) {
		return nil, errors.Errorf("frame %d: %d object ids but %d masks", m.FrameIdx, len(m.ObjIds), len(m.Masks))
	}
	p := &Prediction{FrameIdx: m.FrameIdx, ObjIds: m.ObjIds, Masks: make([]*Logits, len(m.Masks))}
	for i, t := range m.Masks {
		l, err := t.Decode()
		if err != nil {
			return nil, errors.Wrapf(err, "frame %d, object %d", m.FrameIdx, m.ObjIds[i])
		}
		p.Masks[i] = l
	}
	return p, nil
}

// NewPredictionMessage is the inverse of Prediction, used by servers
// speaking this protocol.
func NewPredictionMessage(p *Prediction) PredictionMessage {
	m := PredictionMessage{FrameIdx: p.FrameIdx, ObjIds: p.ObjIds, Masks: make([]Tensor, len(p.Masks))}
	for i, l := range p.Masks {
		m.Masks[i] = EncodeLogits(l)
	}
	return m
}
