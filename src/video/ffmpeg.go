package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Codec of the annotated videos. mpeg4 ships with every ffmpeg build.
const Codec = "mpeg4"

type ffmpegWriter struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	row    []byte
}

// FFmpegEncoder pipes raw RGB frames into an ffmpeg process.
func FFmpegEncoder(ffmpegPath string) EncoderFunc {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return func(ctx context.Context, output string, width int, height int, fps float64) (FrameWriter, error) {
		rate := strconv.FormatFloat(fps, 'f', -1, 64)
		cmd := exec.CommandContext(ctx, ffmpegPath,
			"-nostdin",
			"-v", "error",
			"-y",
			"-f", "rawvideo",
			"-pix_fmt", "rgb24",
			"-s", fmt.Sprintf("%dx%d", width, height),
			"-r", rate,
			"-i", "-",
			"-an",
			"-c:v", Codec,
			"-q:v", "2",
			"-pix_fmt", "yuv420p",
			"-r", rate,
			output,
		)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stderr := &bytes.Buffer{}
		cmd.Stderr = stderr
		if err := cmd.Start(); err != nil {
			return nil, errors.Wrap(err, "couldn't start ffmpeg")
		}
		return &ffmpegWriter{cmd: cmd, stdin: stdin, stderr: stderr, row: make([]byte, width*3)}, nil
	}
}

func (w *ffmpegWriter) WriteFrame(img *image.NRGBA) error {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		src := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			copy(w.row[x*3:x*3+3], src[x*4:x*4+3])
		}
		if _, err := w.stdin.Write(w.row); err != nil {
			return errors.Wrap(err, w.failure())
		}
	}
	return nil
}

func (w *ffmpegWriter) Close() error {
	w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		return errors.Wrap(err, w.failure())
	}
	return nil
}

func (w *ffmpegWriter) failure() string {
	msg := strings.TrimSpace(w.stderr.String())
	if msg == "" {
		return "ffmpeg failed"
	}
	return "ffmpeg failed: " + msg
}

type Info struct {
	Frames int     `json:"frames"`
	Fps    float64 `json:"fps"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		NbReadFrames string `json:"nb_read_frames"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

// Probe decodes the first video stream of path with ffprobe and reports
// the number of frames it contains, its frame rate and size.
func Probe(ctx context.Context, ffprobePath string, path string) (*Info, error) {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_frames",
		"-show_entries", "stream=width,height,nb_read_frames,r_frame_rate",
		"-of", "json",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, "ffprobe")
	}

	var out probeOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return nil, errors.Wrap(err, "parse ffprobe output")
	}
	if len(out.Streams) == 0 {
		return nil, errors.New("no video stream in " + path)
	}

	s := out.Streams[0]
	info := &Info{Width: s.Width, Height: s.Height}
	if info.Frames, err = strconv.Atoi(s.NbReadFrames); err != nil {
		return nil, errors.Wrap(err, "parse frame count")
	}
	if info.Fps, err = parseRate(s.RFrameRate); err != nil {
		return nil, err
	}
	return info, nil
}

func parseRate(rate string) (float64, error) {
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse frame rate "+rate)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, errors.Errorf("invalid frame rate %s", rate)
	}
	return n / d, nil
}
