package video

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/Devanish31/Annot/src/commons"
	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
)

// Source is one position of the output video.
type Source interface {
	Name() string
	Load() (image.Image, error)
}

type FileSource string

func (f FileSource) Name() string {
	return filepath.Base(string(f))
}

func (f FileSource) Load() (image.Image, error) {
	return imaging.Open(string(f))
}

type SkippedFrame struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type Summary struct {
	Output  string         `json:"output"`
	Written int            `json:"written"`
	Skipped []SkippedFrame `json:"skipped"`
	Width   int            `json:"width"`
	Height  int            `json:"height"`
	Fps     float64        `json:"fps"`
}

// FrameWriter receives the frames of one output video.
type FrameWriter interface {
	WriteFrame(img *image.NRGBA) error
	Close() error
}

// EncoderFunc opens a FrameWriter for a video of the given size.
type EncoderFunc func(ctx context.Context, output string, width int, height int, fps float64) (FrameWriter, error)

type Assembler struct {
	newEncoder EncoderFunc
}

type Option func(*Assembler)

// WithEncoder replaces the ffmpeg encoder.
func WithEncoder(f EncoderFunc) Option {
	return func(a *Assembler) {
		a.newEncoder = f
	}
}

func NewAssembler(ffmpegPath string, opts ...Option) *Assembler {
	a := &Assembler{newEncoder: FFmpegEncoder(ffmpegPath)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble writes sources, in order, into one video at outputPath.
// The first readable source sets the video size. Sources that can't be
// loaded are skipped and listed in the summary; a source of a different
// size aborts the assembly.
func (a *Assembler) Assemble(ctx context.Context, sources []Source, fps float64, outputPath string) (*Summary, error) {
	if len(sources) == 0 {
		return nil, commons.Errorf(commons.ValidationError, "no frames to assemble")
	}
	if fps <= 0 {
		return nil, commons.Errorf(commons.ValidationError, "fps must be positive, got %v", fps)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return nil, commons.Wrap(commons.EncodingError, err, "couldn't create output directory")
	}
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, commons.Wrap(commons.EncodingError, err, "couldn't open output for writing")
	}
	f.Close()

	summary := &Summary{Output: outputPath, Fps: fps, Skipped: []SkippedFrame{}}
	var writer FrameWriter
	abort := func(err error) (*Summary, error) {
		if writer != nil {
			writer.Close()
		}
		os.Remove(outputPath)
		return nil, err
	}

	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			return abort(commons.Wrap(commons.EncodingError, err, "assembly cancelled"))
		}

		img, err := src.Load()
		if err != nil {
			if commons.IsKind(err, commons.DimensionMismatchError) {
				return abort(err)
			}
			log.WithFields(log.Fields{"frame": src.Name(), "index": i}).Error("[Assembling] Couldn't read frame, skipping: ", err.Error())
			summary.Skipped = append(summary.Skipped, SkippedFrame{Index: i, Name: src.Name(), Reason: err.Error()})
			continue
		}

		w, h := img.Bounds().Dx(), img.Bounds().Dy()
		if writer == nil {
			writer, err = a.newEncoder(ctx, outputPath, w, h, fps)
			if err != nil {
				return abort(commons.Wrap(commons.EncodingError, err, "couldn't start encoder"))
			}
			summary.Width, summary.Height = w, h
		} else if w != summary.Width || h != summary.Height {
			return abort(commons.Errorf(commons.DimensionMismatchError,
				"frame %s is %dx%d, video is %dx%d", src.Name(), w, h, summary.Width, summary.Height))
		}

		if err := writer.WriteFrame(imaging.Clone(img)); err != nil {
			return abort(commons.Wrap(commons.EncodingError, err, fmt.Sprintf("couldn't encode frame %s", src.Name())))
		}
		summary.Written++
	}

	if writer == nil {
		return abort(commons.Errorf(commons.EncodingError, "none of the %d frames could be read", len(sources)))
	}
	if err := writer.Close(); err != nil {
		writer = nil
		return abort(commons.Wrap(commons.EncodingError, err, "couldn't finish video"))
	}

	log.WithFields(log.Fields{"output": outputPath, "written": summary.Written, "skipped": len(summary.Skipped)}).Debug("[Assembling] Video written")
	return summary, nil
}
