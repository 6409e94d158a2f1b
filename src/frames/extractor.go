package frames

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Devanish31/Annot/src/commons"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// NamePattern is the ffmpeg output pattern of extracted frames. Five
// zero padded digits keep lexicographic order equal to temporal order.
const NamePattern = "%05d.jpg"

var frameName = regexp.MustCompile(`^([0-9]+)\.(?i:jpe?g)$`)

type Frame struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (f Frame) Name() string {
	return filepath.Base(f.Path)
}

type Extractor struct {
	ffmpegPath string
}

func NewExtractor(ffmpegPath string) *Extractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Extractor{ffmpegPath: ffmpegPath}
}

// FolderFor returns the frame folder of a video: a directory below
// framesDir named after the video's base name without extension.
func FolderFor(framesDir string, videoPath string) string {
	base := filepath.Base(videoPath)
	return filepath.Join(framesDir, strings.TrimSuffix(base, filepath.Ext(base)))
}

// Extract decodes every frame of videoPath into its own folder below
// framesDir and returns the folder together with the frames in order.
// A video without any decodable frame yields an empty slice.
func (e *Extractor) Extract(ctx context.Context, videoPath string, framesDir string) (string, []Frame, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return "", nil, commons.Wrap(commons.ExtractionError, err, "couldn't open video")
	}

	folder := FolderFor(framesDir, videoPath)
	if err := os.RemoveAll(folder); err != nil {
		return "", nil, commons.Wrap(commons.ExtractionError, err, "couldn't clear frame folder")
	}
	if err := os.MkdirAll(folder, 0755); err != nil {
		return "", nil, commons.Wrap(commons.ExtractionError, err, "couldn't create frame folder")
	}

	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-nostdin",
		"-v", "error",
		"-i", videoPath,
		"-vsync", "0",
		"-start_number", "0",
		"-q:v", "2",
		"-y",
		filepath.Join(folder, NamePattern),
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", nil, commons.Wrap(commons.ExtractionError, err, fmt.Sprintf("ffmpeg couldn't decode %s (%s)", filepath.Base(videoPath), tail(output)))
	}

	frames, err := List(folder)
	if err != nil {
		return "", nil, commons.Wrap(commons.ExtractionError, err, "couldn't read extracted frames")
	}

	log.WithFields(log.Fields{"video": videoPath, "folder": folder, "frames": len(frames)}).Debug("[Extracting] Extracted frames")
	return folder, frames, nil
}

// List returns the frames stored in folder ordered by index. The
// indices have to be contiguous from 0.
func List(folder string) ([]Frame, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, err
	}

	var frames []Frame
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := frameName.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		frames = append(frames, Frame{Index: idx, Path: filepath.Join(folder, entry.Name())})
	}

	sort.Slice(frames, func(i, j int) bool { return frames[i].Index < frames[j].Index })
	for i := range frames {
		if frames[i].Index != i {
			return nil, errors.Errorf("frame sequence in %s is not contiguous: expected index %d, found %s", folder, i, frames[i].Name())
		}
		w, h, err := dimensions(frames[i].Path)
		if err != nil {
			return nil, errors.Wrapf(err, "couldn't read frame %s", frames[i].Name())
		}
		frames[i].Width = w
		frames[i].Height = h
	}
	return frames, nil
}

func dimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

func tail(output []byte) string {
	s := strings.TrimSpace(string(output))
	if len(s) > 300 {
		s = "..." + s[len(s)-300:]
	}
	if s == "" {
		s = "no output"
	}
	return s
}
