package frames

import (
	"context"
	"image/color"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/Devanish31/Annot/src/commons"
	"github.com/disintegration/imaging"
)

func requireFFmpeg(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
}

func writeFrame(t *testing.T, path string, w int, h int) {
	img := imaging.New(w, h, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	ok(t, imaging.Save(img, path))
}

// makeVideo encodes a synthetic test pattern with exactly n frames.
func makeVideo(t *testing.T, path string, n int, size string) {
	cmd := exec.Command("ffmpeg", "-nostdin", "-v", "error", "-y",
		"-f", "lavfi", "-i", "testsrc=size="+size+":rate=10",
		"-frames:v", strconv.Itoa(n), "-c:v", "mpeg4", "-pix_fmt", "yuv420p", path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("couldn't create test video: %v (%s)", err, out)
	}
}

func TestListOrdersByIndex(t *testing.T) {
	dir := t.TempDir()
	writeFrame(t, filepath.Join(dir, "00002.jpg"), 64, 48)
	writeFrame(t, filepath.Join(dir, "00000.jpg"), 64, 48)
	writeFrame(t, filepath.Join(dir, "00001.jpg"), 64, 48)
	ok(t, os.WriteFile(filepath.Join(dir, "annotated_video.mp4"), []byte("not a frame"), 0644))

	frames, err := List(dir)
	ok(t, err)
	equals(t, len(frames), 3)
	for i, f := range frames {
		equals(t, f.Index, i)
		equals(t, f.Width, 64)
		equals(t, f.Height, 48)
	}
	equals(t, frames[0].Name(), "00000.jpg")
	equals(t, frames[2].Name(), "00002.jpg")
}

func TestListRejectsGaps(t *testing.T) {
	dir := t.TempDir()
	writeFrame(t, filepath.Join(dir, "00000.jpg"), 8, 8)
	writeFrame(t, filepath.Join(dir, "00002.jpg"), 8, 8)

	_, err := List(dir)
	notEquals(t, err, nil)
}

func TestListEmptyFolder(t *testing.T) {
	frames, err := List(t.TempDir())
	ok(t, err)
	equals(t, len(frames), 0)
}

func TestFolderForUsesBaseName(t *testing.T) {
	equals(t, FolderFor("/data/frames", "/data/uploads/surgery_1a2b.mp4"), "/data/frames/surgery_1a2b")
}

func TestExtractMissingVideo(t *testing.T) {
	_, _, err := NewExtractor("ffmpeg").Extract(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"), t.TempDir())
	equals(t, commons.KindOf(err), commons.ExtractionError)
}

func TestExtractUndecodableVideo(t *testing.T) {
	requireFFmpeg(t)

	path := filepath.Join(t.TempDir(), "broken.mp4")
	ok(t, os.WriteFile(path, []byte("this is not a video container"), 0644))

	_, _, err := NewExtractor("ffmpeg").Extract(context.Background(), path, t.TempDir())
	equals(t, commons.KindOf(err), commons.ExtractionError)
}

func TestExtractThreeFrames(t *testing.T) {
	requireFFmpeg(t)

	video := filepath.Join(t.TempDir(), "clip.mp4")
	makeVideo(t, video, 3, "64x48")

	framesDir := t.TempDir()
	folder, frames, err := NewExtractor("ffmpeg").Extract(context.Background(), video, framesDir)
	ok(t, err)
	equals(t, folder, filepath.Join(framesDir, "clip"))
	equals(t, len(frames), 3)

	names := []string{}
	for i, f := range frames {
		equals(t, f.Index, i)
		equals(t, f.Width, 64)
		equals(t, f.Height, 48)
		names = append(names, f.Name())
	}
	equals(t, names, []string{"00000.jpg", "00001.jpg", "00002.jpg"})
}

func TestExtractReplacesStaleFrames(t *testing.T) {
	requireFFmpeg(t)

	video := filepath.Join(t.TempDir(), "clip.mp4")
	makeVideo(t, video, 2, "32x32")

	framesDir := t.TempDir()
	stale := filepath.Join(framesDir, "clip")
	ok(t, os.MkdirAll(stale, 0755))
	for _, name := range []string{"00000.jpg", "00001.jpg", "00002.jpg", "00003.jpg"} {
		writeFrame(t, filepath.Join(stale, name), 8, 8)
	}

	_, frames, err := NewExtractor("ffmpeg").Extract(context.Background(), video, framesDir)
	ok(t, err)
	equals(t, len(frames), 2)
	equals(t, frames[0].Width, 32)
}
