package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Devanish31/Annot/src/commons"
	"github.com/Devanish31/Annot/src/contour"
	"github.com/Devanish31/Annot/src/datastructures"
	"github.com/Devanish31/Annot/src/metrics"
	"github.com/Devanish31/Annot/src/overlay"
	"github.com/Devanish31/Annot/src/predict"
	"github.com/Devanish31/Annot/src/session"
	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func (s *Server) upload(c *gin.Context) {
	if limit := s.opts.MaxUploadBytes; limit > 0 {
		if c.Request.ContentLength > limit {
			abortWithError(c, "Upload", commons.Errorf(commons.ValidationError, "Video exceeds the upload limit of %d bytes", limit))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}

	_, header, err := c.Request.FormFile("video")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortWithError(c, "Upload", commons.Errorf(commons.ValidationError, "Video exceeds the upload limit of %d bytes", tooLarge.Limit))
			return
		}
		abortWithError(c, "Upload", commons.Errorf(commons.ValidationError, "No video file provided"))
		return
	}

	id, err := uuid.NewV4()
	if err != nil {
		abortWithError(c, "Upload", err)
		return
	}
	filename := filepath.Base(header.Filename)
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	if base == "" || base == "." || base == ".." {
		base = "video"
	}
	videoPath := filepath.Join(s.opts.UploadsDir, fmt.Sprintf("%s_%s%s", base, id.String()[:8], ext))

	if err := c.SaveUploadedFile(header, videoPath); err != nil {
		abortWithError(c, "Upload", commons.Wrap(commons.ExtractionError, err, "couldn't store uploaded video"))
		return
	}

	folder, frameList, err := s.opts.Extractor.Extract(c.Request.Context(), videoPath, s.opts.FramesDir)
	if err != nil {
		abortWithError(c, "Upload", err)
		return
	}
	if len(frameList) == 0 {
		abortWithError(c, "Upload", commons.Errorf(commons.ExtractionError, "No frames extracted"))
		return
	}
	metrics.FramesExtractedTotal.Add(float64(len(frameList)))
	s.checkContainer(c, videoPath, len(frameList))

	if err := s.opts.Store.Delete(cacheKey(folder)); err != nil {
		log.Debug("[Upload] Couldn't drop cached propagation: ", err.Error())
	}
	superviseInit(folder, s.opts.Session.InitializeAsync(folder))

	base = s.baseURL(c)
	urls := make([]string, len(frameList))
	for i, f := range frameList {
		urls[i] = base + "/frames/" + f.Name()
	}

	log.WithFields(log.Fields{"video": videoPath, "frames": len(frameList)}).Debug("[Upload] Frames extracted")
	c.JSON(http.StatusOK, datastructures.UploadResult{
		Message:     "Video uploaded and frames extracted. Inference state is initializing in the background.",
		Frames:      urls,
		FrameCount:  len(frameList),
		VideoWidth:  frameList[0].Width,
		VideoHeight: frameList[0].Height,
	})
}

func (s *Server) checkContainer(c *gin.Context, videoPath string, extracted int) {
	if s.opts.Probe == nil {
		return
	}
	info, err := s.opts.Probe(c.Request.Context(), videoPath)
	if err != nil {
		log.Debug("[Upload] Couldn't probe video: ", err.Error())
		return
	}
	fields := log.Fields{"video": videoPath, "fps": info.Fps, "container_frames": info.Frames, "extracted": extracted}
	if info.Frames != extracted {
		log.WithFields(fields).Warn("[Upload] Extracted frame count differs from the container")
		return
	}
	log.WithFields(fields).Debug("[Upload] Video probed")
}

func (s *Server) frame(c *gin.Context) {
	b, bound := s.opts.Session.Binding()
	if !bound {
		abortWithError(c, "Frames", commons.Errorf(commons.NotFoundError, "No video has been uploaded"))
		return
	}
	serveFile(c, "Frames", b.Folder, c.Param("filename"))
}

func (s *Server) overlay(c *gin.Context) {
	serveFile(c, "Overlay", s.opts.OverlaysDir, c.Param("filename"))
}

func serveFile(c *gin.Context, component string, dir string, name string) {
	if !safeName(name) {
		abortWithError(c, component, commons.Errorf(commons.NotFoundError, "%s not found", name))
		return
	}
	path := filepath.Join(dir, name)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		abortWithError(c, component, commons.Errorf(commons.NotFoundError, "%s not found", name))
		return
	}
	c.File(path)
}

func (s *Server) predictMask(c *gin.Context) {
	var req datastructures.PredictMaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, "Predicting", commons.Wrap(commons.ValidationError, err, "Missing required parameters"))
		return
	}
	if req.FrameIdx == nil || len(req.Points) == 0 {
		abortWithError(c, "Predicting", commons.Errorf(commons.ValidationError, "Missing required parameters"))
		return
	}

	prompt := predict.PointsPrompt{FrameIdx: *req.FrameIdx, ObjId: req.ObjectId, Box: req.Box}
	for _, p := range req.Points {
		prompt.Points = append(prompt.Points, datastructures.Point{X: p.X, Y: p.Y})
		prompt.Labels = append(prompt.Labels, p.Label)
	}

	res, err := s.opts.Session.PredictFromPoints(c.Request.Context(), prompt)
	if err != nil {
		abortWithError(c, "Predicting", err)
		return
	}
	c.JSON(http.StatusOK, s.predictResult(c, res, req.ObjectId))
}

func (s *Server) predictMaskFromMask(c *gin.Context) {
	var req datastructures.PredictMaskFromMaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, "Predicting", commons.Wrap(commons.ValidationError, err, "Missing required parameters"))
		return
	}
	if req.FrameIdx == nil || req.Mask == nil {
		abortWithError(c, "Predicting", commons.Errorf(commons.ValidationError, "Missing required parameters"))
		return
	}

	res, err := s.opts.Session.PredictFromMask(c.Request.Context(), *req.FrameIdx, req.ObjId, req.Mask)
	if err != nil {
		abortWithError(c, "Predicting", err)
		return
	}
	c.JSON(http.StatusOK, s.predictResult(c, res, req.ObjId))
}

func (s *Server) predictResult(c *gin.Context, res *session.Result, objId int) datastructures.PredictMaskResult {
	mask, _ := res.MaskFor(objId)
	out := datastructures.PredictMaskResult{
		OutObjIds:  res.ObjIds,
		FrameIdx:   res.FrameIdx,
		BinaryMask: mask,
	}
	if name, err := s.renderOverlay(res); err != nil {
		log.Debug("[Predicting] Couldn't render overlay: ", err.Error())
	} else {
		out.OverlayUrl = s.baseURL(c) + "/overlay/" + name
	}
	return out
}

// renderOverlay draws the predicted masks onto their frame and returns
// the file name of the image below OverlaysDir.
func (s *Server) renderOverlay(res *session.Result) (string, error) {
	b, bound := s.opts.Session.Binding()
	if !bound || res.FrameIdx < 0 || res.FrameIdx >= len(b.Frames) {
		return "", commons.Errorf(commons.NotFoundError, "frame %d is not available", res.FrameIdx)
	}
	frame := b.Frames[res.FrameIdx]

	layers := make([]overlay.Layer, len(res.ObjIds))
	for i, id := range res.ObjIds {
		layers[i] = overlay.Layer{ObjId: id, Mask: res.Masks[i]}
	}
	sort.SliceStable(layers, func(i, j int) bool { return layers[i].ObjId < layers[j].ObjId })

	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.jpg", strings.TrimSuffix(frame.Name(), filepath.Ext(frame.Name())), id.String()[:8])
	if err := overlay.RenderFile(frame.Path, layers, filepath.Join(s.opts.OverlaysDir, name)); err != nil {
		return "", err
	}
	return name, nil
}

func (s *Server) propagateMasks(c *gin.Context) {
	segments, err := s.opts.Session.Propagate(c.Request.Context())
	if err != nil {
		abortWithError(c, "Propagating", err)
		return
	}

	entries := segments.Entries()
	if b, bound := s.opts.Session.Binding(); bound {
		if err := s.opts.Store.Set(cacheKey(b.Folder), entries, s.opts.ResultTTL); err != nil {
			log.Debug("[Propagating] Couldn't cache propagation result: ", err.Error())
		}
	}

	c.JSON(http.StatusOK, datastructures.PropagationResult{
		Message:                "Mask propagation completed",
		BinaryMaskPerFrameList: entries,
	})
}

func (s *Server) cachedPropagation() ([]datastructures.SegmentEntry, error) {
	b, bound := s.opts.Session.Binding()
	if !bound {
		return nil, commons.Errorf(commons.NotFoundError, "No video has been uploaded")
	}
	var entries []datastructures.SegmentEntry
	found, err := s.opts.Store.Get(cacheKey(b.Folder), &entries)
	if err != nil {
		return nil, commons.Wrap(commons.NotFoundError, err, "couldn't read cached propagation")
	}
	if !found {
		return nil, commons.Errorf(commons.NotFoundError, "No propagation result available")
	}
	return entries, nil
}

func (s *Server) latestPropagation(c *gin.Context) {
	entries, err := s.cachedPropagation()
	if err != nil {
		abortWithError(c, "Propagating", err)
		return
	}
	c.JSON(http.StatusOK, datastructures.PropagationResult{
		Message:                "Latest mask propagation",
		BinaryMaskPerFrameList: entries,
	})
}

func (s *Server) videoInfo(c *gin.Context) {
	w, h, bound := s.opts.Session.Dimensions()
	if !bound {
		abortWithError(c, "VideoInfo", commons.Errorf(commons.NotFoundError, "Video dimensions not available"))
		return
	}
	c.JSON(http.StatusOK, datastructures.VideoInfo{VideoHeight: h, VideoWidth: w})
}

func (s *Server) sessionInfo(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Session.Status())
}

func (s *Server) resetInference(c *gin.Context) {
	var req datastructures.ResetRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, "Reset", commons.Wrap(commons.ValidationError, err, "invalid reset request"))
			return
		}
	}
	reinitialize := req.Reinitialize == nil || *req.Reinitialize

	err := s.opts.Session.Reset(c.Request.Context())
	if commons.IsKind(err, commons.NotInitializedError) {
		abortWithError(c, "Reset", err)
		return
	}
	// The prompts are gone even when the model failed to reset, so the
	// propagation built from them is stale.
	b, bound := s.opts.Session.Binding()
	if bound {
		if derr := s.opts.Store.Delete(cacheKey(b.Folder)); derr != nil {
			log.Debug("[Reset] Couldn't drop cached propagation: ", derr.Error())
		}
	}
	if err != nil {
		abortWithError(c, "Reset", err)
		return
	}
	if bound && reinitialize {
		superviseInit(b.Folder, s.opts.Session.InitializeAsync(b.Folder))
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "Inference state has been reset successfully.",
		"reinitialize": reinitialize,
	})
}

func (s *Server) downloadVideo(c *gin.Context) {
	var req datastructures.DownloadVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, "Download", commons.Wrap(commons.ValidationError, err, "invalid download request"))
		return
	}
	b, bound := s.opts.Session.Binding()
	if !bound {
		abortWithError(c, "Download", commons.Errorf(commons.NotFoundError, "No video has been uploaded"))
		return
	}

	masks := make(map[int]map[int]*datastructures.Mask)
	if req.UseLatestPropagation {
		entries, err := s.cachedPropagation()
		if err != nil {
			abortWithError(c, "Download", err)
			return
		}
		for objId, byFrame := range datastructures.SegmentsFromEntries(entries).ByObject() {
			masks[objId] = byFrame
		}
	}
	for objKey, byFrame := range req.MasksByObjectAndFrame {
		objId, err := strconv.Atoi(objKey)
		if err != nil {
			abortWithError(c, "Download", commons.Errorf(commons.ValidationError, "object id %q is not an integer", objKey))
			return
		}
		if masks[objId] == nil {
			masks[objId] = make(map[int]*datastructures.Mask)
		}
		for frameKey, m := range byFrame {
			frameIdx, err := strconv.Atoi(frameKey)
			if err != nil {
				abortWithError(c, "Download", commons.Errorf(commons.ValidationError, "frame index %q is not an integer", frameKey))
				return
			}
			masks[objId][frameIdx] = m
		}
	}
	if len(masks) == 0 {
		abortWithError(c, "Download", commons.Errorf(commons.ValidationError, "No mask data provided"))
		return
	}

	fps := req.Fps
	if fps == 0 {
		fps = s.opts.OutputFPS
	}
	id, err := uuid.NewV4()
	if err != nil {
		abortWithError(c, "Download", err)
		return
	}
	output := filepath.Join(s.opts.VideosDir, "annotated_"+id.String()+".mp4")

	summary, err := s.opts.Renderer.Render(c.Request.Context(), b.Frames, masks, fps, output)
	if err != nil {
		abortWithError(c, "Download", err)
		return
	}

	c.Header("X-Frames-Written", strconv.Itoa(summary.Written))
	c.Header("X-Frames-Skipped", strconv.Itoa(len(summary.Skipped)))
	c.FileAttachment(output, "annotated_video.mp4")
}

func (s *Server) maskPolygons(c *gin.Context) {
	var req datastructures.MaskPolygonsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, "Polygons", commons.Wrap(commons.ValidationError, err, "invalid polygon request"))
		return
	}
	if req.Mask == nil {
		abortWithError(c, "Polygons", commons.Errorf(commons.ValidationError, "mask is missing"))
		return
	}
	if req.Tolerance < 0 || req.MinPixels < 0 {
		abortWithError(c, "Polygons", commons.Errorf(commons.ValidationError, "tolerance and min_pixels must not be negative"))
		return
	}

	c.JSON(http.StatusOK, datastructures.MaskPolygonsResult{
		Polygons: contour.Polygons(req.Mask, req.Tolerance, req.HighQuality, req.MinPixels),
	})
}
