// Package api exposes the annotation session over HTTP.
package api

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/Devanish31/Annot/src/cache"
	"github.com/Devanish31/Annot/src/frames"
	"github.com/Devanish31/Annot/src/metrics"
	"github.com/Devanish31/Annot/src/render"
	"github.com/Devanish31/Annot/src/session"
	"github.com/Devanish31/Annot/src/video"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// FrameExtractor splits an uploaded video into numbered frames.
type FrameExtractor interface {
	Extract(ctx context.Context, videoPath string, framesDir string) (string, []frames.Frame, error)
}

type Options struct {
	UploadsDir  string
	FramesDir   string
	OverlaysDir string
	VideosDir   string

	// PublicURL is the base of the frame links; empty means the request host.
	PublicURL string
	OutputFPS float64
	ResultTTL time.Duration

	// MaxUploadBytes caps the size of an upload request body; zero
	// means unlimited.
	MaxUploadBytes int64

	Session   *session.Session
	Extractor FrameExtractor
	Renderer  *render.Renderer
	Store     cache.Store

	// Probe, when set, reads back the uploaded container so mismatching
	// frame counts show up in the logs.
	Probe func(ctx context.Context, path string) (*video.Info, error)
}

type Server struct {
	opts Options
}

func NewServer(opts Options) *Server {
	if opts.OutputFPS <= 0 {
		opts.OutputFPS = 30
	}
	if opts.Store == nil {
		opts.Store = cache.NewMemoryStore()
	}
	return &Server{opts: opts}
}

func (s *Server) Router() *gin.Engine {
	router := gin.Default()
	router.Use(cors(), metrics.Middleware())

	router.POST("/upload", s.upload)
	router.GET("/frames/:filename", s.frame)
	router.POST("/predict_mask", s.predictMask)
	router.POST("/predict_mask_from_mask", s.predictMaskFromMask)
	router.POST("/propagate_masks", s.propagateMasks)
	router.GET("/propagate_masks/latest", s.latestPropagation)
	router.GET("/video-info", s.videoInfo)
	router.GET("/session", s.sessionInfo)
	router.POST("/reset_inference", s.resetInference)
	router.POST("/download_video", s.downloadVideo)
	router.GET("/overlay/:filename", s.overlay)
	router.POST("/mask_polygons", s.maskPolygons)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return router
}

// cors sets the headers the annotation UI needs on every route and
// answers preflight requests.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Requested-With, X-PINGOTHER, X-File-Name, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Frames-Written, X-Frames-Skipped")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatusJSON(http.StatusOK, struct{}{})
			return
		}
		c.Next()
	}
}

func (s *Server) baseURL(c *gin.Context) string {
	if s.opts.PublicURL != "" {
		return strings.TrimRight(s.opts.PublicURL, "/")
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

// safeName accepts plain file names only, so static routes can't reach
// outside their directory.
func safeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

// superviseInit logs the outcome of a background initialization.
func superviseInit(folder string, done <-chan error) {
	go func() {
		if err := <-done; err != nil {
			log.WithFields(log.Fields{"folder": folder}).Error("[Session] Couldn't initialize inference state: ", err.Error())
			return
		}
		log.WithFields(log.Fields{"folder": folder}).Debug("[Session] Inference state initialized")
	}()
}

func cacheKey(folder string) string {
	return "segments:" + folder
}
