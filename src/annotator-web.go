package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Devanish31/Annot/src/api"
	"github.com/Devanish31/Annot/src/cache"
	"github.com/Devanish31/Annot/src/commons"
	"github.com/Devanish31/Annot/src/frames"
	"github.com/Devanish31/Annot/src/predict"
	"github.com/Devanish31/Annot/src/render"
	"github.com/Devanish31/Annot/src/session"
	"github.com/Devanish31/Annot/src/video"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := commons.LoadConfig(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "[Main] Couldn't load configuration: %s\n", err.Error())
		os.Exit(1)
	}
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "[Main] Invalid configuration: %s\n", err.Error())
		os.Exit(1)
	}
	if err := commons.ConfigureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "[Main] Couldn't configure logging: %s\n", err.Error())
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.Error("[Main] ", err.Error())
		os.Exit(1)
	}
}

// run wires the service together and serves until the listener fails.
// Failures are returned so the deferred cleanups still run.
func run(cfg *commons.Config) error {
	if cfg.SentryDSN != "" {
		hook, err := commons.NewSentryHook(cfg.SentryDSN, cfg.SentryEnvironment)
		if err != nil {
			return errors.Wrap(err, "couldn't set up Sentry")
		}
		log.AddHook(hook)
	}

	shutdownTracer, err := commons.InitTracer(context.Background(), cfg.TracingEndpoint)
	if err != nil {
		return errors.Wrap(err, "couldn't set up tracing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Debug("[Main] Couldn't flush traces: ", err.Error())
		}
	}()

	if cfg.Release {
		fmt.Printf("[Main] Starting gin in release mode!\n")
		gin.SetMode(gin.ReleaseMode)
	}

	if err := createDirs(cfg.UploadsDir, cfg.FramesDir, cfg.OverlaysDir, cfg.VideosDir); err != nil {
		return errors.Wrap(err, "couldn't create directory")
	}

	var store cache.Store
	if cfg.RedisAddress != "" {
		redisPool := cache.NewRedisPool(cfg.RedisAddress, cfg.RedisMaxConnections)
		defer redisPool.Close()
		store = cache.NewRedisStore(redisPool, "annot:")
	} else {
		log.Debug("[Main] No redis address configured, caching results in memory")
		store = cache.NewMemoryStore()
	}

	model := predict.NewClient(cfg.ModelURL, cfg.ModelTimeout)
	assembler := video.NewAssembler(cfg.FFmpegPath)

	server := api.NewServer(api.Options{
		UploadsDir:     cfg.UploadsDir,
		FramesDir:      cfg.FramesDir,
		OverlaysDir:    cfg.OverlaysDir,
		VideosDir:      cfg.VideosDir,
		PublicURL:      cfg.PublicURL,
		OutputFPS:      cfg.OutputFPS,
		ResultTTL:      cfg.ResultTTL,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Session:        session.New(model),
		Extractor:      frames.NewExtractor(cfg.FFmpegPath),
		Renderer:       render.NewRenderer(assembler, cfg.RenderWorkers),
		Store:          store,
		Probe: func(ctx context.Context, path string) (*video.Info, error) {
			return video.Probe(ctx, cfg.FFprobePath, path)
		},
	})

	log.WithFields(log.Fields{"listen": cfg.Listen, "model": cfg.ModelURL}).Info("[Main] Starting annotation server")
	if err := server.Router().Run(cfg.Listen); err != nil {
		return errors.Wrap(err, "server stopped")
	}
	return nil
}
