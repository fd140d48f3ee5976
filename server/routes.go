package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vanlab/van/api"
	"github.com/vanlab/van/envconfig"
	"github.com/vanlab/van/format"
	"github.com/vanlab/van/logutil"
	"github.com/vanlab/van/ml"
	"github.com/vanlab/van/model"
	"github.com/vanlab/van/model/imageproc"
	_ "github.com/vanlab/van/model/models"
	"github.com/vanlab/van/sample"
	"github.com/vanlab/van/version"
)

const defaultTopK = 5

type Server struct {
	models *models

	// sem bounds the number of forward passes running at once
	sem *semaphore.Weighted
}

func newServer(load loadFunc, parallel int) *Server {
	return &Server{
		models: newModels(load),
		sem:    semaphore.NewWeighted(int64(max(parallel, 1))),
	}
}

// statusFor maps model errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrUnknownConfiguration):
		return http.StatusNotFound
	case errors.Is(err, ml.ErrShapeMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) ClassifyHandler(c *gin.Context) {
	start := time.Now()

	var req api.ClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch {
	case req.Model == "":
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	case len(req.Images) == 0:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "at least one image is required"})
		return
	case req.TopK < 0:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid top_k %d", req.TopK)})
		return
	case req.TopK == 0:
		req.TopK = defaultTopK
	}

	r, err := s.models.get(req.Model)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	images, err := preprocess(req.Images, r.model.InputSize())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	batch, err := imageproc.Batch(images...)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.sem.Acquire(c.Request.Context(), 1); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	defer s.sem.Release(1)

	ctx := ml.NewContext()
	logits, err := r.model.Forward(ctx, batch)
	if err != nil {
		slog.Error("forward failed", "model", r.name, "error", err)
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	preds, err := sample.Predictions(ctx, logits, req.TopK)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	resp := api.ClassifyResponse{Model: r.name, Predictions: preds}
	resp.TotalDuration = time.Since(start)
	c.JSON(http.StatusOK, resp)
}

// preprocess decodes and transforms request images concurrently, at most
// VAN_NUM_THREADS at a time.
func preprocess(images []api.ImageData, size int) ([]*ml.Tensor, error) {
	tensors := make([]*ml.Tensor, len(images))

	var g errgroup.Group
	g.SetLimit(envconfig.NumThreads)
	for i, data := range images {
		g.Go(func() error {
			t, err := imageproc.Preprocess(data, size)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}

			tensors[i] = t
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return tensors, nil
}

func (s *Server) ShowHandler(c *gin.Context) {
	var req api.ShowRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Model == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}

	r, err := s.models.get(req.Model)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	resp := api.ShowResponse{
		Model:         r.name,
		Parameters:    r.params,
		ParameterSize: format.Parameters(r.params),
		Checkpoint:    r.checkpoint,
	}

	if m, ok := r.model.(model.Configurable); ok {
		if resp.Config, err = m.Configuration(); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListHandler(c *gin.Context) {
	c.JSON(http.StatusOK, api.ListResponse{Models: model.Names()})
}

func (s *Server) GenerateRoutes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), logutil.Middleware())

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "van is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "van is running") })
	r.GET("/api/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version})
	})

	r.GET("/api/tags", s.ListHandler)
	r.GET("/api/show", s.ShowHandler)
	r.POST("/api/classify", s.ClassifyHandler)

	return r
}

func Serve(ln net.Listener) error {
	slog.Info("server config", "env", envconfig.Values())
	if envconfig.LogLevel > slog.LevelDebug {
		// route registration is logged by gin in debug mode only
		gin.SetMode(gin.ReleaseMode)
	}

	s := newServer(loadModel, envconfig.NumParallel)

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	err := srvr.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
