package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Brownie44l1/iqa-scorer/internal/cache"
	"github.com/Brownie44l1/iqa-scorer/internal/imageio"
	"github.com/Brownie44l1/iqa-scorer/internal/logging"
	"github.com/Brownie44l1/iqa-scorer/internal/samples"
	"github.com/Brownie44l1/iqa-scorer/internal/scoring"
)

// DefaultMaxUploadSize caps multipart uploads.
const DefaultMaxUploadSize = 10 << 20

var allowedExtensions = map[string]bool{"png": true, "jpg": true, "jpeg": true, "gif": true}

// Scorer is the subset of the scoring service the handlers need.
type Scorer interface {
	ScoreImage(ctx context.Context, img image.Image) (scoring.Scores, error)
	ScorePixels(ctx context.Context, pixels []float32) (scoring.Scores, error)
	InputLen() int
}

// Options configures a Handler.
type Options struct {
	// MaxConcurrent bounds in-flight scoring requests.
	MaxConcurrent int64
	MaxUploadSize int64
	Cache         cache.Cache
	CacheTTL      time.Duration
}

// Handler serves the upload form and the scoring endpoints.
type Handler struct {
	scorer    Scorer
	cache     cache.Cache
	cacheTTL  time.Duration
	sem       *semaphore.Weighted
	maxUpload int64
	logger    *zap.Logger
}

// NewHandler returns a Handler. A nil cache disables caching.
func NewHandler(scorer Scorer, opts Options, logger *zap.Logger) *Handler {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxUploadSize < 1 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.Cache == nil {
		opts.Cache = cache.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		scorer:    scorer,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		maxUpload: opts.MaxUploadSize,
		logger:    logger.Named("handlers"),
	}
}

// RegisterRoutes wires the handlers to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(EnableCORS(), RequestID(), RequestLogger(h.logger))

	router.GET("/health", h.Health)
	router.GET("/", h.UploadForm)
	router.POST("/", h.Upload)
	router.POST("/predict", h.Predict)
	router.POST("/predict/image", h.PredictFromImage)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

var uploadForm = template.Must(template.New("upload").Parse(`<!doctype html>
<title>Upload new File</title>
<h1>Upload new File</h1>
{{if .}}<p class="flash">{{.}}</p>
{{end}}<form method=post enctype=multipart/form-data>
  <input type=file name=file>
  <input type=submit value=Upload>
</form>
`))

// UploadForm renders the upload page, showing ?error= as a flash message.
func (h *Handler) UploadForm(c *gin.Context) {
	var buf bytes.Buffer
	if err := uploadForm.Execute(&buf, c.Query("error")); err != nil {
		c.String(http.StatusInternalServerError, "failed to render form")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func flash(c *gin.Context, message string) {
	c.Redirect(http.StatusFound, "/?error="+url.QueryEscape(message))
}

// Upload scores the form's "file" field and answers {technical, aesthetic}.
func (h *Handler) Upload(c *gin.Context) {
	if !h.limitBody(c) {
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		// An empty file input arrives as a plain form value.
		if form := c.Request.MultipartForm; form != nil && len(form.Value["file"]) > 0 {
			flash(c, "No selected file")
			return
		}
		flash(c, "No file part")
		return
	}
	if !AllowedFile(file.Filename) {
		flash(c, "File type not allowed")
		return
	}

	scores, ok := h.scoreUpload(c, file.Filename, file.Open)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, scores)
}

// PredictFromImage scores the "image" field and answers a scored record keyed
// by the sanitized file stem.
func (h *Handler) PredictFromImage(c *gin.Context) {
	if !h.limitBody(c) {
		return
	}

	file, err := c.FormFile("image")
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image file provided. Use 'image' as the form field name"})
		return
	}

	scores, ok := h.scoreUpload(c, file.Filename, file.Open)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, scoring.ScoredRecord{
		ImageID:   SanitizeFilename(samples.ImageID(file.Filename)),
		Technical: scores.Technical,
		Aesthetic: scores.Aesthetic,
	})
}

type predictRequest struct {
	Image []float32 `json:"image"`
}

// Predict scores a raw 224x224x3 array of 0..255 values.
func (h *Handler) Predict(c *gin.Context) {
	if !h.limitBody(c) {
		return
	}

	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	if expected := h.scorer.InputLen(); len(req.Image) != expected {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Expected %d values, got %d", expected, len(req.Image))})
		return
	}

	if !h.sem.TryAcquire(1) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "scoring capacity exhausted, retry later"})
		return
	}
	defer h.sem.Release(1)

	opLogger := logging.WithOperation(h.logger, "handlers.predict", c.GetString(requestIDKey))
	scores, err := h.scorer.ScorePixels(c.Request.Context(), req.Image)
	if err != nil {
		opLogger.Error("prediction failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Prediction failed"})
		return
	}
	c.JSON(http.StatusOK, scores)
}

// scoreUpload reads, decodes and scores one uploaded file. On failure it has
// already written the response and returns false.
func (h *Handler) scoreUpload(c *gin.Context, filename string, open func() (multipart.File, error)) (scoring.Scores, bool) {
	requestID := c.GetString(requestIDKey)
	opLogger := logging.WithOperation(h.logger, "handlers.score_upload", requestID)
	ctx := c.Request.Context()

	src, err := open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return scoring.Scores{}, false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return scoring.Scores{}, false
	}

	key := cache.Key(data)
	var cached scoring.Scores
	if hit, err := cache.GetJSON(ctx, h.cache, key, &cached); err != nil {
		opLogger.Warn("failed to read cache", zap.Error(err))
	} else if hit {
		opLogger.Debug("cache hit", zap.String("key", key))
		return cached, true
	}

	if !h.sem.TryAcquire(1) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "scoring capacity exhausted, retry later"})
		return scoring.Scores{}, false
	}
	defer h.sem.Release(1)

	img, format, err := imageio.DecodeBytes(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid image format. Supported: JPEG, PNG, GIF, BMP, TIFF, WebP"})
		return scoring.Scores{}, false
	}
	opLogger.Info("received upload",
		zap.String("filename", filename),
		zap.Int("bytes", len(data)),
		zap.String("format", format),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()))

	scores, err := h.scorer.ScoreImage(ctx, img)
	if err != nil {
		wrapped := logging.NewOperationError("handlers.score_upload", requestID, err)
		opLogger.Error("scoring failed", zap.Error(wrapped))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Prediction failed"})
		return scoring.Scores{}, false
	}

	if err := cache.SetJSON(ctx, h.cache, key, scores, h.cacheTTL); err != nil {
		opLogger.Warn("failed to cache scores", zap.Error(err))
	}
	return scores, true
}

// AllowedFile reports whether filename has an accepted image extension.
func AllowedFile(filename string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	return allowedExtensions[ext]
}

// SanitizeFilename replaces path separators and other unsafe characters with
// underscores and trims surrounding spaces and dots.
func SanitizeFilename(filename string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := filename
	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}
	result = strings.Trim(result, " .")
	if result == "" {
		return "upload"
	}
	return result
}

// limitBody caps the request body, answering 413 up front when the declared
// length is already over the limit.
func (h *Handler) limitBody(c *gin.Context) bool {
	if c.Request.ContentLength > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
		return false
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	return true
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
