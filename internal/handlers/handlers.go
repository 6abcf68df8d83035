package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/image-classifier/internal/config"
	"github.com/Brownie44l1/image-classifier/internal/history"
	"github.com/Brownie44l1/image-classifier/internal/metrics"
	"github.com/Brownie44l1/image-classifier/internal/model"
	"github.com/Brownie44l1/image-classifier/internal/preprocess"
)

// UploadPrefix is the URL path the upload directory is served under.
const UploadPrefix = "/uploads/"

const formField = "file"

type Options struct {
	UploadDir      string
	UploadNaming   string
	MaxUploadBytes int64
}

type Handler struct {
	classifier model.Classifier
	history    history.Store
	opts       Options
	logger     *zap.Logger
}

// NewHandler wires a classifier and a history store into the HTTP API. The
// classifier may be nil, in which case classification requests fail with
// model.ErrNotLoaded.
func NewHandler(classifier model.Classifier, store history.Store, opts Options, logger *zap.Logger) (*Handler, error) {
	if opts.UploadNaming == "" {
		opts.UploadNaming = config.NamingOriginal
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &Handler{
		classifier: classifier,
		history:    store,
		opts:       opts,
		logger:     logger,
	}, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

type classifyResponse struct {
	ImageURL      string    `json:"image_url"`
	ClassIdx      int       `json:"class_idx"`
	ClassName     string    `json:"class_name,omitempty"`
	Probabilities []float64 `json:"probabilities"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) fail(w http.ResponseWriter, status int, msg string, err error) {
	h.logger.Error(msg, zap.Error(err), zap.Int("status", status))
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// Root answers liveness probes from the frontend.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Backend is running"})
}

// Ready reports whether a classifier is available.
func (h *Handler) Ready() error {
	if h.classifier == nil {
		return model.ErrNotLoaded
	}
	return nil
}

// ClassifyImage stores the uploaded file, classifies it and records the
// result.
func (h *Handler) ClassifyImage(w http.ResponseWriter, r *http.Request) {
	defer metrics.Start("classify_image").Stop()

	if r.ContentLength > h.opts.MaxUploadBytes {
		h.fail(w, http.StatusRequestEntityTooLarge, "upload too large", tooLarge(h.opts.MaxUploadBytes))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.fail(w, http.StatusRequestEntityTooLarge, "upload too large", tooLarge(h.opts.MaxUploadBytes))
			return
		}
		h.fail(w, http.StatusBadRequest, "failed to parse form", fmt.Errorf("failed to parse form: %w", err))
		return
	}
	file, header, err := r.FormFile(formField)
	if err != nil {
		h.fail(w, http.StatusBadRequest, "missing upload", fmt.Errorf("no image file provided, use %q as the form field name", formField))
		return
	}
	defer file.Close()

	h.logger.Info("received file", zap.String("filename", header.Filename), zap.Int64("size", header.Size))

	if h.classifier == nil {
		h.fail(w, http.StatusInternalServerError, "prediction failed", model.ErrNotLoaded)
		return
	}

	name, err := h.storedName(header.Filename)
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "invalid file name", err)
		return
	}
	filePath := filepath.Join(h.opts.UploadDir, name)
	if err := save(file, filePath); err != nil {
		h.fail(w, http.StatusInternalServerError, "failed to save upload", err)
		return
	}
	h.logger.Info("image saved", zap.String("path", filePath))

	tensor, err := preprocess.File(filePath, h.classifier.Metadata().ImageSize)
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "preprocessing failed", err)
		return
	}

	result, err := h.classifier.Predict(r.Context(), tensor)
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "prediction failed", err)
		return
	}
	h.logger.Info("image classified",
		zap.Int("class_idx", result.ClassIdx),
		zap.String("class", result.ClassName),
		zap.Float64s("probabilities", result.Probabilities),
	)
	metrics.Classifications.WithLabelValues(result.ClassName).Inc()

	resp := classifyResponse{
		ImageURL:      path.Join(UploadPrefix, name),
		ClassIdx:      result.ClassIdx,
		ClassName:     result.ClassName,
		Probabilities: result.Probabilities,
	}
	err = h.history.Append(r.Context(), history.Record{
		ImageURL:      resp.ImageURL,
		ClassIdx:      resp.ClassIdx,
		ClassName:     resp.ClassName,
		Probabilities: resp.Probabilities,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "failed to record classification", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PreviousClassifications lists everything classified since start-up.
func (h *Handler) PreviousClassifications(w http.ResponseWriter, r *http.Request) {
	records, err := h.history.List(r.Context())
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "failed to list classifications", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// storedName picks the on-disk name of an upload. With the original naming a
// repeated name overwrites the earlier file.
func (h *Handler) storedName(filename string) (string, error) {
	base := filepath.Base(filepath.FromSlash(strings.ReplaceAll(filename, `\`, "/")))
	if base == "." || base == string(filepath.Separator) || base == "" || base == ".." {
		return "", errors.New("upload has no usable file name")
	}
	if h.opts.UploadNaming == config.NamingUUID {
		return uuid.NewString() + strings.ToLower(filepath.Ext(base)), nil
	}
	return base, nil
}

func tooLarge(limit int64) error {
	return fmt.Errorf("upload exceeds the %d byte limit", limit)
}

func save(src io.Reader, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return out.Close()
}
