package handlers

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Brownie44l1/agroscan-api/internal/labels"
	"github.com/Brownie44l1/agroscan-api/internal/model"
	"github.com/Brownie44l1/agroscan-api/internal/preprocess"
	"github.com/Brownie44l1/agroscan-api/internal/service"
)

//go:embed templates/*.html
var templateFS embed.FS

// Diagnoser is the part of service.Service the handlers need.
type Diagnoser interface {
	Diagnose(ctx context.Context, filename string, data []byte, withPreview bool) (*service.Diagnosis, error)
	ClassifyTensor(ctx context.Context, values []float32) (*model.Prediction, error)
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type pageData struct {
	Accept    string
	Diagnosis *service.Diagnosis
	Error     string
}

type Handler struct {
	diagnoser      Diagnoser
	logger         *zap.Logger
	maxUploadBytes int64
	index          *template.Template
	result         *template.Template
}

func NewHandler(diagnoser Diagnoser, logger *zap.Logger, maxUploadBytes int64) (*Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}

	funcs := template.FuncMap{
		// previews are data URIs the service rendered itself
		"previewURL": func(s string) template.URL { return template.URL(s) },
	}
	index, err := template.New("index").Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse index template: %w", err)
	}
	result, err := template.New("result").Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/result.html")
	if err != nil {
		return nil, fmt.Errorf("parse result template: %w", err)
	}

	return &Handler{
		diagnoser:      diagnoser,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
		index:          index,
		result:         result,
	}, nil
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// Index serves the upload page.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.render(w, h.index, http.StatusOK, pageData{})
}

// Diagnose accepts a multipart upload and renders the result page.
func (h *Handler) Diagnose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename, data, status, err := h.readUpload(w, r)
	if err != nil {
		h.render(w, h.result, status, pageData{Error: err.Error()})
		return
	}

	d, err := h.diagnoser.Diagnose(r.Context(), filename, data, true)
	if err != nil {
		status, msg := h.statusFor(err)
		h.render(w, h.result, status, pageData{Error: msg})
		return
	}

	h.render(w, h.result, http.StatusOK, pageData{Diagnosis: d})
}

// PredictFromImage accepts a multipart upload and answers with JSON.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename, data, status, err := h.readUpload(w, r)
	if err != nil {
		h.writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	d, err := h.diagnoser.Diagnose(r.Context(), filename, data, false)
	if err != nil {
		status, msg := h.statusFor(err)
		h.writeJSON(w, status, errorResponse{Error: msg})
		return
	}

	h.writeJSON(w, http.StatusOK, d)
}

// Predict classifies a tensor that was preprocessed by the caller.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUploadBytes))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Failed to read request body"})
		return
	}

	var req PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON"})
		return
	}

	result, err := h.diagnoser.ClassifyTensor(r.Context(), req.Image)
	if err != nil {
		status, msg := h.statusFor(err)
		if errors.Is(err, service.ErrBadTensor) {
			msg = err.Error()
		}
		h.writeJSON(w, status, errorResponse{Error: msg})
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return "", nil, http.StatusRequestEntityTooLarge, fmt.Errorf("Upload exceeds %d bytes", h.maxUploadBytes)
		}
		return "", nil, http.StatusBadRequest, errors.New("Failed to parse form")
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		return "", nil, http.StatusBadRequest, errors.New("No image file provided. Use 'image' as the form field name")
	}
	defer file.Close()

	h.logger.Debug("received file", zap.String("filename", header.Filename), zap.Int64("size", header.Size))

	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, http.StatusBadRequest, errors.New("Failed to read upload")
	}
	return header.Filename, data, http.StatusOK, nil
}

// statusFor maps a diagnosis error to a status code and a user facing message.
func (h *Handler) statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrUnsupportedFile):
		return http.StatusUnsupportedMediaType, "Unsupported file type. Supported: " + strings.Join(service.AcceptedExtensions, ", ")
	case errors.Is(err, preprocess.ErrDecode):
		return http.StatusBadRequest, "Invalid image. Supported: JPEG, PNG"
	case errors.Is(err, service.ErrBadTensor):
		return http.StatusBadRequest, "Invalid tensor"
	case errors.Is(err, model.ErrInference):
		h.logger.Error("prediction error", zap.Error(err))
		return http.StatusInternalServerError, "Analysis failed"
	case errors.Is(err, labels.ErrLookup):
		h.logger.Error("model and label map disagree", zap.Error(err))
		return http.StatusInternalServerError, "Internal configuration error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Request canceled"
	default:
		h.logger.Error("unexpected error", zap.Error(err))
		return http.StatusInternalServerError, "Internal error"
	}
}

func (h *Handler) render(w http.ResponseWriter, tmpl *template.Template, status int, data pageData) {
	data.Accept = strings.Join(service.AcceptedExtensions, ",")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.ExecuteTemplate(w, "layout", data); err != nil {
		h.logger.Error("render failed", zap.Error(err))
	}
}

// writeJSON encodes v before writing the header so an unencodable value
// becomes a 500 instead of a truncated body.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
		buf.Reset()
		status = http.StatusInternalServerError
		buf.WriteString(`{"error":"Internal error"}` + "\n")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Debug("write response", zap.Error(err))
	}
}
