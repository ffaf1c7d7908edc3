// Package server exposes a Captioner over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	caption "github.com/jamesainslie/go-caption"
)

// Captioner is the part of *caption.Captioner the server uses.
type Captioner interface {
	CaptionImage(ctx context.Context, data []byte, mode caption.Mode) (*caption.Result, error)
	Info() caption.Info
}

// Options configures a Server.
type Options struct {
	MaxUploadBytes int64
	AllowedTypes   []string
	// MaxInFlight bounds concurrent caption requests.
	MaxInFlight int64
	// RequestTimeout bounds one caption (0 = no limit).
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// DefaultOptions returns the defaults used for zero fields.
func DefaultOptions() Options {
	return Options{
		MaxUploadBytes: 10 << 20,
		AllowedTypes:   []string{"image/jpeg", "image/png", "image/jpg"},
		MaxInFlight:    4,
		Logger:         slog.Default(),
	}
}

// Server handles caption requests.
type Server struct {
	captioner Captioner
	opts      Options
	sem       *semaphore.Weighted
	logger    *slog.Logger
}

// New creates a Server. A nil captioner yields a server that reports
// itself degraded and answers caption requests with 503.
func New(c Captioner, opts Options) *Server {
	def := DefaultOptions()
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = def.MaxUploadBytes
	}
	if len(opts.AllowedTypes) == 0 {
		opts.AllowedTypes = def.AllowedTypes
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = def.MaxInFlight
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	return &Server{
		captioner: c,
		opts:      opts,
		sem:       semaphore.NewWeighted(opts.MaxInFlight),
		logger:    opts.Logger,
	}
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /caption", s.handleCaption)
	mux.HandleFunc("POST /caption/batch", s.handleBatch)
	mux.HandleFunc("GET /models/info", s.handleInfo)
	return withCORS(withRequestID(mux))
}

type healthResponse struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	ModelsLoaded bool   `json:"models_loaded"`
}

type scoredCaption struct {
	Caption         string  `json:"caption"`
	Score           float64 `json:"score"`
	NormalizedScore float64 `json:"normalized_score"`
}

type captionResponse struct {
	Success       bool            `json:"success"`
	Caption       string          `json:"caption"`
	AllCaptions   []scoredCaption `json:"all_captions"`
	Method        string          `json:"method,omitempty"`
	FellBack      bool            `json:"fell_back,omitempty"`
	InferenceTime float64         `json:"inference_time"`
	Message       string          `json:"message"`
	RequestID     string          `json:"request_id,omitempty"`
}

type batchResponse struct {
	Results []captionResponse `json:"results"`
	Total   int               `json:"total"`
}

type infoResponse struct {
	EncoderLoaded bool    `json:"encoder_loaded"`
	DecoderLoaded bool    `json:"decoder_loaded"`
	VocabSize     int     `json:"vocab_size"`
	MaxLength     int     `json:"max_length"`
	ImageSize     [2]int  `json:"image_size"`
	BeamWidth     int     `json:"beam_width"`
	Alpha         float64 `json:"alpha"`
}

type errorResponse struct {
	Detail    string `json:"detail"`
	RequestID string `json:"request_id,omitempty"`
}

// httpError carries a status code through caption processing.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:       "online",
		Message:      "Image Captioning API",
		ModelsLoaded: s.captioner != nil,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "healthy", Message: "All systems operational", ModelsLoaded: true}
	if s.captioner == nil {
		resp = healthResponse{Status: "degraded", Message: "Models not loaded"}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if s.captioner == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "Models not loaded")
		return
	}
	info := s.captioner.Info()
	writeJSON(w, http.StatusOK, infoResponse{
		EncoderLoaded: info.EncoderLoaded,
		DecoderLoaded: info.DecoderLoaded,
		VocabSize:     info.VocabSize,
		MaxLength:     info.MaxLength,
		ImageSize:     [2]int{info.ImageWidth, info.ImageHeight},
		BeamWidth:     info.BeamWidth,
		Alpha:         info.Alpha,
	})
}

func (s *Server) handleCaption(w http.ResponseWriter, r *http.Request) {
	if s.captioner == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "Models not loaded. Please try again later.")
		return
	}
	mode, err := caption.ParseMode(r.URL.Query().Get("method"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("reading upload: %v", err))
		return
	}
	defer func() { _ = file.Close() }()

	resp, err := s.caption(r.Context(), header, file, mode)
	if err != nil {
		var he *httpError
		if errors.As(err, &he) {
			s.writeError(w, r, he.status, he.msg)
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	resp.RequestID = requestID(r.Context())
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if s.captioner == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "Models not loaded. Please try again later.")
		return
	}
	mode, err := caption.ParseMode(r.URL.Query().Get("method"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("reading upload: %v", err))
		return
	}
	var headers []*multipart.FileHeader
	if r.MultipartForm != nil {
		headers = r.MultipartForm.File["files"]
	}
	if len(headers) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "no files uploaded")
		return
	}

	results := make([]captionResponse, len(headers))
	g, ctx := errgroup.WithContext(r.Context())
	for i, h := range headers {
		g.Go(func() error {
			results[i] = s.captionHeader(ctx, h, mode)
			return nil
		})
	}
	_ = g.Wait() // per-file failures are reported in results

	id := requestID(r.Context())
	for i := range results {
		results[i].RequestID = id
	}
	writeJSON(w, http.StatusOK, batchResponse{Results: results, Total: len(headers)})
}

func (s *Server) captionHeader(ctx context.Context, h *multipart.FileHeader, mode caption.Mode) captionResponse {
	f, err := h.Open()
	if err != nil {
		return captionResponse{Message: err.Error()}
	}
	defer func() { _ = f.Close() }()

	resp, err := s.caption(ctx, h, f, mode)
	if err != nil {
		return captionResponse{Message: err.Error()}
	}
	return *resp
}

// caption validates one upload and runs it through the captioner under the
// in-flight limit.
func (s *Server) caption(ctx context.Context, h *multipart.FileHeader, f io.Reader, mode caption.Mode) (*captionResponse, error) {
	start := time.Now()

	ct := h.Header.Get("Content-Type")
	if !slices.Contains(s.opts.AllowedTypes, strings.ToLower(ct)) {
		return nil, &httpError{
			status: http.StatusBadRequest,
			msg:    fmt.Sprintf("Invalid file type %q. Allowed: %s", ct, strings.Join(s.opts.AllowedTypes, ", ")),
		}
	}

	data, err := io.ReadAll(io.LimitReader(f, s.opts.MaxUploadBytes+1))
	if err != nil {
		return nil, &httpError{status: http.StatusBadRequest, msg: fmt.Sprintf("reading upload: %v", err)}
	}
	if int64(len(data)) > s.opts.MaxUploadBytes {
		return nil, &httpError{
			status: http.StatusBadRequest,
			msg:    fmt.Sprintf("File too large. Max size: %dMB", s.opts.MaxUploadBytes>>20),
		}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, &httpError{status: http.StatusServiceUnavailable, msg: "server busy"}
	}
	defer s.sem.Release(1)

	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	res, err := s.captioner.CaptionImage(ctx, data, mode)
	if err != nil {
		s.logger.Error("caption failed",
			"request_id", requestID(ctx),
			"file", h.Filename,
			"error", err)
		if errors.Is(err, caption.ErrInvalidImage) {
			return nil, &httpError{status: http.StatusBadRequest, msg: err.Error()}
		}
		return nil, fmt.Errorf("generating caption: %w", err)
	}

	elapsed := time.Since(start)
	s.logger.Info("caption generated",
		"request_id", requestID(ctx),
		"file", h.Filename,
		"mode", res.Mode,
		"fell_back", res.FellBack,
		"latency", elapsed,
		"caption", res.Caption)

	all := make([]scoredCaption, len(res.Alternatives))
	for i, a := range res.Alternatives {
		all[i] = scoredCaption{Caption: a.Caption, Score: a.RawScore, NormalizedScore: a.NormalizedScore}
	}
	return &captionResponse{
		Success:       true,
		Caption:       res.Caption,
		AllCaptions:   all,
		Method:        string(res.Mode),
		FellBack:      res.FellBack,
		InferenceTime: float64(elapsed.Milliseconds()) / 1000,
		Message:       "Caption generated successfully",
	}, nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.logger.Warn("request rejected",
		"request_id", requestID(r.Context()),
		"path", r.URL.Path,
		"status", status,
		"detail", msg)
	writeJSON(w, status, errorResponse{Detail: msg, RequestID: requestID(r.Context())})
}

// writeJSON is a helper to consistently send JSON responses.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withRequestID tags each request with an id, reusing X-Request-ID when the
// client supplies one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "*")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
