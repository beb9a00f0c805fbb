package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dj-oyu/licenseai-gateway/internal/feed"
	"github.com/dj-oyu/licenseai-gateway/internal/logger"
	"github.com/dj-oyu/licenseai-gateway/internal/metrics"
	"github.com/dj-oyu/licenseai-gateway/internal/store"
	"github.com/dj-oyu/licenseai-gateway/internal/upload"
	"github.com/dj-oyu/licenseai-gateway/pkg/types"
)

var log = logger.For("HTTP")

const (
	uploadField   = "image"
	maxOfferBytes = 64 << 10
	// multipart framing allowed on top of the file cap
	multipartSlack = 1 << 20
)

// Publisher receives successful results, e.g. the WebRTC feed
type Publisher interface {
	Publish(ev types.ResultEvent)
}

// OfferHandler negotiates a feed connection
type OfferHandler interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
}

// ResultLog records completed requests without blocking
type ResultLog interface {
	Record(ev types.ResultEvent) bool
}

// ResultHistory reads recorded requests. Recent lists them newest first;
// Get returns store.ErrNotFound for an unknown request id.
type ResultHistory interface {
	Recent(ctx context.Context, limit int) ([]types.ResultEvent, error)
	Get(ctx context.Context, requestID string) (types.ResultEvent, error)
}

// Options wires optional collaborators into the server. Nil fields disable
// the matching routes.
type Options struct {
	Port           int
	CORSOrigin     string
	RequestTimeout time.Duration
	StatusInterval time.Duration
	ValidateImages bool

	Feed interface {
		Publisher
		OfferHandler
	}
	Results ResultLog
	History ResultHistory
	Metrics *metrics.Metrics
}

// Server serves the gateway endpoints
type Server struct {
	opts  Options
	svc   Service
	spool *upload.Spool
}

// NewServer returns a configured gateway server
func NewServer(svc Service, spool *upload.Spool, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 2 * time.Second
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	return &Server{opts: opts, svc: svc, spool: spool}
}

// Handler exposes the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/ai/perspective", s.handlePerspective)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/status/stream", s.handleStatusStream)
	mux.HandleFunc("GET /api/results", s.handleResults)
	mux.HandleFunc("GET /api/results/{id}", s.handleResult)
	mux.HandleFunc("POST /api/feed/offer", s.handleFeedOffer)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}

	return withRequestID(withCORS(s.opts.CORSOrigin, withLogging(mux)))
}

func (s *Server) handlePerspective(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	reqID := RequestID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.spool.MaxBytes()+multipartSlack)
	file, err := s.receiveUpload(r)
	switch {
	case errors.Is(err, upload.ErrTooLarge), isMaxBytes(err):
		writeResult(w, r, map[string]any{"error": "Image exceeds upload limit"}, http.StatusRequestEntityTooLarge)
		return
	case errors.Is(err, errNoFile):
		writeResult(w, r, map[string]any{"error": "No image file provided"}, http.StatusBadRequest)
		return
	case err != nil:
		log.Error("[%s] Failed to receive upload: %v", reqID, err)
		writeResult(w, r, map[string]any{"error": "Failed to receive upload", "details": err.Error()}, http.StatusBadRequest)
		return
	}
	defer s.spool.Remove(file.Path)

	if s.opts.ValidateImages {
		if _, err := upload.Inspect(file.Path); err != nil {
			writeResult(w, r, map[string]any{"error": "Invalid image file", "details": err.Error()}, http.StatusBadRequest)
			return
		}
	}

	result, err := Infer(r.Context(), s.svc, file.Path, s.opts.RequestTimeout)

	var workerErr *WorkerError
	switch {
	case errors.Is(err, ErrNotReady):
		writeResult(w, r, map[string]any{
			"error":   "Inference service not ready",
			"message": "Service is still initializing. Please try again in a moment.",
		}, http.StatusServiceUnavailable)
		return
	case errors.As(err, &workerErr):
		s.record(reqID, file, types.Result{}, workerErr.Details, started)
		writeResult(w, r, map[string]any{"error": "Inference failed", "details": workerErr.Details}, http.StatusInternalServerError)
		return
	case err != nil:
		log.Error("[%s] Inference request failed: %v", reqID, err)
		s.record(reqID, file, types.Result{}, errorDetails(err), started)
		writeResult(w, r, map[string]any{"error": "Inference request failed", "details": errorDetails(err)}, http.StatusInternalServerError)
		return
	}

	ev := s.record(reqID, file, result, "", started)
	if s.opts.Feed != nil {
		s.opts.Feed.Publish(ev)
	}
	writeResult(w, r, result, http.StatusOK)
}

var errNoFile = errors.New("no image file provided")

// receiveUpload streams the multipart field "image" into the spool
func (s *Server) receiveUpload(r *http.Request) (upload.File, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return upload.File{}, errNoFile
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return upload.File{}, errNoFile
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return upload.File{}, errNoFile
		}
		if err != nil {
			return upload.File{}, err
		}
		if part.FormName() != uploadField || part.FileName() == "" {
			part.Close()
			continue
		}
		defer part.Close()
		return s.spool.Save(part, part.FileName())
	}
}

func (s *Server) record(reqID string, file upload.File, result types.Result, errText string, started time.Time) types.ResultEvent {
	ev := types.ResultEvent{
		RequestID:  reqID,
		UploadName: file.Name,
		Boxes:      result.Boxes,
		FPS:        result.FPS,
		Error:      errText,
		LatencyMS:  float64(time.Since(started).Microseconds()) / 1000,
		Timestamp:  time.Now().UTC(),
	}
	if s.opts.Results != nil && !s.opts.Results.Record(ev) {
		log.Warn("[%s] Result log full, dropped record", reqID)
	}
	return ev
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "port": s.opts.Port})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusPayload())
}

func (s *Server) statusPayload() map[string]any {
	payload := map[string]any{
		"service":             s.svc.Status(),
		"uploads_outstanding": s.spool.Outstanding(),
		"timestamp":           float64(time.Now().Unix()),
	}
	if fc, ok := s.opts.Feed.(interface{ ClientCount() int }); ok {
		payload["feed_clients"] = fc.ClientCount()
	}
	return payload
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.statusPayload()); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Result store not configured"}, http.StatusNotFound)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONWithStatus(w, map[string]any{"error": "Invalid limit"}, http.StatusBadRequest)
			return
		}
		limit = n
	}

	results, err := s.opts.History.Recent(r.Context(), limit)
	if err != nil {
		log.Error("[%s] Failed to load results: %v", RequestID(r.Context()), err)
		writeJSONWithStatus(w, map[string]any{"error": "Failed to load results"}, http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []types.ResultEvent{}
	}
	writeJSON(w, map[string]any{"results": results, "count": len(results)})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Result store not configured"}, http.StatusNotFound)
		return
	}

	id := r.PathValue("id")
	ev, err := s.opts.History.Get(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSONWithStatus(w, map[string]any{"error": "Result not found"}, http.StatusNotFound)
	case err != nil:
		log.Error("[%s] Failed to load result %s: %v", RequestID(r.Context()), id, err)
		writeJSONWithStatus(w, map[string]any{"error": "Failed to load result"}, http.StatusInternalServerError)
	default:
		writeJSON(w, ev)
	}
}

func (s *Server) handleFeedOffer(w http.ResponseWriter, r *http.Request) {
	if s.opts.Feed == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Result feed not enabled"}, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxOfferBytes))
	if err != nil || !json.Valid(body) {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.opts.Feed.HandleOffer(body)
	switch {
	case errors.Is(err, feed.ErrTooManyClients):
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	case errors.Is(err, feed.ErrInvalidOffer):
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data", "details": err.Error()}, http.StatusBadRequest)
		return
	case err != nil:
		log.Error("[%s] Failed to handle offer: %v", RequestID(r.Context()), err)
		writeJSONWithStatus(w, map[string]any{"error": "Failed to handle offer"}, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func isMaxBytes(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || (err != nil && strings.Contains(err.Error(), "request body too large"))
}
