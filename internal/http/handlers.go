package http

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tileview/internal/cache"
	"tileview/internal/fetch"
	"tileview/internal/maplayer"
	"tileview/internal/netwatch"
	"tileview/internal/render"
	"tileview/internal/telemetry"
	"tileview/internal/tile"
)

const maxViewRequestBytes = 4 << 10

type Deps struct {
	Catalog       *maplayer.Catalog
	Cache         *cache.Tiered
	Scheduler     *fetch.Scheduler
	Renderer      *render.Renderer
	Camera        *render.Camera
	Network       netwatch.Reachability
	AllowedOrigin string
}

type Handlers struct {
	deps     Deps
	logger   *zap.Logger
	validate *validator.Validate
}

func New(deps Deps, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Network == nil {
		deps.Network = netwatch.Static(true)
	}
	return &Handlers{
		deps:     deps,
		logger:   logger,
		validate: validator.New(),
	}
}

// Routes returns the full handler chain: CORS, request logging, tracing and
// the routes themselves.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/stats", h.HandleStats)
	mux.HandleFunc("GET /api/layers", h.HandleLayers)
	mux.HandleFunc("GET /api/tiles/{layer}/{x}/{y}", h.HandleTile)
	mux.HandleFunc("GET /api/view", h.HandleGetView)
	mux.HandleFunc("POST /api/view", h.HandleSetView)
	mux.HandleFunc("POST /api/cache/clear", h.HandleClearCache)

	return h.CORSMiddleware(h.RequestLoggingMiddleware(telemetry.Middleware(mux)))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", clientIP(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

// CORSMiddleware allows the configured origin, or same-host origins when none
// is configured.
func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := h.deps.AllowedOrigin
		if allowed == "" {
			switch {
			case origin == "":
				allowed = "*"
			case origin == "http://"+r.Host || origin == "https://"+r.Host:
				allowed = origin
			}
		}

		if allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statsResponse struct {
	Cache            cache.Stats  `json:"cache"`
	Fetch            fetch.Stats  `json:"fetch"`
	Render           render.Stats `json:"render"`
	Sources          []string     `json:"sources"`
	NetworkReachable bool         `json:"network_reachable"`
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Cache:            h.deps.Cache.Stats(),
		Fetch:            h.deps.Scheduler.Stats(),
		Render:           h.deps.Renderer.Stats(),
		Sources:          []string{},
		NetworkReachable: h.deps.Network.Reachable(),
	}
	for _, src := range h.deps.Scheduler.Sources() {
		resp.Sources = append(resp.Sources, src.Name())
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleLayers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Catalog.Layers())
}

// HandleTile serves the encoded bytes of one tile from the caches or the
// first source that has it.
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	layer := r.PathValue("layer")
	if _, ok := h.deps.Catalog.Lookup(layer); !ok {
		http.Error(w, "Unknown layer", http.StatusNotFound)
		return
	}

	x, err := strconv.Atoi(r.PathValue("x"))
	if err != nil {
		http.Error(w, "Invalid x coordinate", http.StatusBadRequest)
		return
	}
	yPart := r.PathValue("y")
	if i := strings.IndexByte(yPart, '.'); i >= 0 {
		yPart = yPart[:i]
	}
	y, err := strconv.Atoi(yPart)
	if err != nil {
		http.Error(w, "Invalid y coordinate", http.StatusBadRequest)
		return
	}

	key := tile.New(layer, x, y)
	data, ok := h.deps.Scheduler.Resolve(r.Context(), key)
	if !ok {
		http.Error(w, "Tile not found", http.StatusNotFound)
		return
	}

	etag := `"` + etagFor(data) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(data)
}

type viewResponse struct {
	CenterX        float64 `json:"center_x"`
	CenterY        float64 `json:"center_y"`
	MetresPerPixel float64 `json:"metres_per_pixel"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Animation      string  `json:"animation"`
	Layer          string  `json:"layer"`
}

func (h *Handlers) viewResponse(now time.Time) viewResponse {
	st := h.deps.Camera.State(now)
	resp := viewResponse{
		CenterX:        st.CenterX,
		CenterY:        st.CenterY,
		MetresPerPixel: st.MetresPerPixel,
		Width:          st.Width,
		Height:         st.Height,
		Animation:      st.Animation.Kind.String(),
	}
	if l, ok := h.deps.Catalog.At(h.deps.Catalog.BestFor(st.MetresPerPixel)); ok {
		resp.Layer = l.ID
	}
	return resp
}

func (h *Handlers) HandleGetView(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.viewResponse(time.Now()))
}

type viewRequest struct {
	CenterX        *float64 `json:"center_x" validate:"required_with=CenterY"`
	CenterY        *float64 `json:"center_y" validate:"required_with=CenterX"`
	MetresPerPixel *float64 `json:"metres_per_pixel" validate:"omitempty,gt=0"`
	Width          int      `json:"width" validate:"gte=0,lte=16384"`
	Height         int      `json:"height" validate:"gte=0,lte=16384"`
	DurationMS     int      `json:"duration_ms" validate:"gte=0,lte=60000"`
}

// HandleSetView moves the camera. Position and scale animate over
// duration_ms; a size change applies at once.
func (h *Handlers) HandleSetView(w http.ResponseWriter, r *http.Request) {
	var req viewRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxViewRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if (req.Width == 0) != (req.Height == 0) {
		http.Error(w, "width and height must be set together", http.StatusBadRequest)
		return
	}

	now := time.Now()
	d := time.Duration(req.DurationMS) * time.Millisecond
	if req.CenterX != nil {
		h.deps.Camera.PanTo(*req.CenterX, *req.CenterY, now, d)
	}
	if req.MetresPerPixel != nil {
		h.deps.Camera.ZoomTo(*req.MetresPerPixel, now, d)
	}
	if req.Width > 0 {
		h.deps.Camera.Resize(req.Width, req.Height)
	}
	h.deps.Renderer.RequestRedraw()

	h.writeJSON(w, http.StatusOK, h.viewResponse(now))
}

// HandleClearCache empties the memory tier. The disk tier is left alone.
func (h *Handlers) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	h.deps.Cache.Clear()
	h.logger.Info("Memory tile cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func etagFor(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// clientIP trusts X-Real-Ip as sent.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return strings.Split(ip, ":")[0]
	}
	if r.RemoteAddr != "" {
		return strings.Split(r.RemoteAddr, ":")[0]
	}
	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
