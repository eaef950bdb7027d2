package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	app "forest-watch/internal/application"
	"forest-watch/internal/domain/entity"
	"forest-watch/internal/infrastructure/eventbus"
	"forest-watch/internal/infrastructure/vision"
)

const (
	jpegQuality     = 80
	eventsBuffer    = 64
	mjpegBuffer     = 2
	shutdownTimeout = 5 * time.Second
	writeTimeout    = 5 * time.Second
)

// Control управление потоками
type Control interface {
	Start(ctx context.Context, streamID string, src entity.StreamSource) error
	Stop(streamID string) error
	ChangeSource(ctx context.Context, streamID string, src entity.StreamSource) error
	SetThresholds(streamID string, conf, iou float64) error
	Reset(streamID string) error
	Status(streamID string) (app.WorkerStatus, error)
	List() []app.WorkerStatus
}

// Latest последние данные потоков
type Latest interface {
	Frame(streamID string) (entity.Frame, bool)
	Event(streamID string) (entity.DetectionEvent, bool)
	Alerts() []entity.FireAlert
}

// Bus подписка на события конвейеров
type Bus interface {
	Subscribe(id string, filter eventbus.Filter, buffer int) (<-chan eventbus.Message, error)
	Unsubscribe(id string) error
}

// Server HTTP API: управление потоками, живая лента событий и видео
type Server struct {
	router   *mux.Router
	control  Control
	latest   Latest
	bus      Bus
	metrics  http.Handler
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer создаёт сервер; metrics может быть nil
func NewServer(control Control, latest Latest, bus Bus, metrics http.Handler, log zerolog.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		control: control,
		latest:  latest,
		bus:     bus,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log.With().Str("component", "http").Logger(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Потоки
	api.HandleFunc("/streams", s.handleListStreams).Methods("GET")
	api.HandleFunc("/streams/{id}", s.handleGetStream).Methods("GET")
	api.HandleFunc("/streams/{id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/streams/{id}/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/streams/{id}/source", s.handleChangeSource).Methods("PUT")
	api.HandleFunc("/streams/{id}/thresholds", s.handleThresholds).Methods("PUT")
	api.HandleFunc("/streams/{id}/reset", s.handleReset).Methods("POST")
	api.HandleFunc("/streams/{id}/detections", s.handleLatestEvent).Methods("GET")

	// Оповещения и живая лента
	api.HandleFunc("/alerts", s.handleAlerts).Methods("GET")
	api.HandleFunc("/events", s.handleEvents)

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Видео
	s.router.HandleFunc("/streams/{id}/mjpeg", s.handleMJPEG).Methods("GET")
	s.router.HandleFunc("/streams/{id}/snapshot.jpg", s.handleSnapshot).Methods("GET")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// Handler возвращает корневой обработчик с CORS
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Run обслуживает addr до отмены контекста
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.log.Info().Msg("http server stopped")
	return nil
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HTTP Handlers

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	list := s.control.List()
	out := make([]statusDTO, 0, len(list))
	for _, st := range list {
		out = append(out, toStatusDTO(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	st, err := s.control.Status(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(st))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	src, ok := decodeSource(w, r)
	if !ok {
		return
	}
	if err := s.control.Start(r.Context(), id, src); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondStatus(w, id)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.control.Stop(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondStatus(w, id)
}

func (s *Server) handleChangeSource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	src, ok := decodeSource(w, r)
	if !ok {
		return
	}
	if err := s.control.ChangeSource(r.Context(), id, src); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondStatus(w, id)
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req thresholdsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.control.SetThresholds(id, req.Confidence, req.IoU); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondStatus(w, id)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.control.Reset(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondStatus(w, id)
}

func (s *Server) handleLatestEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.control.Status(id); err != nil {
		s.writeError(w, err)
		return
	}
	event, ok := s.latest.Event(id)
	if !ok {
		http.Error(w, "no frames processed yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(event))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	stream := r.URL.Query().Get("stream")
	alerts := s.latest.Alerts()
	out := make([]alertDTO, 0, len(alerts))
	for _, a := range alerts {
		if stream != "" && a.StreamID != stream {
			continue
		}
		out = append(out, toAlertDTO(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int)
	for _, st := range s.control.List() {
		counts[string(st.State)]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"streams": counts,
	})
}

// handleEvents websocket-лента событий; ?stream= ограничивает поток, ?kinds= типы сообщений.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	subID := "ws-" + uuid.NewString()
	messages, err := s.bus.Subscribe(subID, filter, eventsBuffer)
	if err != nil {
		s.log.Error().Err(err).Msg("event subscription failed")
		return
	}
	defer func() { _ = s.bus.Unsubscribe(subID) }()

	// Клиент ничего не присылает; чтение нужно только чтобы заметить закрытие.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			env, ok := toEnvelope(msg)
			if !ok {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(env); err != nil {
				s.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.control.Status(id); err != nil {
		s.writeError(w, err)
		return
	}
	frame, ok := s.latest.Frame(id)
	if !ok {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	data, err := vision.EncodeJPEG(frame, jpegQuality)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

// handleMJPEG отдаёт аннотированные кадры потока как multipart/x-mixed-replace
func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.control.Status(id); err != nil {
		s.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	subID := "mjpeg-" + uuid.NewString()
	frames, err := s.bus.Subscribe(subID, eventbus.Filter{Kinds: []eventbus.Kind{eventbus.KindFrame}, StreamID: id}, mjpegBuffer)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer func() { _ = s.bus.Unsubscribe(subID) }()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Debug().Str("stream", id).Msg("mjpeg client connected")
	defer s.log.Debug().Str("stream", id).Msg("mjpeg client disconnected")

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-frames:
			if !ok {
				return
			}
			data, err := vision.EncodeJPEG(msg.Frame, jpegQuality)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) respondStatus(w http.ResponseWriter, id string) {
	st, err := s.control.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(st))
}

// writeError переводит доменную ошибку в HTTP-код
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var openErr *entity.OpenError

	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, entity.ErrUnknownStream):
		code = http.StatusNotFound
	case errors.Is(err, entity.ErrAlreadyRunning), errors.Is(err, entity.ErrNotRunning):
		code = http.StatusConflict
	case errors.Is(err, entity.ErrInvalidThreshold):
		code = http.StatusBadRequest
	case errors.As(err, &openErr):
		code = http.StatusUnprocessableEntity
	}
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeSource(w http.ResponseWriter, r *http.Request) (entity.StreamSource, bool) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return entity.StreamSource{}, false
	}
	src, err := entity.ParseStreamSource(req.Source)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return entity.StreamSource{}, false
	}
	return src, true
}

func parseFilter(r *http.Request) (eventbus.Filter, error) {
	q := r.URL.Query()
	filter := eventbus.Filter{StreamID: q.Get("stream")}

	raw := q.Get("kinds")
	if raw == "" {
		filter.Kinds = []eventbus.Kind{eventbus.KindDetections, eventbus.KindFire, eventbus.KindStatus}
		return filter, nil
	}
	for _, k := range strings.Split(raw, ",") {
		kind := eventbus.Kind(strings.TrimSpace(k))
		switch kind {
		case eventbus.KindDetections, eventbus.KindFire, eventbus.KindStatus:
			filter.Kinds = append(filter.Kinds, kind)
		default:
			return eventbus.Filter{}, fmt.Errorf("unsupported event kind %q", kind)
		}
	}
	return filter, nil
}
