package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"sonic-sentinel/countermeasure"
	"sonic-sentinel/db"
	"sonic-sentinel/engine"
	"sonic-sentinel/models"
	"sonic-sentinel/reports"
	"sonic-sentinel/spectrum"
	"sonic-sentinel/threat"
	"sonic-sentinel/ui"
	"sonic-sentinel/utils"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/gordonklaus/portaudio"
	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/mdobak/go-xerrors"
)

type apiError struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

type calibrationResponse struct {
	Thresholds threat.Thresholds        `json:"thresholds"`
	Settings   models.DetectionSettings `json:"settings"`
}

type selectDeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{Message: message})
}

// errorKind names the failure class of err for clients.
func errorKind(err error) string {
	var (
		captureErr        *spectrum.CaptureError
		calibrationErr    *threat.CalibrationError
		countermeasureErr *countermeasure.CountermeasureError
		submissionErr     *reports.SubmissionError
	)
	switch {
	case errors.As(err, &calibrationErr):
		return string(calibrationErr.Kind)
	case errors.As(err, &captureErr):
		return string(captureErr.Kind)
	case errors.As(err, &countermeasureErr):
		return string(countermeasureErr.Kind)
	case errors.As(err, &submissionErr):
		return string(submissionErr.Kind)
	}
	return ""
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, threat.ErrDeviceBusy):
		return http.StatusConflict
	case errors.Is(err, spectrum.ErrNoDevice):
		return http.StatusNotFound
	case errors.Is(err, spectrum.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), apiError{Kind: errorKind(err), Message: err.Error()})
}

// route dispatches by method, answering CORS preflight requests and
// rejecting methods without a handler.
func route(handlers map[string]http.HandlerFunc) http.HandlerFunc {
	allowed := make([]string, 0, len(handlers)+1)
	for method := range handlers {
		allowed = append(allowed, method)
	}
	allowed = append(allowed, http.MethodOptions)
	allowHeader := strings.Join(allowed, ", ")

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", allowHeader)
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler, ok := handlers[r.Method]
		if !ok {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		handler(w, r)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// apiHandlers serves the REST surface over one engine and its database.
type apiHandlers struct {
	engine      *engine.Engine
	db          *db.SQLiteClient
	reportToken string
	logger      *slog.Logger
}

func (h *apiHandlers) register(mux *http.ServeMux) {
	mux.HandleFunc("/api/reports", route(map[string]http.HandlerFunc{
		http.MethodPost: h.createReport,
		http.MethodGet:  h.listReports,
	}))
	mux.HandleFunc("/api/detections", route(map[string]http.HandlerFunc{
		http.MethodGet: h.listDetections,
	}))
	mux.HandleFunc("/api/history", route(map[string]http.HandlerFunc{
		http.MethodGet:    h.getHistory,
		http.MethodDelete: h.clearHistory,
	}))
	mux.HandleFunc("/api/state", route(map[string]http.HandlerFunc{
		http.MethodGet: h.getState,
	}))
	mux.HandleFunc("/api/start", route(map[string]http.HandlerFunc{
		http.MethodPost: h.start,
	}))
	mux.HandleFunc("/api/stop", route(map[string]http.HandlerFunc{
		http.MethodPost: h.stop,
	}))
	mux.HandleFunc("/api/settings", route(map[string]http.HandlerFunc{
		http.MethodGet:   h.getSettings,
		http.MethodPatch: h.patchSettings,
	}))
	mux.HandleFunc("/api/calibrate", route(map[string]http.HandlerFunc{
		http.MethodPost: h.calibrate,
	}))
	mux.HandleFunc("/api/countermeasure/activate", route(map[string]http.HandlerFunc{
		http.MethodPost: h.activate,
	}))
	mux.HandleFunc("/api/countermeasure/deactivate", route(map[string]http.HandlerFunc{
		http.MethodPost: h.deactivate,
	}))
	mux.HandleFunc("/api/devices", route(map[string]http.HandlerFunc{
		http.MethodGet: h.listDevices,
	}))
	mux.HandleFunc("/api/devices/select", route(map[string]http.HandlerFunc{
		http.MethodPost: h.selectDevice,
	}))
}

func (h *apiHandlers) createReport(w http.ResponseWriter, r *http.Request) {
	if h.reportToken != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.reportToken {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
	}

	var report models.Report
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&report); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid report payload")
		return
	}
	if report.Band == "" || report.Description == "" {
		writeJSONError(w, http.StatusBadRequest, "band and description are required")
		return
	}

	if err := h.db.SaveReport(report); err != nil {
		h.logger.Error("failed to save report", slog.Any("error", xerrors.New(err)))
		writeJSONError(w, http.StatusInternalServerError, "failed to save report")
		return
	}
	h.logger.Info("report received",
		slog.String("band", string(report.Band)),
		slog.Float64("intensity", report.IntensityPercent),
		slog.String("user", report.UserID),
	)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func (h *apiHandlers) listReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		list []models.Report
		err  error
	)
	if q.Get("lat") != "" && q.Get("lng") != "" {
		lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
		lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
		if latErr != nil || lngErr != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid lat/lng")
			return
		}
		radius := 10.0
		if raw := q.Get("radius"); raw != "" {
			if v, parseErr := strconv.ParseFloat(raw, 64); parseErr == nil && v > 0 {
				radius = v
			}
		}
		list, err = h.db.ListReportsNear(lat, lng, radius)
	} else {
		list, err = h.db.ListReports(queryInt(r, "limit", 100))
	}
	if err != nil {
		h.logger.Error("failed to list reports", slog.Any("error", xerrors.New(err)))
		writeJSONError(w, http.StatusInternalServerError, "failed to fetch reports")
		return
	}
	if list == nil {
		list = []models.Report{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *apiHandlers) listDetections(w http.ResponseWriter, r *http.Request) {
	events, err := h.db.ListDetectionEvents(queryInt(r, "limit", 100))
	if err != nil {
		h.logger.Error("failed to list detections", slog.Any("error", xerrors.New(err)))
		writeJSONError(w, http.StatusInternalServerError, "failed to fetch detections")
		return
	}
	if events == nil {
		events = []models.DetectionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *apiHandlers) getHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.History())
}

func (h *apiHandlers) clearHistory(w http.ResponseWriter, _ *http.Request) {
	h.engine.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandlers) getState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.State())
}

func (h *apiHandlers) start(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Start(context.Background()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.State())
}

func (h *apiHandlers) stop(w http.ResponseWriter, _ *http.Request) {
	h.engine.Stop()
	writeJSON(w, http.StatusOK, h.engine.State())
}

func (h *apiHandlers) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Settings())
}

func (h *apiHandlers) patchSettings(w http.ResponseWriter, r *http.Request) {
	var patch models.SettingsPatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&patch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid settings payload")
		return
	}
	settings, err := h.engine.UpdateSettings(patch)
	if err != nil {
		// Settings are applied even when persisting them failed.
		h.logger.Warn("settings applied but not saved", slog.Any("error", err))
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *apiHandlers) calibrate(w http.ResponseWriter, r *http.Request) {
	thresholds, err := h.engine.Calibrate(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calibrationResponse{Thresholds: thresholds, Settings: h.engine.Settings()})
}

func (h *apiHandlers) activate(w http.ResponseWriter, _ *http.Request) {
	activated := h.engine.ManuallyActivate()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activated": activated,
		"state":     h.engine.State(),
	})
}

func (h *apiHandlers) deactivate(w http.ResponseWriter, _ *http.Request) {
	h.engine.ManuallyDeactivate()
	writeJSON(w, http.StatusOK, h.engine.State())
}

func (h *apiHandlers) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.ListInputDevices())
}

func (h *apiHandlers) selectDevice(w http.ResponseWriter, r *http.Request) {
	var req selectDeviceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid device payload")
		return
	}
	if err := h.engine.SelectDevice(r.Context(), req.DeviceID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.State())
}

func newSocketServer() *socketio.Server {
	allowOriginFunc := func(r *http.Request) bool {
		return true
	}
	return socketio.NewServer(&engineio.Options{
		PingTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		Transports: []transport.Transport{
			&websocket.Transport{
				CheckOrigin: allowOriginFunc,
			},
			&polling.Transport{
				CheckOrigin: allowOriginFunc,
			},
		},
	})
}

func serve(protocol, port string, autoStart bool) {
	protocol = strings.ToLower(protocol)
	logger := utils.GetLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to start sentinel: %v", err)
	}
	defer a.Close()

	server := newSocketServer()
	controller := newSocketController(a.engine, server, logger)
	controller.register()

	go func() {
		if err := server.Serve(); err != nil {
			log.Fatalf("socketio listen error: %s\n", err)
		}
	}()
	defer server.Close()

	go controller.streamSpectrum(ctx)
	go a.engine.WatchDevices(ctx, cfg.DevicePoll)

	if autoStart {
		if err := a.engine.Start(ctx); err != nil {
			logger.Warn("capture not started", slog.Any("error", err))
		}
	}

	api := &apiHandlers{engine: a.engine, db: a.db, reportToken: cfg.ReportAPIToken, logger: logger}
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", server)
	api.register(mux)
	mux.Handle("/", http.FileServer(http.Dir("static")))

	serveHTTP(ctx, protocol == "https", port, mux)
}

func serveHTTP(ctx context.Context, serveHTTPS bool, port string, handler http.Handler) {
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if serveHTTPS {
		certFile := utils.GetEnv("CERT_FILE", "/etc/letsencrypt/live/localport.online/fullchain.pem")
		certKey := utils.GetEnv("CERT_KEY", "/etc/letsencrypt/live/localport.online/privkey.pem")
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}

		log.Printf("Starting HTTPS server on port %v\n", port)
		if err := srv.ListenAndServeTLS(certFile, certKey); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTPS server ListenAndServeTLS: %v", err)
		}
		return
	}

	log.Printf("Starting HTTP server on port %v", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("HTTP server ListenAndServe: %v", err)
	}
}

func listDevices(synthetic bool) {
	var backend spectrum.Backend
	if synthetic {
		backend = spectrum.NewSyntheticBackend(spectrum.DemoScenario())
	} else {
		if err := portaudio.Initialize(); err != nil {
			log.Fatalf("failed to initialize portaudio: %v", err)
		}
		defer portaudio.Terminate()
		backend = spectrum.NewPortAudioBackend()
	}

	devices := spectrum.ListInputDevices(backend)
	fmt.Printf("%d input device(s)\n", len(devices))
	for _, d := range devices {
		rate := ""
		if d.DefaultSampleRate > 0 {
			rate = fmt.Sprintf(" (%s Hz)", humanize.Comma(int64(d.DefaultSampleRate)))
		}
		fmt.Printf("  %-40s %s%s\n", d.ID, d.Name, rate)
	}
}

func runCalibration(deviceID string) {
	logger := utils.GetLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()
	if deviceID != "" {
		cfg.DeviceID = deviceID
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to start sentinel: %v", err)
	}
	defer a.Close()

	a.engine.OnCalibrationProgress(func(percent float64) {
		fmt.Printf("\rcalibrating... %3.0f%%", percent)
	})
	thresholds, err := a.engine.Calibrate(ctx)
	fmt.Println()
	if err != nil {
		log.Fatalf("calibration failed: %v", err)
	}
	fmt.Printf("band A threshold: %.1f\nband B threshold: %.1f\nsaved to %s\n",
		thresholds.BandA, thresholds.BandB, cfg.PreferencesPath)
}

func printHistory(limit int) {
	cfg := loadConfig()
	sqlite, err := db.NewSQLiteClient(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer sqlite.Close()

	events, err := sqlite.ListDetectionEvents(limit)
	if err != nil {
		log.Fatalf("failed to read detections: %v", err)
	}
	if len(events) == 0 {
		fmt.Println("no detections recorded")
		return
	}

	fmt.Printf("%s detection event(s)\n", humanize.Comma(int64(len(events))))
	for _, ev := range events {
		marker := " "
		if ev.CountermeasureActivated {
			marker = "*"
		}
		fmt.Printf("%s %-22s %5.1f%%  %-16s %s\n", marker, ev.Band.Label(), ev.IntensityPercent,
			humanize.Time(ev.Timestamp), ev.Timestamp.Format(time.RFC3339))
	}
}

func runMonitor(demo bool, logPath string) {
	cfg := loadConfig()
	if demo {
		cfg.Source = "synthetic"
	}

	// The terminal belongs to the UI, so logs go to a file.
	if err := utils.CreateFolder(cfg.DataDir); err != nil {
		log.Fatalf("%v", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatalf("failed to open log file: %v", err)
	}
	defer logFile.Close()
	logger := utils.NewLogger(logFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to start sentinel: %v", err)
	}
	defer a.Close()

	if err := a.engine.Start(ctx); err != nil {
		logger.Warn("capture not started", slog.Any("error", err))
	}

	program := tea.NewProgram(ui.NewModel(a.engine, "Sonic Sentinel"), tea.WithAltScreen())
	a.engine.OnError(func(err error) {
		program.Send(ui.EngineErrorMsg{Err: err})
	})
	if _, err := program.Run(); err != nil {
		log.Fatalf("monitor error: %v", err)
	}
}
