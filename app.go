package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"sonic-sentinel/audiograph"
	"sonic-sentinel/countermeasure"
	"sonic-sentinel/db"
	"sonic-sentinel/detections"
	"sonic-sentinel/engine"
	"sonic-sentinel/geo"
	"sonic-sentinel/models"
	"sonic-sentinel/preferences"
	"sonic-sentinel/reports"
	"sonic-sentinel/session"
	"sonic-sentinel/spectrum"
	"sonic-sentinel/tts"
	"sonic-sentinel/utils"

	"github.com/gordonklaus/portaudio"
	"github.com/mdobak/go-xerrors"
)

type appConfig struct {
	DataDir         string
	DBPath          string
	PreferencesPath string
	Source          string
	DeviceID        string
	FFTSize         int
	Smoothing       float64
	SampleRate      float64
	FrameRate       int
	HistoryCap      int
	AlertAsset      string
	NeutralizeAsset string
	WarningText     string
	TTSAPIKey       string
	ReportSink      string
	ReportURL       string
	ReportAPIToken  string
	MQTTBroker      string
	MQTTPort        int
	MQTTTopic       string
	MongoURI        string
	MongoDatabase   string
	Latitude        float64
	Longitude       float64
	GeoLookupURL    string
	DevicePoll      time.Duration
}

func loadConfig() appConfig {
	dataDir := utils.GetEnv("SENTINEL_DATA_DIR", "data")
	return appConfig{
		DataDir:         dataDir,
		DBPath:          utils.GetEnv("SENTINEL_DB_PATH", filepath.Join(dataDir, "sentinel.db")),
		PreferencesPath: utils.GetEnv("SENTINEL_PREFERENCES_PATH", filepath.Join(dataDir, "preferences.yaml")),
		Source:          strings.ToLower(utils.GetEnv("SENTINEL_SOURCE", "portaudio")),
		DeviceID:        utils.GetEnv("SENTINEL_DEVICE", ""),
		FFTSize:         utils.GetEnvInt("SENTINEL_FFT_SIZE", spectrum.DefaultFFTSize),
		Smoothing:       utils.GetEnvFloat("SENTINEL_SMOOTHING", spectrum.DefaultSmoothing),
		SampleRate:      utils.GetEnvFloat("SENTINEL_SAMPLE_RATE", 48000),
		FrameRate:       utils.GetEnvInt("SENTINEL_FRAME_RATE", engine.DefaultFrameRate),
		HistoryCap:      utils.GetEnvInt("SENTINEL_HISTORY_CAP", detections.DefaultCapacity),
		AlertAsset:      utils.GetEnv("SENTINEL_ALERT_ASSET", filepath.Join("assets", "alert.wav")),
		NeutralizeAsset: utils.GetEnv("SENTINEL_NEUTRALIZE_ASSET", filepath.Join("assets", "neutralize.wav")),
		WarningText:     utils.GetEnv("SENTINEL_WARNING_TEXT", countermeasure.DefaultWarningText),
		TTSAPIKey:       utils.GetEnv("GOOGLE_TTS_API_KEY"),
		ReportSink:      strings.ToLower(utils.GetEnv("REPORT_SINK", "http")),
		ReportURL:       utils.GetEnv("REPORT_URL", "http://localhost:5000"),
		ReportAPIToken:  utils.GetEnv("REPORT_API_TOKEN"),
		MQTTBroker:      utils.GetEnv("MQTT_BROKER", "localhost"),
		MQTTPort:        utils.GetEnvInt("MQTT_PORT", 1883),
		MQTTTopic:       utils.GetEnv("MQTT_TOPIC", "sentinel/reports"),
		MongoURI:        utils.GetEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:   utils.GetEnv("MONGO_DATABASE", "sentinel"),
		Latitude:        utils.GetEnvFloat("SENTINEL_LATITUDE", 0),
		Longitude:       utils.GetEnvFloat("SENTINEL_LONGITUDE", 0),
		GeoLookupURL:    utils.GetEnv("GEO_LOOKUP_URL"),
		DevicePoll:      utils.GetEnvDuration("DEVICE_POLL_INTERVAL", 3*time.Second),
	}
}

// app owns every long-lived component of a running sentinel.
type app struct {
	cfg        appConfig
	logger     *slog.Logger
	engine     *engine.Engine
	db         *db.SQLiteClient
	output     *audiograph.Output
	dispatcher *reports.Dispatcher

	closers []func()
}

// newApp wires the engine to capture, playback, persistence and the report
// sink described by cfg. Close releases everything it opened.
func newApp(ctx context.Context, cfg appConfig, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := utils.CreateFolder(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	sqlite, err := db.NewSQLiteClient(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.db = sqlite
	a.closers = append(a.closers, func() { sqlite.Close() })

	usePortAudio := cfg.Source != "synthetic"
	if usePortAudio {
		if err := portaudio.Initialize(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
		}
		a.closers = append(a.closers, func() { portaudio.Terminate() })
	}

	var backend spectrum.Backend
	if usePortAudio {
		backend = spectrum.NewPortAudioBackend(spectrum.WithBackendLogger(logger))
	} else {
		backend = spectrum.NewSyntheticBackend(spectrum.DemoScenario())
	}

	a.output = audiograph.NewOutput(cfg.SampleRate)
	a.startPlayback(ctx, usePortAudio)

	sink, err := a.reportSink(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.dispatcher = reports.NewDispatcher(sink, session.FromEnv(),
		reports.WithLocator(a.locator()),
		reports.WithLogger(logger),
	)

	// The controller reports issues to the engine, which is built after it.
	var eng *engine.Engine
	controllerOptions := []func(c *countermeasure.Controller){
		countermeasure.WithLogger(logger),
		countermeasure.WithAssets(countermeasure.Assets{
			AlertCue:      cfg.AlertAsset,
			NeutralizeCue: cfg.NeutralizeAsset,
			WarningText:   cfg.WarningText,
		}),
		countermeasure.WithIssueHandler(func(err error) {
			if eng != nil {
				eng.ReportIssue(err)
			}
		}),
	}
	if cfg.TTSAPIKey != "" {
		client, err := tts.NewGoogleTTSClient(cfg.TTSAPIKey)
		if err != nil {
			a.Close()
			return nil, err
		}
		controllerOptions = append(controllerOptions, countermeasure.WithSpeaker(tts.NewSpeaker(client, a.output, logger)))
	} else {
		logger.Warn("GOOGLE_TTS_API_KEY not set, spoken warnings disabled")
	}
	controller := countermeasure.NewController(a.output, controllerOptions...)

	constraints := spectrum.RawConstraints()
	constraints.FFTSize = cfg.FFTSize
	constraints.Smoothing = cfg.Smoothing
	constraints.SampleRate = cfg.SampleRate

	eng = engine.New(backend,
		engine.WithLogger(logger),
		engine.WithConfig(engine.Config{FrameRate: cfg.FrameRate, DeviceID: cfg.DeviceID, Constraints: constraints}),
		engine.WithPreferences(preferences.NewFileStore(cfg.PreferencesPath)),
		engine.WithController(controller),
		engine.WithHistory(detections.NewHistory(cfg.HistoryCap)),
		engine.WithDispatcher(a.dispatcher),
	)
	a.engine = eng
	a.closers = append(a.closers, a.dispatcher.Wait, eng.Stop)

	eng.OnHistoryAppend(func(ev models.DetectionEvent) {
		if err := sqlite.SaveDetectionEvent(ev); err != nil {
			logger.Error("failed to persist detection event", slog.Any("error", xerrors.New(err)))
		}
	})
	eng.OnError(func(err error) {
		logger.Warn("engine issue", slog.Any("error", err))
	})
	return a, nil
}

// startPlayback attaches the output to the default playback device. Without
// one the graph is advanced on a wall-clock ticker so fades and cue
// endings still happen.
func (a *app) startPlayback(ctx context.Context, usePortAudio bool) {
	if usePortAudio {
		sink, err := audiograph.OpenPortAudioSink(a.output, 1024)
		if err == nil {
			a.closers = append(a.closers, func() { sink.Close() })
			return
		}
		a.logger.Warn("no playback device, countermeasure audio is silent", slog.Any("error", err))
	}

	clockCtx, cancel := context.WithCancel(ctx)
	a.closers = append(a.closers, cancel)
	go func() {
		const step = 20 * time.Millisecond
		ticker := time.NewTicker(step)
		defer ticker.Stop()
		for {
			select {
			case <-clockCtx.Done():
				return
			case <-ticker.C:
				a.output.Advance(step)
			}
		}
	}()
}

func (a *app) reportSink(ctx context.Context) (reports.Sink, error) {
	switch a.cfg.ReportSink {
	case "http":
		return reports.NewHTTPSink(a.cfg.ReportURL), nil
	case "local":
		return reports.StoreSink{Store: a.db}, nil
	case "mqtt":
		sink, err := reports.NewMQTTSink(a.cfg.MQTTBroker, a.cfg.MQTTPort, a.cfg.MQTTTopic, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sink.Close)
		return sink, nil
	case "mongo":
		sink, err := reports.NewMongoSink(ctx, a.cfg.MongoURI, a.cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			sink.Close(closeCtx)
		})
		return sink, nil
	case "none", "":
		return reports.NopSink{}, nil
	default:
		return nil, fmt.Errorf("unknown REPORT_SINK %q", a.cfg.ReportSink)
	}
}

func (a *app) locator() geo.Locator {
	switch {
	case a.cfg.Latitude != 0 || a.cfg.Longitude != 0:
		return geo.StaticLocator{Latitude: a.cfg.Latitude, Longitude: a.cfg.Longitude}
	case a.cfg.GeoLookupURL != "":
		return geo.NewHTTPLocator(a.cfg.GeoLookupURL)
	default:
		return geo.NoLocator{}
	}
}

// Close tears components down in reverse order of construction.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
