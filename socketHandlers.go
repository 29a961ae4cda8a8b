package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"time"

	"sonic-sentinel/engine"
	"sonic-sentinel/models"
	"sonic-sentinel/spectrum"
	"sonic-sentinel/threat"

	socketio "github.com/googollee/go-socket.io"
	"github.com/mdobak/go-xerrors"
)

const spectrumInterval = 100 * time.Millisecond

// spectrumPayload is the throttled frame sent to clients. Bins are sent as
// numbers rather than the base64 a []uint8 would encode to.
type spectrumPayload struct {
	Bins       []int         `json:"bins"`
	SampleRate float64       `json:"sampleRate"`
	Reading    threat.Result `json:"reading"`
	CapturedAt time.Time     `json:"capturedAt"`
}

type socketController struct {
	engine *engine.Engine
	server *socketio.Server
	logger *slog.Logger
}

func newSocketController(eng *engine.Engine, server *socketio.Server, logger *slog.Logger) *socketController {
	return &socketController{engine: eng, server: server, logger: logger}
}

func (c *socketController) broadcast(event string, payload interface{}) {
	c.server.BroadcastToNamespace("/", event, payload)
}

func errorPayload(err error) apiError {
	return apiError{Kind: errorKind(err), Message: err.Error()}
}

// register hooks engine observers to broadcasts and client events to
// engine operations.
func (c *socketController) register() {
	c.engine.OnStateChange(func(state models.DetectionState) {
		c.broadcast("state", state)
	})
	c.engine.OnHistoryAppend(func(models.DetectionEvent) {
		c.broadcast("history", c.engine.History())
	})
	c.engine.OnSettingsChange(func(settings models.DetectionSettings) {
		c.broadcast("settings", settings)
	})
	c.engine.OnDevicesChange(func(devices []models.InputDevice) {
		c.broadcast("devices", devices)
	})
	c.engine.OnCalibrationProgress(func(percent float64) {
		c.broadcast("calibrationProgress", map[string]float64{"percent": percent})
	})
	c.engine.OnError(func(err error) {
		c.broadcast("engineError", errorPayload(err))
	})

	c.server.OnConnect("/", func(socket socketio.Conn) error {
		socket.SetContext("")
		log.Printf("CONNECTED: %s, remote addr: %s\n", socket.ID(), socket.RemoteAddr())
		c.emitSnapshot(socket)
		return nil
	})

	c.server.OnEvent("/", "requestState", func(socket socketio.Conn) {
		c.emitSnapshot(socket)
	})

	c.server.OnEvent("/", "start", func(socket socketio.Conn) {
		if err := c.engine.Start(context.Background()); err != nil {
			socket.Emit("engineError", errorPayload(err))
		}
	})

	c.server.OnEvent("/", "stop", func(socket socketio.Conn) {
		c.engine.Stop()
	})

	c.server.OnEvent("/", "activate", func(socket socketio.Conn) {
		c.engine.ManuallyActivate()
	})

	c.server.OnEvent("/", "deactivate", func(socket socketio.Conn) {
		c.engine.ManuallyDeactivate()
	})

	c.server.OnEvent("/", "clearHistory", func(socket socketio.Conn) {
		c.engine.ClearHistory()
		c.broadcast("history", []models.DetectionEvent{})
	})

	c.server.OnEvent("/", "updateSettings", func(socket socketio.Conn, msg string) {
		c.handleUpdateSettings(socket, msg)
	})

	c.server.OnEvent("/", "selectDevice", func(socket socketio.Conn, deviceID string) {
		if err := c.engine.SelectDevice(context.Background(), deviceID); err != nil {
			socket.Emit("engineError", errorPayload(err))
		}
	})

	c.server.OnEvent("/", "calibrate", func(socket socketio.Conn) {
		// Calibration takes seconds; progress arrives via the broadcast.
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("panic in calibration for socket %s: %v\n", socket.ID(), r)
				}
			}()
			thresholds, err := c.engine.Calibrate(context.Background())
			if err != nil {
				socket.Emit("engineError", errorPayload(err))
				return
			}
			socket.Emit("calibrationResult", thresholds)
		}()
	})

	c.server.OnError("/", func(s socketio.Conn, e error) {
		log.Println("meet error:", e)
	})

	c.server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Printf("Socket disconnected - ID: %s, Reason: %s\n", s.ID(), reason)
	})
}

func (c *socketController) emitSnapshot(socket socketio.Conn) {
	socket.Emit("state", c.engine.State())
	socket.Emit("settings", c.engine.Settings())
	socket.Emit("history", c.engine.History())
	socket.Emit("devices", c.engine.ListInputDevices())
}

func (c *socketController) handleUpdateSettings(socket socketio.Conn, msg string) {
	var patch models.SettingsPatch
	if err := json.Unmarshal([]byte(msg), &patch); err != nil {
		err := xerrors.New(err)
		c.logger.Error("failed to parse settings payload", slog.Any("error", err))
		socket.Emit("engineError", apiError{Message: "invalid settings payload"})
		return
	}
	if _, err := c.engine.UpdateSettings(patch); err != nil {
		socket.Emit("engineError", errorPayload(err))
	}
}

// streamSpectrum broadcasts the latest frame at most every
// spectrumInterval, skipping frames already sent.
func (c *socketController) streamSpectrum(ctx context.Context) {
	ticker := time.NewTicker(spectrumInterval)
	defer ticker.Stop()

	var last *spectrum.Snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap := c.engine.LatestSnapshot()
		if snap == nil || snap == last {
			continue
		}
		last = snap
		c.broadcast("spectrum", newSpectrumPayload(snap, c.engine.Settings()))
	}
}

func newSpectrumPayload(snap *spectrum.Snapshot, settings models.DetectionSettings) spectrumPayload {
	bins := make([]int, len(snap.Bins))
	for i, v := range snap.Bins {
		bins[i] = int(v)
	}
	return spectrumPayload{
		Bins:       bins,
		SampleRate: snap.SampleRate,
		Reading:    threat.Classify(snap, settings),
		CapturedAt: snap.CapturedAt,
	}
}
