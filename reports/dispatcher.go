package reports

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"

	"sonic-sentinel/geo"
	"sonic-sentinel/models"
	"sonic-sentinel/session"
	"sonic-sentinel/utils"
)

const DefaultSubmitTimeout = 15 * time.Second

// bandCentreHz is the nominal frequency recorded on a report.
var bandCentreHz = map[models.Band]int{
	models.BandA: 6000,
	models.BandB: 15000,
}

// Dispatcher turns detection events into reports and submits them in the
// background. Nothing it does blocks the caller.
type Dispatcher struct {
	sink     Sink
	identity session.Provider
	locator  geo.Locator
	timeout  time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func WithLocator(l geo.Locator) func(d *Dispatcher) {
	return func(d *Dispatcher) {
		d.locator = l
	}
}

func WithLogger(logger *slog.Logger) func(d *Dispatcher) {
	return func(d *Dispatcher) {
		d.logger = logger.With(slog.String("component", "reports"))
	}
}

func WithTimeout(timeout time.Duration) func(d *Dispatcher) {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

func NewDispatcher(sink Sink, identity session.Provider, options ...func(d *Dispatcher)) *Dispatcher {
	if sink == nil {
		sink = NopSink{}
	}
	if identity == nil {
		identity = session.Anonymous
	}
	d := &Dispatcher{
		sink:     sink,
		identity: identity,
		locator:  geo.NoLocator{},
		timeout:  DefaultSubmitTimeout,
		logger:   utils.DiscardLogger(),
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// ShouldForward reports whether event needs a report under settings.
func ShouldForward(event models.DetectionEvent, settings models.DetectionSettings) bool {
	return event.CountermeasureActivated || settings.EnableAutomaticReporting
}

// Forward submits a report for event on its own goroutine. Without an
// identity the report is skipped.
func (d *Dispatcher) Forward(event models.DetectionEvent, settings models.DetectionSettings) {
	user, ok := d.identity.CurrentUser()
	if !ok {
		d.logger.Debug("report skipped, no identity", slog.String("event_id", event.ID))
		return
	}
	token := d.identity.AuthToken()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		report := BuildReport(event, settings, user)
		if settings.EnableGeolocation {
			lat, lon, err := d.locator.Locate(ctx)
			if err != nil {
				d.logger.Debug("submitting report without location", slog.Any("error", err))
			} else {
				report.Latitude, report.Longitude = &lat, &lon
			}
		}

		if err := d.sink.Submit(ctx, report, token); err != nil {
			d.logger.Error("report submission failed",
				slog.String("report_id", report.ID),
				slog.Any("error", xerrors.New(err)),
			)
			return
		}
		d.logger.Info("report submitted", slog.String("report_id", report.ID), slog.String("band", string(report.Band)))
	}()
}

// Wait blocks until every in-flight submission finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func BuildReport(event models.DetectionEvent, settings models.DetectionSettings, user *models.User) models.Report {
	description := fmt.Sprintf("%s activity detected at %.0f%% intensity", event.Band.Label(), event.IntensityPercent)
	if event.Band == models.BandManual {
		description = "Countermeasure activated manually"
	} else if event.CountermeasureActivated {
		description += ", countermeasure active"
	}

	report := models.Report{
		ID:                 event.ID,
		Band:               event.Band,
		FrequencyHz:        bandCentreHz[event.Band],
		Description:        description,
		IntensityPercent:   event.IntensityPercent,
		Timestamp:          event.Timestamp,
		PoliceForceEmail:   settings.PoliceForceEmail,
		LocalPoliceStation: settings.LocalPoliceStation,
	}
	if user != nil {
		report.UserID = user.ID
	}
	return report
}
