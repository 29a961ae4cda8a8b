package spectrum

import (
	"context"
	"slices"
	"time"

	"sonic-sentinel/models"
)

// WatchDevices polls the backend and calls onChange whenever the set of
// input devices differs from the previous poll. It returns when ctx is done.
func WatchDevices(ctx context.Context, b Backend, interval time.Duration, onChange func([]models.InputDevice)) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ListInputDevices(b)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := ListInputDevices(b)
			if !sameDevices(last, current) {
				last = current
				onChange(current)
			}
		}
	}
}

func sameDevices(a, b []models.InputDevice) bool {
	return slices.EqualFunc(a, b, func(x, y models.InputDevice) bool {
		return x.ID == y.ID && x.Name == y.Name
	})
}
