package trigger

import (
	"regexp"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/beatrix-ha/beatrix/internal/model"
)

type trackedCron struct {
	sig      *model.Signal
	schedule cronlib.Schedule
	next     time.Time
}

// trackedTimer covers both KindTime (offset==0) and KindOffset signals: a
// deadline that fires once, and rearms by offset when repeatForever is set.
type trackedTimer struct {
	sig           *model.Signal
	deadline      time.Time
	repeatForever bool
	offset        time.Duration
	fired         bool
}

type trackedState struct {
	sig       *model.Signal
	entityIDs map[string]struct{}
	regex     *regexp.Regexp
}

type trackedRange struct {
	sig       *model.Signal
	data      model.StateRangeData
	enteredAt *time.Time
	fired     bool
}

func (r *trackedRange) inRange(value float64) bool {
	if r.data.Min != nil && value < *r.data.Min {
		return false
	}
	if r.data.Max != nil && value > *r.data.Max {
		return false
	}
	return true
}
