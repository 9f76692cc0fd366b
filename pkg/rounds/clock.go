package rounds

import (
	"strconv"
	"time"
)

const DefaultInterval = 15 * time.Minute

// State describes the round containing the last tick.
type State struct {
	ID       int64         `json:"round_id"`
	RefPrice float64       `json:"ref_price"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Left     time.Duration `json:"-"`
	LeftSec  float64       `json:"t_left_sec"`
	IsNew    bool          `json:"-"`
}

func (s State) Key() string { return strconv.FormatInt(s.ID, 10) }

// Clock divides wall time into fixed rounds aligned to the Unix epoch. The
// reference price of a round is the first positive mid seen inside it.
type Clock struct {
	interval time.Duration
	id       int64
	started  bool
	ref      float64
	start    time.Time
	end      time.Time
}

func NewClock(interval time.Duration) *Clock {
	if interval < time.Second {
		interval = DefaultInterval
	}
	return &Clock{interval: interval}
}

func (c *Clock) Interval() time.Duration { return c.interval }

// Tick advances the clock to now. IsNew is set when a new round begins or
// when the current round is first anchored to a positive mid.
func (c *Clock) Tick(now time.Time, mid float64) State {
	step := int64(c.interval / time.Second)
	id := now.Unix() / step * step

	isNew := false
	if !c.started || id != c.id {
		c.started = true
		c.id = id
		c.ref = max(0, mid)
		c.start = time.Unix(id, 0)
		c.end = c.start.Add(c.interval)
		isNew = true
	} else if c.ref <= 0 && mid > 0 {
		c.ref = mid
		isNew = true
	}

	left := max(0, c.end.Sub(now))
	return State{
		ID:       c.id,
		RefPrice: c.ref,
		Start:    c.start,
		End:      c.end,
		Left:     left,
		LeftSec:  left.Seconds(),
		IsNew:    isNew,
	}
}

// Current returns the last computed round without advancing the clock.
func (c *Clock) Current(now time.Time) (State, bool) {
	if !c.started {
		return State{}, false
	}
	left := max(0, c.end.Sub(now))
	return State{ID: c.id, RefPrice: c.ref, Start: c.start, End: c.end, Left: left, LeftSec: left.Seconds()}, true
}
