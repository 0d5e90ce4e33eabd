package prompt

import (
	"fmt"
	"sync"
	"time"
)

// TurnStep is how far the world clock moves for each user turn.
const TurnStep = 5 * time.Minute

// GameTime is the in-world clock reading.
type GameTime struct {
	Day    int
	Hour   int
	Minute int
}

// StartTime is the clock reading of a new conversation.
var StartTime = GameTime{Day: 1, Hour: 8, Minute: 0}

// Add advances t by d, rolling minutes into hours and hours into days.
// Sub-minute precision is discarded.
func (t GameTime) Add(d time.Duration) GameTime {
	total := (t.Day-1)*24*60 + t.Hour*60 + t.Minute + int(d/time.Minute)
	if total < 0 {
		total = 0
	}
	return GameTime{
		Day:    total/(24*60) + 1,
		Hour:   (total / 60) % 24,
		Minute: total % 60,
	}
}

// String renders the reading as it appears in the world block, e.g. "8:05 (Day 1)".
func (t GameTime) String() string {
	return fmt.Sprintf("%d:%02d (Day %d)", t.Hour, t.Minute, t.Day)
}

// MarshalText encodes t as "day:hh:mm".
func (t GameTime) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%d:%02d:%02d", t.Day, t.Hour, t.Minute)), nil
}

// UnmarshalText parses the MarshalText form.
func (t *GameTime) UnmarshalText(b []byte) error {
	var g GameTime
	if _, err := fmt.Sscanf(string(b), "%d:%d:%d", &g.Day, &g.Hour, &g.Minute); err != nil {
		return fmt.Errorf("invalid game time %q: %w", b, err)
	}
	if g.Day < 1 || g.Hour < 0 || g.Hour > 23 || g.Minute < 0 || g.Minute > 59 {
		return fmt.Errorf("invalid game time %q", b)
	}
	*t = g
	return nil
}

// Weather is the in-world weather. The zero value is Sunny.
type Weather int

const (
	Sunny Weather = iota
	Rain
	Snow
	Night
)

var weatherNames = [...]string{"sunny", "rain", "snow", "night"}

func (w Weather) String() string {
	if w < 0 || int(w) >= len(weatherNames) {
		return "unknown"
	}
	return weatherNames[w]
}

// Next returns the weather that follows w in the cycle.
func (w Weather) Next() Weather {
	return (w + 1) % Weather(len(weatherNames))
}

// ParseWeather parses a weather name.
func ParseWeather(s string) (Weather, error) {
	for i, name := range weatherNames {
		if name == s {
			return Weather(i), nil
		}
	}
	return Sunny, fmt.Errorf("unknown weather %q", s)
}

// World supplies the live session variables of the world block. Implementations
// are read each time a prompt is assembled.
type World interface {
	Snapshot() (GameTime, Weather)
}

// WorldClock is a mutable World safe for concurrent use.
type WorldClock struct {
	mu      sync.Mutex
	now     GameTime
	weather Weather
}

// NewWorldClock returns a clock at StartTime with sunny weather.
func NewWorldClock() *WorldClock {
	return &WorldClock{now: StartTime}
}

// Restore sets the clock to a previously saved reading.
func (c *WorldClock) Restore(t GameTime, w Weather) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
	c.weather = w
}

// Snapshot returns the current reading.
func (c *WorldClock) Snapshot() (GameTime, Weather) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now, c.weather
}

// Tick advances the clock by one turn and returns the step taken.
func (c *WorldClock) Tick() time.Duration {
	c.Advance(TurnStep)
	return TurnStep
}

// Advance moves the clock forward by d.
func (c *WorldClock) Advance(d time.Duration) GameTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// CycleWeather moves to the next weather and returns it.
func (c *WorldClock) CycleWeather() Weather {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.weather = c.weather.Next()
	return c.weather
}
