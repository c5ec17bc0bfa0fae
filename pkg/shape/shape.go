// Package shape models the load profile of a run as a sequence of phases.
// Each phase linearly interpolates the target virtual-user count over its
// duration, which lets a single run express spikes, ramps, steady plateaus
// and stress ramps.
package shape

import (
	"math"
	"time"

	"github.com/ethpandaops/stressoor/pkg/registry"
)

// spikeDuration is the nominal length of an instantaneous spike phase.
const spikeDuration = 100 * time.Millisecond

// Phase is one segment of a load profile.
type Phase struct {
	Start     time.Duration
	Duration  time.Duration
	UserStart int
	UserEnd   int
	SpawnRate float64
}

// UserCountAt returns the interpolated user count at elapsed time t, or
// ok=false when t falls outside the phase.
func (p Phase) UserCountAt(t time.Duration) (int, bool) {
	if t < p.Start || t > p.Start+p.Duration {
		return 0, false
	}

	if p.Duration == 0 {
		return p.UserEnd, true
	}

	progress := float64(t-p.Start) / float64(p.Duration)

	return p.UserStart + int(float64(p.UserEnd-p.UserStart)*progress), true
}

// Shape is an ordered sequence of phases.
type Shape struct {
	phases []Phase
}

// Tick returns the target user count and spawn rate at elapsed time t.
// ok=false means the profile is exhausted and the run should wind down.
func (s *Shape) Tick(t time.Duration) (users int, spawnRate float64, ok bool) {
	for _, phase := range s.phases {
		if count, active := phase.UserCountAt(t); active {
			return count, phase.SpawnRate, true
		}
	}

	return 0, 0, false
}

// TotalDuration returns the length of the whole profile.
func (s *Shape) TotalDuration() time.Duration {
	if len(s.phases) == 0 {
		return 0
	}

	last := s.phases[len(s.phases)-1]

	return last.Start + last.Duration
}

// PeakUsers returns the highest user count any phase reaches.
func (s *Shape) PeakUsers() int {
	peak := 0

	for _, phase := range s.phases {
		if phase.UserStart > peak {
			peak = phase.UserStart
		}

		if phase.UserEnd > peak {
			peak = phase.UserEnd
		}
	}

	return peak
}

// Builder assembles a Shape phase by phase.
type Builder struct {
	phases  []Phase
	current time.Duration
}

// NewBuilder returns an empty profile builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// lastUsers returns the user count the previous phase ended on.
func (b *Builder) lastUsers() int {
	if len(b.phases) == 0 {
		return 0
	}

	return b.phases[len(b.phases)-1].UserEnd
}

// Spike adds a near-instantaneous jump to the given user count.
func (b *Builder) Spike(users int) *Builder {
	b.phases = append(b.phases, Phase{
		Start:     b.current,
		Duration:  spikeDuration,
		UserStart: users,
		UserEnd:   users,
		SpawnRate: float64(users),
	})
	b.current += spikeDuration

	return b
}

// RampUp linearly grows from the previous phase's user count.
func (b *Builder) RampUp(toUsers int, duration time.Duration) *Builder {
	from := b.lastUsers()

	b.phases = append(b.phases, Phase{
		Start:     b.current,
		Duration:  duration,
		UserStart: from,
		UserEnd:   toUsers,
		SpawnRate: spawnRateFor(from, toUsers, duration),
	})
	b.current += duration

	return b
}

// Steady holds a constant user count for the given duration.
func (b *Builder) Steady(users int, duration time.Duration) *Builder {
	b.phases = append(b.phases, Phase{
		Start:     b.current,
		Duration:  duration,
		UserStart: users,
		UserEnd:   users,
		SpawnRate: 1,
	})
	b.current += duration

	return b
}

// StressRamp linearly moves between two explicit user counts.
func (b *Builder) StressRamp(fromUsers, toUsers int, duration time.Duration) *Builder {
	b.phases = append(b.phases, Phase{
		Start:     b.current,
		Duration:  duration,
		UserStart: fromUsers,
		UserEnd:   toUsers,
		SpawnRate: spawnRateFor(fromUsers, toUsers, duration),
	})
	b.current += duration

	return b
}

// Build returns the assembled shape.
func (b *Builder) Build() *Shape {
	return &Shape{phases: b.phases}
}

// spawnRateFor derives users-per-second for a linear ramp.
func spawnRateFor(from, to int, duration time.Duration) float64 {
	if duration <= 0 {
		return float64(to)
	}

	rate := float64(to-from) / duration.Seconds()
	if rate < 0 {
		rate = -rate
	}

	if rate == 0 {
		rate = 1
	}

	return rate
}

// Flat returns a single-phase shape: ramp to users at spawnRate, then hold
// until duration elapses. This is the profile used when a definition has no
// explicit shape.
func Flat(users int, spawnRate float64, duration time.Duration) *Shape {
	if spawnRate <= 0 {
		spawnRate = float64(users)
	}

	// Request-limit-only definitions carry no duration; hold the plateau
	// until the limit (or a stop) ends the run.
	if duration <= 0 {
		duration = time.Duration(math.MaxInt64)
	}

	rampDur := time.Duration(float64(users) / spawnRate * float64(time.Second))
	if rampDur > duration {
		rampDur = duration
	}

	b := NewBuilder()
	b.StressRamp(0, users, rampDur)

	if remaining := duration - rampDur; remaining > 0 {
		b.Steady(users, remaining)
	}

	return b.Build()
}

// FromDefinition builds a shape from the run definition's phase list, or the
// flat profile when no phases are configured.
func FromDefinition(def *registry.Definition) *Shape {
	if len(def.Shape) == 0 {
		return Flat(def.Users, def.SpawnRate, def.Duration)
	}

	b := NewBuilder()

	for _, phase := range def.Shape {
		switch phase.Kind {
		case "spike":
			b.Spike(phase.Users)
		case "ramp":
			b.RampUp(phase.ToUsers, phase.Duration)
		case "steady":
			b.Steady(phase.Users, phase.Duration)
		case "stress":
			b.StressRamp(phase.FromUsers, phase.ToUsers, phase.Duration)
		}
	}

	return b.Build()
}
