package breaker

import (
	"time"

	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/domain"
)

const (
	defaultFailureRatio = 0.5
	defaultWindow       = 10
	defaultMinSamples   = 5
	defaultCooldown     = 30 * time.Second
	defaultMaxCooldown  = 5 * time.Minute
)

// Config tunes trip thresholds and cooldown.
type Config struct {
	// FailureRatio trips the breaker when failures/samples reaches it.
	FailureRatio float64
	// Window is the number of trailing counted outcomes.
	Window int
	// MinSamples is the smallest sample size that may trip the breaker.
	MinSamples int
	// Cooldown is the initial time spent open before a probe.
	Cooldown time.Duration
	// MaxCooldown bounds cooldown growth after failed probes.
	MaxCooldown time.Duration

	Classify      domain.Classifier
	Now           func() time.Time
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the reference thresholds.
func DefaultConfig() Config {
	return Config{}.normalized()
}

func (c Config) normalized() Config {
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = defaultFailureRatio
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.MinSamples <= 0 {
		c.MinSamples = defaultMinSamples
	}
	if c.MinSamples > c.Window {
		c.Window = c.MinSamples
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = defaultMaxCooldown
		if c.MaxCooldown < c.Cooldown {
			c.MaxCooldown = c.Cooldown
		}
	}
	if c.Classify == nil {
		c.Classify = domain.Classify
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
