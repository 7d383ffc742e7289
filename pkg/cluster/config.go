package cluster

import (
	"fmt"
	"time"
)

// Config holds cluster connection and retry settings.
type Config struct {
	// Kubeconfig is the kubeconfig path. Empty uses the default loading rules,
	// falling back to the in-cluster service account.
	Kubeconfig string `yaml:"kubeconfig"`

	// Context selects a kubeconfig context. Empty uses the current context.
	Context string `yaml:"context"`

	// Namespace holds every unit pod. Empty uses the kubeconfig namespace.
	Namespace string `yaml:"namespace"`

	// RequestTimeout bounds a single API call attempt.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxRetries is the number of retries after a transient failure.
	MaxRetries int `yaml:"max_retries"`

	// BackoffInitial is the first retry delay; it doubles up to BackoffMax.
	BackoffInitial time.Duration `yaml:"backoff_initial"`

	// BackoffMax caps the retry and resubscription delay.
	BackoffMax time.Duration `yaml:"backoff_max"`

	// UnavailableAfter is the number of consecutive watch failures before the
	// cluster is reported unavailable.
	UnavailableAfter int `yaml:"unavailable_after"`
}

// DefaultConfig returns the default cluster settings.
func DefaultConfig() Config {
	return Config{
		Namespace:        "default",
		RequestTimeout:   10 * time.Second,
		MaxRetries:       3,
		BackoffInitial:   200 * time.Millisecond,
		BackoffMax:       5 * time.Second,
		UnavailableAfter: 5,
	}
}

// withDefaults fills zero values from DefaultConfig. Namespace is left alone so
// the kubeconfig namespace can apply.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = d.BackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.UnavailableAfter <= 0 {
		c.UnavailableAfter = d.UnavailableAfter
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RequestTimeout < 0 || c.BackoffInitial < 0 || c.BackoffMax < 0 {
		return fmt.Errorf("cluster durations must not be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.UnavailableAfter < 0 {
		return fmt.Errorf("unavailable_after must not be negative, got %d", c.UnavailableAfter)
	}
	return nil
}
