package pipeline

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// StageConfig governs one stage's deadline and retry policy.
type StageConfig struct {
	Timeout       time.Duration
	MaxRetries    int
	BackoffFactor float64
}

// Validate rejects configurations the coordinator cannot run.
func (c StageConfig) Validate() error {
	var errs []error
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be > 0, got %s", c.Timeout))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries))
	}
	if c.BackoffFactor <= 1 {
		errs = append(errs, fmt.Errorf("backoff_factor must be > 1, got %g", c.BackoffFactor))
	}
	return errors.Join(errs...)
}

// DefaultStageConfig is applied to every stage without an override.
var DefaultStageConfig = StageConfig{
	Timeout:       60 * time.Second,
	MaxRetries:    2,
	BackoffFactor: 2.0,
}

// ConfigTable holds the live StageConfig of every stage. The coordinator reads
// it on each attempt and the optimizer rewrites it, so readers always observe
// the latest value.
type ConfigTable struct {
	mu      sync.RWMutex
	configs map[Stage]StageConfig
}

// NewConfigTable seeds every stage with DefaultStageConfig, then applies
// overrides.
func NewConfigTable(overrides map[Stage]StageConfig) (*ConfigTable, error) {
	t := &ConfigTable{configs: make(map[Stage]StageConfig, len(Stages))}
	for _, s := range Stages {
		t.configs[s] = DefaultStageConfig
	}
	for s, c := range overrides {
		if err := t.Set(s, c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Get returns the current config of s.
func (t *ConfigTable) Get(s Stage) StageConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.configs[s]; ok {
		return c
	}
	return DefaultStageConfig
}

// Set replaces the config of s after validating it.
func (t *ConfigTable) Set(s Stage, c StageConfig) error {
	if !s.Valid() {
		return &ConfigurationError{Setting: "stage", Err: fmt.Errorf("unknown stage %q", s)}
	}
	if err := c.Validate(); err != nil {
		return &ConfigurationError{Setting: "stages." + string(s), Err: err}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.configs[s] = c
	return nil
}

// Update applies fn to the current config of s under the table lock.
func (t *ConfigTable) Update(s Stage, fn func(StageConfig) StageConfig) (StageConfig, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := fn(t.configs[s])
	if err := next.Validate(); err != nil {
		return t.configs[s], &ConfigurationError{Setting: "stages." + string(s), Err: err}
	}
	t.configs[s] = next
	return next, nil
}

// Snapshot returns a copy of every stage config.
func (t *ConfigTable) Snapshot() map[Stage]StageConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[Stage]StageConfig, len(t.configs))
	for s, c := range t.configs {
		out[s] = c
	}
	return out
}

type stageFile struct {
	Stages map[string]struct {
		TimeoutSeconds *float64 `yaml:"timeout_seconds"`
		MaxRetries     *int     `yaml:"max_retries"`
		BackoffFactor  *float64 `yaml:"backoff_factor"`
	} `yaml:"stages"`
}

// LoadStageFile reads per-stage overrides from a YAML file:
//
//	stages:
//	  triage:
//	    timeout_seconds: 90
//	    max_retries: 3
//	    backoff_factor: 1.5
//
// Fields left out keep DefaultStageConfig values.
func LoadStageFile(path string) (map[Stage]StageConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Setting: "stage-config-file", Err: err}
	}
	return ParseStageConfig(data)
}

// ParseStageConfig is LoadStageFile without the file read.
func ParseStageConfig(data []byte) (map[Stage]StageConfig, error) {
	var f stageFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &ConfigurationError{Setting: "stage-config-file", Err: err}
	}

	out := make(map[Stage]StageConfig, len(f.Stages))
	for name, raw := range f.Stages {
		s := Stage(name)
		if !s.Valid() {
			return nil, &ConfigurationError{Setting: "stage-config-file", Err: fmt.Errorf("unknown stage %q", name)}
		}
		c := DefaultStageConfig
		if raw.TimeoutSeconds != nil {
			c.Timeout = time.Duration(*raw.TimeoutSeconds * float64(time.Second))
		}
		if raw.MaxRetries != nil {
			c.MaxRetries = *raw.MaxRetries
		}
		if raw.BackoffFactor != nil {
			c.BackoffFactor = *raw.BackoffFactor
		}
		if err := c.Validate(); err != nil {
			return nil, &ConfigurationError{Setting: "stages." + name, Err: err}
		}
		out[s] = c
	}
	return out, nil
}

// Thresholds drive escalation and the optimizer.
type Thresholds struct {
	ExecutionTime  float64 // seconds; average stage time above this shortens the timeout
	SuccessRate    float64 // below this a stage gets more retries
	ErrorThreshold int     // consecutive failures that trigger escalation
}

// NewThresholds clamps raw settings into their usable ranges.
func NewThresholds(executionTime, successRate float64, errorThreshold int) Thresholds {
	if executionTime < 1.0 {
		executionTime = 1.0
	}
	successRate = max(0, min(1, successRate))
	if errorThreshold < 1 {
		errorThreshold = 1
	}
	return Thresholds{
		ExecutionTime:  executionTime,
		SuccessRate:    successRate,
		ErrorThreshold: errorThreshold,
	}
}

// DefaultThresholds returns the thresholds used when nothing is configured.
func DefaultThresholds() Thresholds {
	return NewThresholds(30, 0.95, 3)
}
