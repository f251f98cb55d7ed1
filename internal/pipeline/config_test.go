package pipeline

import (
	"errors"
	"testing"
	"time"
)

func TestStageConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     StageConfig
		wantErr bool
	}{
		{"default", DefaultStageConfig, false},
		{"zero retries", StageConfig{Timeout: time.Second, MaxRetries: 0, BackoffFactor: 1.5}, false},
		{"zero timeout", StageConfig{Timeout: 0, MaxRetries: 1, BackoffFactor: 2}, true},
		{"negative retries", StageConfig{Timeout: time.Second, MaxRetries: -1, BackoffFactor: 2}, true},
		{"factor one", StageConfig{Timeout: time.Second, MaxRetries: 1, BackoffFactor: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewConfigTable(t *testing.T) {
	t.Parallel()

	override := StageConfig{Timeout: 5 * time.Second, MaxRetries: 4, BackoffFactor: 1.5}
	tbl, err := NewConfigTable(map[Stage]StageConfig{StageTriage: override})
	if err != nil {
		t.Fatalf("NewConfigTable: %v", err)
	}
	if got := tbl.Get(StageTriage); got != override {
		t.Errorf("triage = %+v, want %+v", got, override)
	}
	if got := tbl.Get(StageReview); got != DefaultStageConfig {
		t.Errorf("review = %+v, want default", got)
	}
	if n := len(tbl.Snapshot()); n != len(Stages) {
		t.Errorf("snapshot size = %d, want %d", n, len(Stages))
	}
}

func TestConfigTable_SetRejects(t *testing.T) {
	t.Parallel()

	tbl, _ := NewConfigTable(nil)

	var ce *ConfigurationError
	if err := tbl.Set("bogus", DefaultStageConfig); !errors.As(err, &ce) {
		t.Errorf("unknown stage err = %v, want ConfigurationError", err)
	}
	if err := tbl.Set(StageTriage, StageConfig{}); !errors.As(err, &ce) {
		t.Errorf("invalid config err = %v, want ConfigurationError", err)
	}
	if got := tbl.Get(StageTriage); got != DefaultStageConfig {
		t.Errorf("rejected Set changed config to %+v", got)
	}
}

func TestConfigTable_Update(t *testing.T) {
	t.Parallel()

	tbl, _ := NewConfigTable(nil)
	got, err := tbl.Update(StageTriage, func(c StageConfig) StageConfig {
		c.MaxRetries++
		return c
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.MaxRetries != DefaultStageConfig.MaxRetries+1 || tbl.Get(StageTriage) != got {
		t.Errorf("Update result = %+v", got)
	}

	if _, err := tbl.Update(StageTriage, func(c StageConfig) StageConfig {
		c.Timeout = 0
		return c
	}); err == nil {
		t.Error("expected invalid update to be rejected")
	}
	if tbl.Get(StageTriage) != got {
		t.Error("rejected update modified the table")
	}
}

func TestParseStageConfig(t *testing.T) {
	t.Parallel()

	data := []byte(`
stages:
  triage:
    timeout_seconds: 1.5
    max_retries: 2
    backoff_factor: 2.0
  review:
    max_retries: 0
`)
	got, err := ParseStageConfig(data)
	if err != nil {
		t.Fatalf("ParseStageConfig: %v", err)
	}
	if got[StageTriage].Timeout != 1500*time.Millisecond {
		t.Errorf("triage timeout = %v, want 1.5s", got[StageTriage].Timeout)
	}
	review := got[StageReview]
	if review.MaxRetries != 0 || review.Timeout != DefaultStageConfig.Timeout || review.BackoffFactor != DefaultStageConfig.BackoffFactor {
		t.Errorf("review = %+v", review)
	}
}

func TestParseStageConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "stages: [unclosed"},
		{"unknown stage", "stages:\n  lunch:\n    max_retries: 1\n"},
		{"zero timeout", "stages:\n  triage:\n    timeout_seconds: 0\n"},
		{"low factor", "stages:\n  triage:\n    backoff_factor: 0.5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseStageConfig([]byte(tt.data))
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Errorf("err = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestNewThresholds_Clamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name               string
		exec, rate         float64
		errs               int
		wantExec, wantRate float64
		wantErrs           int
	}{
		{"defaults", 30, 0.95, 3, 30, 0.95, 3},
		{"low exec", 0.2, 0.5, 1, 1, 0.5, 1},
		{"rate above one", 10, 1.7, 2, 10, 1, 2},
		{"negative rate", 10, -0.3, 2, 10, 0, 2},
		{"zero error threshold", 10, 0.5, 0, 10, 0.5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NewThresholds(tt.exec, tt.rate, tt.errs)
			if got.ExecutionTime != tt.wantExec || got.SuccessRate != tt.wantRate || got.ErrorThreshold != tt.wantErrs {
				t.Errorf("NewThresholds = %+v", got)
			}
		})
	}
}
