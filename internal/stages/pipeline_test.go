package stages

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/analysis"
	"github.com/linnemanlabs/warden/internal/pipeline"
)

// TestEndToEnd drives real stage agents through the coordinator.
func TestEndToEnd(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		reply          string
		wantStatus     string
		wantActivities int
	}{
		{"high risk investigated and escalated", highRisk, analysis.CaseEscalated, 4},
		{"low risk closed", lowRisk, analysis.CaseResolved, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newEnv(t, tt.reply)
			e.source.cases["c-1"] = map[string]any{"title": "suspicious login"}
			e.source.alerts = items("al", 6)
			e.source.observables = items("ob", 2)
			e.source.activities = items("act", 4)

			configs, err := pipeline.NewConfigTable(nil)
			if err != nil {
				t.Fatal(err)
			}
			coord := pipeline.NewCoordinator(e.reg, configs, pipeline.NewStats(), e.store, nil, log.Nop(), pipeline.Hooks{},
				pipeline.Options{Workers: 1, BackoffBase: time.Millisecond})

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				_ = coord.Run(ctx)
				close(done)
			}()
			defer func() {
				cancel()
				<-done
			}()

			wf, err := coord.Enqueue(ctx, "c-1", nil)
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}

			deadline := time.Now().Add(5 * time.Second)
			for {
				got, _, err := coord.Workflow(ctx, wf.ID)
				if err != nil {
					t.Fatal(err)
				}
				if got != nil && got.Status.Terminal() {
					if got.Status != pipeline.StatusCompleted {
						t.Fatalf("status = %s (%s)", got.Status, got.Error)
					}
					break
				}
				if time.Now().After(deadline) {
					t.Fatal("workflow did not finish")
				}
				time.Sleep(5 * time.Millisecond)
			}

			u, ok := e.source.update("c-1")
			if !ok || u.Status != tt.wantStatus {
				t.Errorf("upstream update = %+v, want status %s", u, tt.wantStatus)
			}
			if n := e.store.Len(pipeline.TableCaseActivities); n != tt.wantActivities {
				t.Errorf("activities = %d, want %d", n, tt.wantActivities)
			}
			if e.store.Len(pipeline.TableCaseReviews) != 1 || e.store.Len(pipeline.TableCaseAlerts) != 6 {
				t.Error("review or alerts missing")
			}
		})
	}
}
