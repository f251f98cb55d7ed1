package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/pipeline"
)

// Analyze asks for a risk assessment of one case and returns the reply
// verbatim. Parsing belongs to the caller so that a malformed reply can be
// mapped to a conservative default.
func (c *Client) Analyze(ctx context.Context, caseData map[string]any) (string, error) {
	body, err := json.MarshalIndent(caseData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode case: %w", err)
	}
	prompt := "Analyze this security case and its alerts:\n\n" + string(body)
	return c.send(ctx, "claude analyze", analystSystem, prompt)
}

// DiagnoseStuck explains why a workflow has not left its stage.
func (c *Client) DiagnoseStuck(ctx context.Context, w *pipeline.Workflow, inStage time.Duration) (pipeline.Diagnosis, error) {
	prompt := fmt.Sprintf(
		"Workflow %s for case %s has been in stage %q with status %q for %s.\nLast error: %s",
		w.ID, w.CaseID, w.CurrentStage, w.Status, inStage.Round(time.Second), orNone(w.Error),
	)
	text, err := c.send(ctx, "claude diagnose", stuckSystem, prompt)
	if err != nil {
		return pipeline.Diagnosis{}, err
	}
	return parseDiagnosis(text), nil
}

// RecoveryStrategy proposes how to recover a stage that keeps failing.
func (c *Client) RecoveryStrategy(ctx context.Context, stage pipeline.Stage, cause error, consecutive int) (pipeline.Recovery, error) {
	errText := "unknown"
	if cause != nil {
		errText = cause.Error()
	}
	prompt := fmt.Sprintf(
		"Stage %q (capability %s) failed %d consecutive times.\nLast error: %s",
		stage, stage.Capability(), consecutive, errText,
	)
	text, err := c.send(ctx, "claude recovery", recoverySystem, prompt)
	if err != nil {
		return pipeline.Recovery{}, err
	}
	return parseRecovery(text), nil
}

// OptimizationRecommendations asks how to relieve the flagged bottlenecks.
func (c *Client) OptimizationRecommendations(ctx context.Context, reports []pipeline.StageReport) (pipeline.OptimizationAdvice, error) {
	var b strings.Builder
	b.WriteString("Stage metrics:\n")
	for _, r := range reports {
		fmt.Fprintf(&b, "- %s: success %d, failure %d, success rate %.2f, avg %.1fs, consecutive errors %d",
			r.Stage, r.Metrics.SuccessCount, r.Metrics.FailureCount, r.SuccessRate, r.Metrics.AvgTime, r.Metrics.ConsecutiveErrors)
		if r.Bottleneck {
			fmt.Fprintf(&b, " BOTTLENECK (%s)", strings.Join(r.Reasons, ", "))
		}
		b.WriteString("\n")
	}
	text, err := c.send(ctx, "claude optimize", optimizeSystem, b.String())
	if err != nil {
		return pipeline.OptimizationAdvice{}, err
	}
	return parseAdvice(text), nil
}

func parseAdvice(text string) pipeline.OptimizationAdvice {
	a := pipeline.OptimizationAdvice{Raw: text}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "- "):
			a.Recommendations = append(a.Recommendations, strings.TrimSpace(line[2:]))
		case hasLabel(line, "summary"):
			a.Summary = labelValue(line)
		}
	}
	if a.Summary == "" {
		a.Summary = firstLine(text)
	}
	return a
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func parseDiagnosis(text string) pipeline.Diagnosis {
	d := pipeline.Diagnosis{Raw: text}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "- "):
			d.LikelyCauses = append(d.LikelyCauses, strings.TrimSpace(line[2:]))
		case hasLabel(line, "summary"):
			d.Summary = labelValue(line)
		case hasLabel(line, "recommendation"):
			d.Recommendation = labelValue(line)
		}
	}
	if d.Summary == "" {
		d.Summary = firstLine(text)
	}
	return d
}

func parseRecovery(text string) pipeline.Recovery {
	r := pipeline.Recovery{Raw: text}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "- "):
			r.Steps = append(r.Steps, strings.TrimSpace(line[2:]))
		case hasLabel(line, "strategy"):
			r.Strategy = labelValue(line)
		}
	}
	if r.Strategy == "" {
		r.Strategy = firstLine(text)
	}
	return r
}

func hasLabel(line, label string) bool {
	return strings.HasPrefix(strings.ToLower(line), label+":")
}

func labelValue(line string) string {
	_, v, _ := strings.Cut(line, ":")
	return strings.TrimSpace(v)
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
