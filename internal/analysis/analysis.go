// Package analysis turns free-text AI case assessments into structured risk
// analyses and derives the triage decision for a case.
package analysis

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"unicode"
)

// ErrMalformedResponse is returned by Parse when the text carries no usable
// risk assessment. Parse returns Conservative() alongside it.
var ErrMalformedResponse = errors.New("malformed analysis response")

// Analysis is the structured form of an AI case assessment.
type Analysis struct {
	RiskLevel       int      `json:"risk_level"`
	NeedsHuman      bool     `json:"needs_human"`
	RiskFactors     []string `json:"risk_factors,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	ParseFailed     bool     `json:"parse_failed,omitempty"`
}

// Conservative is the analysis used when the AI response cannot be trusted:
// high risk, routed to a human.
func Conservative() Analysis {
	return Analysis{
		RiskLevel:       8,
		NeedsHuman:      true,
		RiskFactors:     []string{"parsing_failed"},
		Recommendations: []string{"manual_review"},
		ParseFailed:     true,
	}
}

// Parse reads either a JSON object with Analysis fields or the line format
// the analyzer prompt asks for:
//
//	Risk level: 7
//	Human review required: yes
//	Risk factors:
//	- lateral movement from a service account
//	Recommended actions:
//	- automatically isolate host
//	- reset credentials
func Parse(text string) (Analysis, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Conservative(), ErrMalformedResponse
	}
	if strings.HasPrefix(text, "{") {
		return parseJSON(text)
	}

	a := Analysis{NeedsHuman: needsHuman(text)}

	risk, ok := riskLevel(text)
	if !ok {
		return Conservative(), ErrMalformedResponse
	}
	a.RiskLevel = risk

	const (
		sectionNone = iota
		sectionFactors
		sectionActions
	)
	section := sectionNone
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		l := strings.ToLower(trimmed)
		bullet, isBullet := bulletText(trimmed)

		switch {
		case !isBullet && strings.Contains(l, "risk factor"):
			section = sectionFactors
		case !isBullet && (strings.Contains(l, "recommend") || strings.Contains(l, "action")):
			section = sectionActions
		case isBullet && section == sectionFactors:
			a.RiskFactors = append(a.RiskFactors, bullet)
		case isBullet && section == sectionActions:
			a.Recommendations = append(a.Recommendations, recommendation(bullet))
		case trimmed != "" && !isBullet:
			section = sectionNone
			if strings.HasPrefix(l, "summary:") {
				a.Summary = strings.TrimSpace(trimmed[len("summary:"):])
			}
		}
	}
	return a, nil
}

func parseJSON(text string) (Analysis, error) {
	var a Analysis
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		return Conservative(), errors.Join(ErrMalformedResponse, err)
	}
	a.RiskLevel = clampRisk(a.RiskLevel)
	return a, nil
}

// riskLevel finds the first "risk level: N" line with a parseable number.
func riskLevel(text string) (int, bool) {
	for _, line := range strings.Split(text, "\n") {
		l := strings.ToLower(line)
		if !strings.Contains(l, "risk level") {
			continue
		}
		_, after, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		fields := strings.Fields(after)
		if len(fields) == 0 {
			continue
		}
		num := strings.TrimRightFunc(fields[0], func(r rune) bool { return !unicode.IsDigit(r) })
		if cut, _, ok := strings.Cut(num, "/"); ok {
			num = cut
		}
		f, err := strconv.ParseFloat(num, 64)
		if err != nil {
			continue
		}
		return clampRisk(int(f)), true
	}
	return 0, false
}

// needsHuman reads the "Human review: <value>" label when present. Without a
// label it looks for a line asking for a human that is not negated.
func needsHuman(text string) bool {
	lines := strings.Split(text, "\n")
	for _, line := range lines {
		label, value, found := strings.Cut(line, ":")
		if !found || !strings.Contains(strings.ToLower(label), "human") {
			continue
		}
		if v, ok := yesNo(value); ok {
			return v
		}
	}

	for _, line := range lines {
		l := strings.ToLower(line)
		if !strings.Contains(l, "human") || negated(l) {
			continue
		}
		if strings.Contains(l, "needed") || strings.Contains(l, "required") {
			return true
		}
	}
	return false
}

// yesNo interprets a label value. ok is false when the value says neither.
func yesNo(value string) (v, ok bool) {
	v0 := strings.ToLower(strings.TrimSpace(value))
	v0 = strings.Trim(v0, `"'.`)
	switch {
	case v0 == "":
		return false, false
	case negated(v0), v0 == "no", strings.HasPrefix(v0, "no "), v0 == "false", v0 == "none":
		return false, true
	case strings.HasPrefix(v0, "yes"), v0 == "true",
		strings.HasPrefix(v0, "required"), strings.HasPrefix(v0, "needed"):
		return true, true
	}
	return false, false
}

func negated(l string) bool {
	for _, n := range []string{"not needed", "not required", "not necessary", "unnecessary", "no human", "no need"} {
		if strings.Contains(l, n) {
			return true
		}
	}
	return false
}

func clampRisk(n int) int {
	return max(0, min(10, n))
}

func bulletText(line string) (string, bool) {
	for _, p := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, p) {
			return strings.TrimSpace(line[len(p):]), true
		}
	}
	return "", false
}

// recommendation names an action auto_<verb> or manual_<verb> after its last
// word, depending on whether the text asks for automation.
func recommendation(action string) string {
	fields := strings.Fields(strings.ToLower(action))
	if len(fields) == 0 {
		return "manual_review"
	}
	last := strings.TrimFunc(fields[len(fields)-1], func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	if last == "" {
		last = "review"
	}
	if strings.Contains(strings.ToLower(action), "automat") {
		return "auto_" + last
	}
	return "manual_" + last
}
