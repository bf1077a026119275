package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/postcraft/internal/llm"
)

// GroundednessReport scores how well a draft is supported by its findings.
// Score is 0-5, or -1 when the evaluation could not be completed.
type GroundednessReport struct {
	Score             int      `json:"score"`
	SupportedClaims   []string `json:"supported"`
	UnsupportedClaims []string `json:"unsupported"`
	Notes             string   `json:"notes"`
}

// Failed reports whether the evaluation itself failed.
func (r GroundednessReport) Failed() bool { return r.Score < 0 }

func failedReport(reason string) GroundednessReport {
	return GroundednessReport{
		Score:             -1,
		SupportedClaims:   []string{},
		UnsupportedClaims: []string{},
		Notes:             "evaluation failed: " + reason,
	}
}

// Evaluator runs the groundedness check with its own completion service,
// usually backed by a stronger model than the pipeline stages.
type Evaluator struct {
	completer llm.Completer
	logger    *log.Logger
}

func NewEvaluator(completer llm.Completer, logger *log.Logger) *Evaluator {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVAL] ", log.LstdFlags)
	}
	return &Evaluator{completer: completer, logger: logger}
}

// Evaluate never returns an error; failures surface as a report with
// Score -1.
func (ev *Evaluator) Evaluate(ctx context.Context, draft string, findings []string) GroundednessReport {
	if ev == nil || ev.completer == nil {
		return failedReport(ErrMissingCompletion.Error())
	}
	prompt, err := render(groundednessTmpl, newPromptData(State{Draft: draft, ResearchFindings: findings}))
	if err != nil {
		return failedReport(err.Error())
	}
	raw, err := ev.completer.Complete(ctx, prompt)
	if err != nil {
		ev.logger.Printf("warn: groundedness completion failed: %v", err)
		return failedReport(err.Error())
	}
	report, err := ParseGroundedness(raw)
	if err != nil {
		ev.logger.Printf("warn: groundedness response unusable: %v", err)
		return failedReport(err.Error())
	}
	return report
}

// ParseGroundedness decodes an evaluator response. Claims may be plain
// strings or objects; objects are kept as compact JSON unless they carry a
// "claim" field.
func ParseGroundedness(raw string) (GroundednessReport, error) {
	var resp struct {
		Supported   []json.RawMessage `json:"supported"`
		Unsupported []json.RawMessage `json:"unsupported"`
		Score       json.RawMessage   `json:"score"`
		Notes       string            `json:"notes"`
	}
	if err := DecodeJSON(raw, &resp); err != nil {
		return GroundednessReport{}, err
	}
	score, err := parseScore(resp.Score)
	if err != nil {
		return GroundednessReport{}, err
	}
	return GroundednessReport{
		Score:             score,
		SupportedClaims:   claimStrings(resp.Supported),
		UnsupportedClaims: claimStrings(resp.Unsupported),
		Notes:             resp.Notes,
	}, nil
}

func parseScore(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("missing score")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err2 := json.Unmarshal(raw, &s); err2 != nil {
			return 0, fmt.Errorf("score is not a number: %s", raw)
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("score is not a number: %q", s)
		}
	}
	score := int(math.Round(f))
	if score < 0 || score > 5 {
		return 0, fmt.Errorf("score %v out of range 0-5", f)
	}
	return score, nil
}

func claimStrings(items []json.RawMessage) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Claim string `json:"claim"`
		}
		if err := json.Unmarshal(item, &obj); err == nil && obj.Claim != "" {
			out = append(out, obj.Claim)
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, item); err == nil {
			out = append(out, buf.String())
		}
	}
	return out
}
