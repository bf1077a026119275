package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// Stage identifies a processing node of the pipeline.
type Stage int

const (
	StageSupervisor Stage = iota
	StageResearcher
	StageWriter
	StageCritic
)

func (s Stage) String() string {
	switch s {
	case StageSupervisor:
		return "supervisor"
	case StageResearcher:
		return "researcher"
	case StageWriter:
		return "writer"
	case StageCritic:
		return "critic"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// ParseStage is the inverse of Stage.String.
func ParseStage(name string) (Stage, error) {
	switch name {
	case "supervisor":
		return StageSupervisor, nil
	case "researcher":
		return StageResearcher, nil
	case "writer":
		return StageWriter, nil
	case "critic":
		return StageCritic, nil
	default:
		return 0, fmt.Errorf("unknown stage %q", name)
	}
}

func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Stage) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseStage(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StepEvent records one stage invocation. Sequence numbers start at 1 and
// are contiguous within a run.
type StepEvent struct {
	Sequence       int            `json:"sequence"`
	Stage          Stage          `json:"stage"`
	Decision       string         `json:"decision"`
	Payload        map[string]any `json:"payload"`
	DurationMillis int64          `json:"duration_ms"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Observer receives step events synchronously, after the stage has been
// merged into state and before the next stage is dispatched. Returned errors
// are logged and otherwise ignored.
type Observer interface {
	OnStep(ctx context.Context, ev StepEvent) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev StepEvent) error

func (f ObserverFunc) OnStep(ctx context.Context, ev StepEvent) error { return f(ctx, ev) }

func notifyObservers(ctx context.Context, logger *log.Logger, observers []Observer, ev StepEvent) {
	for i, obs := range observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Printf("warn: observer %d panicked on step %d (%s): %v", i, ev.Sequence, ev.Stage, r)
				}
			}()
			if err := obs.OnStep(ctx, ev); err != nil {
				logger.Printf("warn: observer %d failed on step %d (%s): %v", i, ev.Sequence, ev.Stage, err)
			}
		}()
	}
}
