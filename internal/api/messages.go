package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/traffic-gateway/internal/gateway"
	"github.com/signalsfoundry/traffic-gateway/model"
)

// Wire documents. Every RPC carries a google.protobuf.Struct whose fields
// are the JSON form of one of these types.

type EpisodeRef struct {
	EpisodeID string `json:"episode_id"`
}

type ExperimentRef struct {
	ExperimentID string `json:"experiment_id"`
}

type StateReply struct {
	Step     int64                `json:"step"`
	Snapshot *model.StateSnapshot `json:"snapshot"`
}

type SubmitRequest struct {
	EpisodeID string              `json:"episode_id"`
	Action    model.ControlAction `json:"action"`
	// Wait blocks the call until the action was applied or dropped.
	Wait bool `json:"wait,omitempty"`
}

type SubmitReply struct {
	ActionID    string `json:"action_id"`
	TargetStep  int64  `json:"target_step"`
	Outcome     string `json:"outcome,omitempty"`
	AppliedStep int64  `json:"applied_step,omitempty"`
}

type WithdrawRequest struct {
	EpisodeID string `json:"episode_id"`
	ActionID  string `json:"action_id"`
}

type AdvanceReply struct {
	Step int64 `json:"step"`
}

type ExperimentsReply struct {
	Experiments []ExperimentSummary `json:"experiments"`
}

type ExperimentSummary struct {
	ID           string              `json:"id"`
	Horizon      int64               `json:"horizon"`
	EpisodeLimit int                 `json:"episode_limit"`
	Closed       bool                `json:"closed"`
	Episodes     []model.EpisodeInfo `json:"episodes,omitempty"`
}

type Notice struct {
	ExperimentID string              `json:"experiment_id"`
	EpisodeID    string              `json:"episode_id"`
	Step         int64               `json:"step"`
	Status       model.EpisodeStatus `json:"status"`
	Terminal     bool                `json:"terminal,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	Metrics      *model.StepMetrics  `json:"metrics,omitempty"`
	SentAt       time.Time           `json:"sent_at"`
}

func summary(info gateway.ExperimentInfo) ExperimentSummary {
	return ExperimentSummary{
		ID:           info.ID,
		Horizon:      info.Horizon,
		EpisodeLimit: info.EpisodeLimit,
		Closed:       info.Closed,
		Episodes:     info.Episodes,
	}
}

func notice(n gateway.Notification, now time.Time) Notice {
	return Notice{
		ExperimentID: n.ExperimentID,
		EpisodeID:    n.EpisodeID,
		Step:         n.Step,
		Status:       n.Status,
		Terminal:     n.Terminal,
		Reason:       n.Reason,
		Metrics:      n.Metrics,
		SentAt:       now,
	}
}

// Encode converts v to a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("api: encode %T: %w", v, err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("api: encode %T: %w", v, err)
	}
	return s, nil
}

// Decode fills v from a Struct. Unknown fields are rejected.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("api: decode %T: %w", v, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("api: decode %T: %w", v, err)
	}
	return nil
}
