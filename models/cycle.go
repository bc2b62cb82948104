package models

import "time"

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerTimer  Trigger = "timer"
	TriggerManual Trigger = "manual"
)

// CycleStatus is the terminal state of one cycle.
type CycleStatus string

const (
	CycleCompleted CycleStatus = "completed"
	CycleSkipped   CycleStatus = "skipped"
	CycleFailed    CycleStatus = "failed"
)

// CycleResult holds the overall result of one fetch-probe-evaluate-persist-notify run.
type CycleResult struct {
	ID               string      `json:"id"`
	Trigger          Trigger     `json:"trigger"`
	Status           CycleStatus `json:"status"`
	SkipReason       string      `json:"skip_reason,omitempty"`
	StartTime        time.Time   `json:"start_time"`
	EndTime          time.Time   `json:"end_time"`
	ItemCount        int         `json:"item_count"`
	QuoteCount       int         `json:"quote_count"`
	OpportunityCount int         `json:"opportunity_count"`
	AlertsSent       int         `json:"alerts_sent"`
	Err              error       `json:"-"`
}

// Duration is the wall time the cycle took.
func (r *CycleResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}
