// Package jobs runs one attempt of a job body and turns its Outcome into a
// status transition.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"cron-dispatch/internal/dispatch"
)

// Kind tags an Outcome variant.
type Kind int

const (
	KindSucceeded Kind = iota + 1
	KindSkipped
	KindRescheduled
	// KindFailed is an unclassified failure; the runner classifies it.
	KindFailed
	KindRetryable
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindSucceeded:
		return "succeeded"
	case KindSkipped:
		return "skipped"
	case KindRescheduled:
		return "rescheduled"
	case KindFailed:
		return "failed"
	case KindRetryable:
		return "retryable"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Outcome is what a job body returns. Build one with Success, Skip,
// RescheduleAt, Fail, Retry or TerminalFailure.
type Outcome struct {
	kind   Kind
	result any
	reason string
	at     time.Time
	err    error
}

// Success reports completed work; result is echoed to inline callers.
func Success(result any) Outcome { return Outcome{kind: KindSucceeded, result: result} }

// Skip reports a deliberate no-op because preconditions no longer hold.
func Skip(reason string) Outcome { return Outcome{kind: KindSkipped, reason: reason} }

// RescheduleAt asks for another run at a specific time. It is not a failure.
func RescheduleAt(at time.Time, reason string) Outcome {
	return Outcome{kind: KindRescheduled, at: at, reason: reason}
}

// Fail reports an error the runner should classify.
func Fail(err error) Outcome { return Outcome{kind: KindFailed, err: err} }

// Retry reports an error the body already knows is transient.
func Retry(err error) Outcome { return Outcome{kind: KindRetryable, err: err} }

// TerminalFailure reports an error the body already knows will not go away on retry.
func TerminalFailure(err error) Outcome { return Outcome{kind: KindTerminal, err: err} }

func (o Outcome) Kind() Kind { return o.kind }

func (o Outcome) Result() any { return o.result }

func (o Outcome) Reason() string { return o.reason }

func (o Outcome) At() time.Time { return o.at }

func (o Outcome) Err() error { return o.err }

// Invocation is the context of one attempt.
type Invocation struct {
	// Function names the job for status keys and the ledger.
	Function      string
	Scope         string
	EventID       string
	EventName     string
	RunID         string
	Attempt       int
	Source        string
	ClientID      string
	DispatchKey   string
	CorrelationID string
	RequestedAt   string
	Data          json.RawMessage
}

// FromDispatch builds the invocation for a dispatch payload. A clientId param
// scopes the status entry to that client.
func FromDispatch(function string, d dispatch.Data) Invocation {
	inv := Invocation{
		Function:      function,
		Attempt:       1,
		Source:        d.Source,
		DispatchKey:   d.DispatchKey,
		CorrelationID: d.CorrelationID,
		RequestedAt:   d.RequestedAt,
	}
	if id := d.Params["clientId"]; id != "" {
		inv.ClientID = id
		inv.Scope = id
	}
	if raw, err := json.Marshal(d); err == nil {
		inv.Data = raw
	}
	return inv
}

// Dispatch decodes the dispatch payload carried in Data. A missing or
// foreign payload yields the zero value.
func (inv Invocation) Dispatch() dispatch.Data {
	var d dispatch.Data
	if len(inv.Data) > 0 {
		_ = json.Unmarshal(inv.Data, &d)
	}
	return d
}

// Func is a job body.
type Func func(ctx context.Context, inv Invocation) Outcome
