package jobs

import (
	"fmt"

	"go.uber.org/multierr"
)

// SubResult is the outcome of one independent sub-operation of a job.
type SubResult struct {
	Name string
	Err  error
}

// Combined splits sub-operation failures by class.
type Combined struct {
	// Retryable joins every retryable failure; nil when there were none.
	Retryable error
	Terminal  []SubResult
	Succeeded []string
}

// Combine classifies each sub-operation failure on its own.
func Combine(results ...SubResult) Combined {
	var c Combined
	for _, r := range results {
		if r.Err == nil {
			c.Succeeded = append(c.Succeeded, r.Name)
			continue
		}
		if Classify(r.Err) == Terminal {
			c.Terminal = append(c.Terminal, r)
			continue
		}
		c.Retryable = multierr.Append(c.Retryable, fmt.Errorf("%s: %w", r.Name, r.Err))
	}
	return c
}
