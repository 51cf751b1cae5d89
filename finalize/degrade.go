package finalize

import (
	"encoding/json"

	"github.com/mosaicworks/conduct/pipeline"
)

// DegradePolicy decides whether a failed required step can be absorbed
// by substituting a fallback result derived from the run's other
// terminal steps, e.g. reusing a cached partial result instead of
// retrying an expensive analysis. The exact conditions are business
// policy, which is why the predicate is injected rather than hardcoded.
//
// Degrade returns the synthetic result and true when the substitution
// applies; the finalizer then records the step as skipped with that
// result.
type DegradePolicy interface {
	Degrade(run *pipeline.Run, stepName string) (json.RawMessage, bool)
}

// DegradeFunc adapts a function to the DegradePolicy interface.
type DegradeFunc func(run *pipeline.Run, stepName string) (json.RawMessage, bool)

// Degrade implements DegradePolicy.
func (f DegradeFunc) Degrade(run *pipeline.Run, stepName string) (json.RawMessage, bool) {
	return f(run, stepName)
}

// ReuseResultPolicy degrades a failed step by reusing the recorded
// result of a donor step from the same run. It applies only when the
// donor ended succeeded with a result present.
type ReuseResultPolicy struct {
	// Donors maps a degradable step name to the step whose result
	// stands in for it.
	Donors map[string]string
}

// Degrade implements DegradePolicy.
func (p *ReuseResultPolicy) Degrade(run *pipeline.Run, stepName string) (json.RawMessage, bool) {
	donorName, ok := p.Donors[stepName]
	if !ok {
		return nil, false
	}
	donor := run.Step(donorName)
	if donor == nil || donor.Status != pipeline.StepSucceeded || donor.Result == nil {
		return nil, false
	}
	return donor.Result, true
}
