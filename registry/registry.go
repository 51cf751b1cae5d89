// Package registry defines the static step configuration for pipelines:
// which steps exist, which are required for a given target, and which
// queue each step dispatches to.
//
// A Registry is an explicit configuration object constructed once at
// process start and passed by reference to the engine; there is no
// ambient global lookup. Requirement computation is pure and
// deterministic given the same inputs; the engine relies on that when it
// records the required set at start time.
package registry

import (
	"fmt"
	"time"

	"github.com/mosaicworks/conduct"
)

// TargetAttrs carries the target entity attributes that step requirement
// predicates may consult (e.g. media kind).
type TargetAttrs map[string]string

// TaskFlags carries the boolean task configuration captured at run start
// (e.g. "generate_comments").
type TaskFlags map[string]bool

// StepDef describes one step of a pipeline.
type StepDef struct {
	// Name is the step identifier, unique within its pipeline.
	Name string

	// Queue is the queue_ref the dispatcher submits this step to.
	Queue string

	// StaleAfter overrides the engine-wide staleness threshold for this
	// step. Zero uses the engine default.
	StaleAfter time.Duration

	// Required decides whether the step is required for a given target.
	// A nil predicate means always required.
	Required func(attrs TargetAttrs, flags TaskFlags) bool
}

// PipelineDef describes one pipeline type: its ordered set of possible
// steps.
type PipelineDef struct {
	Type  string
	Steps []StepDef
}

// Registry holds the pipeline definitions known to the engine. It is
// immutable after construction and therefore safe for concurrent use.
type Registry struct {
	pipelines map[string]PipelineDef
}

// New builds a Registry from pipeline definitions. Duplicate pipeline
// types or duplicate step names within a pipeline are configuration
// errors.
func New(defs ...PipelineDef) (*Registry, error) {
	r := &Registry{pipelines: make(map[string]PipelineDef, len(defs))}

	for _, def := range defs {
		if def.Type == "" {
			return nil, fmt.Errorf("registry: pipeline with empty type")
		}
		if _, dup := r.pipelines[def.Type]; dup {
			return nil, fmt.Errorf("registry: duplicate pipeline %q", def.Type)
		}
		if len(def.Steps) == 0 {
			return nil, fmt.Errorf("registry: pipeline %q has no steps", def.Type)
		}

		seen := make(map[string]struct{}, len(def.Steps))
		for _, step := range def.Steps {
			if step.Name == "" || step.Queue == "" {
				return nil, fmt.Errorf("registry: pipeline %q: step needs name and queue", def.Type)
			}
			if _, dup := seen[step.Name]; dup {
				return nil, fmt.Errorf("registry: pipeline %q: duplicate step %q", def.Type, step.Name)
			}
			seen[step.Name] = struct{}{}
		}

		r.pipelines[def.Type] = def
	}

	return r, nil
}

// MustNew is like New but panics on configuration errors. Use for static
// process-start wiring.
func MustNew(defs ...PipelineDef) *Registry {
	r, err := New(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Pipeline returns the definition for the given pipeline type.
func (r *Registry) Pipeline(pipelineType string) (PipelineDef, bool) {
	def, ok := r.pipelines[pipelineType]
	return def, ok
}

// RequiredSteps computes the ordered set of step names required for a
// target with the given attributes and flags.
func (r *Registry) RequiredSteps(pipelineType string, attrs TargetAttrs, flags TaskFlags) ([]string, error) {
	def, ok := r.pipelines[pipelineType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", conduct.ErrPipelineNotFound, pipelineType)
	}

	steps := make([]string, 0, len(def.Steps))
	for _, step := range def.Steps {
		if step.Required == nil || step.Required(attrs, flags) {
			steps = append(steps, step.Name)
		}
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("registry: pipeline %q requires no steps for target", pipelineType)
	}
	return steps, nil
}

// Queue returns the queue_ref the named step dispatches to.
func (r *Registry) Queue(pipelineType, stepName string) (string, error) {
	def, ok := r.pipelines[pipelineType]
	if !ok {
		return "", fmt.Errorf("%w: %q", conduct.ErrPipelineNotFound, pipelineType)
	}
	for _, step := range def.Steps {
		if step.Name == stepName {
			return step.Queue, nil
		}
	}
	return "", fmt.Errorf("registry: pipeline %q has no step %q", pipelineType, stepName)
}

// StaleAfter returns the staleness threshold for the named step, or zero
// when the step uses the engine default.
func (r *Registry) StaleAfter(pipelineType, stepName string) time.Duration {
	def, ok := r.pipelines[pipelineType]
	if !ok {
		return 0
	}
	for _, step := range def.Steps {
		if step.Name == stepName {
			return step.StaleAfter
		}
	}
	return 0
}

// Types returns the registered pipeline types.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.pipelines))
	for t := range r.pipelines {
		types = append(types, t)
	}
	return types
}
