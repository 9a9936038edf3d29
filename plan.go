package fleetq

import (
	"fmt"

	"github.com/FleetQ/fleetq-go/internal/engine"
)

// Step is one unit of a task plan, dispatched to exactly one worker of
// WorkerType. DependsOn names earlier steps whose outputs feed this step
// under HYBRID execution; the other modes ignore it beyond validation.
type Step struct {
	Name       string   `json:"name" yaml:"name"`
	WorkerType string   `json:"worker_type" yaml:"worker_type"`
	DependsOn  []string `json:"depends_on,omitempty" yaml:"depends_on"`
}

// Plan binds a task type to its ordered steps. Plans are registered through
// the configuration at startup; adding a task type is data, not code.
type Plan struct {
	Type  string `json:"type" yaml:"type"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// planRegistry holds the validated type -> plan mapping the dispatcher
// resolves against.
type planRegistry struct {
	plans map[string]engine.Plan
	types []string
}

func newPlanRegistry(plans []Plan) (*planRegistry, error) {
	r := &planRegistry{plans: make(map[string]engine.Plan, len(plans))}
	for _, p := range plans {
		if p.Type == "" {
			return nil, fmt.Errorf("fleetq: plan with empty task type")
		}
		if _, dup := r.plans[p.Type]; dup {
			return nil, fmt.Errorf("fleetq: duplicate plan for type %q", p.Type)
		}
		if len(p.Steps) == 0 {
			return nil, fmt.Errorf("fleetq: plan %q has no steps", p.Type)
		}
		ep := engine.Plan{Type: p.Type, Steps: make([]engine.Step, 0, len(p.Steps))}
		for _, s := range p.Steps {
			if s.Name == "" || s.WorkerType == "" {
				return nil, fmt.Errorf("fleetq: plan %q: every step needs a name and a worker type", p.Type)
			}
			ep.Steps = append(ep.Steps, engine.Step{Name: s.Name, WorkerType: s.WorkerType, DependsOn: s.DependsOn})
		}
		// rejects duplicate step names, unknown dependencies and cycles
		if _, err := engine.Levels(ep.Steps); err != nil {
			return nil, fmt.Errorf("fleetq: plan %q: %w", p.Type, err)
		}
		r.plans[p.Type] = ep
		r.types = append(r.types, p.Type)
	}
	return r, nil
}

func (r *planRegistry) resolve(taskType string) (engine.Plan, bool) {
	p, ok := r.plans[taskType]
	return p, ok
}
