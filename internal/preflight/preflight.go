// Package preflight validates the queued backlog before the main loop
// starts admitting work, surfacing problems an operator should see up
// front rather than discovering one task at a time as the scheduler trips
// over them.
package preflight

import (
	"context"
	"fmt"

	"github.com/trafficcontrol/orchestrator/internal/taskstore"
)

var knownModels = map[string]bool{"opus": true, "sonnet": true, "haiku": true, "": true}

// Validator checks the queued backlog in store against the known model set
// and project state.
type Validator struct {
	store       taskstore.Store
	knownModels map[string]bool
}

func New(store taskstore.Store) *Validator {
	return &Validator{store: store, knownModels: knownModels}
}

// Validate returns warnings (non-fatal, surfaced to the operator) and
// errors (fatal, startup is aborted if any are present). err is non-nil
// only on a store access failure, distinct from validation findings.
func (v *Validator) Validate(ctx context.Context) (warnings, errs []string, err error) {
	tasks, err := v.store.ListTasksByStatus(taskstore.TaskQueued)
	if err != nil {
		return nil, nil, fmt.Errorf("preflight: list queued tasks: %w", err)
	}

	projects, err := v.store.ListProjectsByStatus(taskstore.ProjectActive)
	if err != nil {
		return nil, nil, fmt.Errorf("preflight: list active projects: %w", err)
	}
	activeProjects := make(map[string]bool, len(projects))
	for _, p := range projects {
		activeProjects[p.ID] = true
	}

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Title == "" {
			errs = append(errs, fmt.Sprintf("task %s has an empty title", t.ID))
		}
		if !v.knownModels[t.PreferredModel] {
			errs = append(errs, fmt.Sprintf("task %s requests unknown model %q", t.ID, t.PreferredModel))
		}
		if !activeProjects[t.ProjectID] {
			warnings = append(warnings, fmt.Sprintf("task %s belongs to a non-active project %s and will not be scheduled", t.ID, t.ProjectID))
		}
		if len(t.AcceptanceCriteria) == 0 {
			warnings = append(warnings, fmt.Sprintf("task %s has no acceptance criteria", t.ID))
		}
		seen[t.ID] = true
	}

	for _, t := range tasks {
		if t.BlockerRef != "" && !seen[t.BlockerRef] {
			if _, err := v.store.GetTask(t.BlockerRef); err != nil {
				warnings = append(warnings, fmt.Sprintf("task %s blocks on %s, which no longer exists", t.ID, t.BlockerRef))
			}
		}
	}

	return warnings, errs, nil
}
