package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Unit is one reconciliation step in a deployment run. Units for
// independent resources have no ordering dependency; DependsOn names the
// units whose output this one requires.
type Unit struct {
	Name      string
	DependsOn []string
	// Critical controls failure propagation: a failed critical unit causes
	// its dependents to be skipped and the run to be reported as failed. A
	// failed non-critical unit only warns.
	Critical bool
	Run      func(ctx context.Context) Outcome
}

// UnitResult pairs a unit with its outcome for the end-of-run report.
type UnitResult struct {
	Unit    string
	Outcome Outcome
}

// Runner evaluates units in dependency order. Units whose critical
// dependencies failed are skipped; failures of independent units are
// collected so one broken unit does not hide the rest of the run.
type Runner struct {
	units  []Unit
	logger zerolog.Logger
}

// NewRunner creates a Runner over the given units.
func NewRunner(units []Unit, logger zerolog.Logger) *Runner {
	return &Runner{
		units:  units,
		logger: logger.With().Str("component", "Runner").Logger(),
	}
}

// Run executes all units and returns every result in execution order. The
// error is non-nil if any critical unit failed or was skipped, or if the
// unit graph itself is malformed.
func (r *Runner) Run(ctx context.Context) ([]UnitResult, error) {
	order, err := r.topologicalOrder()
	if err != nil {
		return nil, err
	}

	byName := make(map[string]Unit, len(r.units))
	for _, u := range r.units {
		byName[u.Name] = u
	}

	failed := make(map[string]bool)
	results := make([]UnitResult, 0, len(order))
	var criticalFailures int

	for _, name := range order {
		unit := byName[name]

		if blocked := r.blockedBy(unit, failed); blocked != "" {
			r.logger.Warn().
				Str("unit", unit.Name).
				Str("failed_dependency", blocked).
				Msg("Skipping unit because a dependency failed.")
			results = append(results, UnitResult{
				Unit:    unit.Name,
				Outcome: Outcome{Action: ActionSkipped, Err: fmt.Errorf("dependency %q failed", blocked)},
			})
			if unit.Critical {
				criticalFailures++
				failed[unit.Name] = true
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return results, err
		}

		outcome := unit.Run(ctx)
		results = append(results, UnitResult{Unit: unit.Name, Outcome: outcome})

		if outcome.Action == ActionFailed {
			if unit.Critical {
				failed[unit.Name] = true
				criticalFailures++
				r.logger.Error().
					Err(outcome.Err).
					Str("unit", unit.Name).
					Str("resource", outcome.Resource.String()).
					Msg("Critical unit failed; dependents will be skipped.")
			} else {
				r.logger.Warn().
					Err(outcome.Err).
					Str("unit", unit.Name).
					Str("resource", outcome.Resource.String()).
					Msg("Non-critical unit failed, continuing.")
			}
		} else {
			r.logger.Info().
				Str("unit", unit.Name).
				Str("action", string(outcome.Action)).
				Msg("Unit converged.")
		}
	}

	if criticalFailures > 0 {
		return results, fmt.Errorf("%d critical unit(s) failed", criticalFailures)
	}
	return results, nil
}

// blockedBy returns the name of a failed dependency, or "" when all
// dependencies succeeded. Non-critical dependencies do not block.
func (r *Runner) blockedBy(unit Unit, failed map[string]bool) string {
	for _, dep := range unit.DependsOn {
		if failed[dep] {
			return dep
		}
	}
	return ""
}

// topologicalOrder resolves the unit DAG with a stable Kahn's algorithm,
// preserving declaration order among ready units.
func (r *Runner) topologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(r.units))
	dependents := make(map[string][]string)
	declared := make(map[string]bool, len(r.units))

	for _, u := range r.units {
		if declared[u.Name] {
			return nil, &ValidationError{Err: fmt.Errorf("duplicate unit name %q", u.Name)}
		}
		declared[u.Name] = true
	}
	for _, u := range r.units {
		inDegree[u.Name] = len(u.DependsOn)
		for _, dep := range u.DependsOn {
			if !declared[dep] {
				return nil, &ValidationError{Err: fmt.Errorf("unit %q depends on unknown unit %q", u.Name, dep)}
			}
			dependents[dep] = append(dependents[dep], u.Name)
		}
	}

	var order []string
	var ready []string
	for _, u := range r.units {
		if inDegree[u.Name] == 0 {
			ready = append(ready, u.Name)
		}
	}
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(order) != len(r.units) {
		return nil, &ValidationError{Err: fmt.Errorf("unit dependency cycle detected")}
	}
	return order, nil
}
