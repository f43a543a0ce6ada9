package planner

import (
	"fmt"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// alternatives builds candidate routes from primary by regrouping
// parallelizable steps and by substituting registered equivalents. Candidates
// come back unranked and de-duplicated against each other and primary.
func (p *Planner) alternatives(req models.WorkRequest, primary models.Route, conf *confidenceSource) []models.Route {
	seen := map[string]bool{routeKey(primary): true}
	var out []models.Route
	add := func(r models.Route) {
		k := routeKey(r)
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, r)
	}

	if req.Parallelizable && len(primary.Steps) > 1 {
		add(regroup(primary, true))
		add(regroup(primary, false))
	}

	for i, step := range primary.Steps {
		for _, eq := range p.catalog.Equivalents(step.Capability) {
			if routeUses(primary, eq) {
				continue
			}
			alt := cloneRoute(primary)
			alt.Steps[i].Capability = eq
			alt.Steps[i].Confidence = conf.of(eq)
			alt.Steps[i].EstimatedDuration = p.estimate(eq)
			for j := range alt.Steps {
				for k, dep := range alt.Steps[j].DependsOn {
					if dep == step.Capability {
						alt.Steps[j].DependsOn[k] = eq
					}
				}
			}
			alt.Description = fmt.Sprintf("substitute %s for %s", eq, step.Capability)
			add(alt)
		}
	}
	return out
}

// regroup returns primary with every step either running concurrently or
// chained one after another.
func regroup(primary models.Route, parallel bool) models.Route {
	alt := cloneRoute(primary)
	for i := range alt.Steps {
		alt.Steps[i].Parallel = parallel
		alt.Steps[i].DependsOn = nil
		if !parallel && i > 0 {
			alt.Steps[i].DependsOn = []string{alt.Steps[i-1].Capability}
		}
	}
	if parallel {
		alt.Description = "all steps concurrent"
	} else {
		alt.Description = "all steps sequential"
	}
	return alt
}

func cloneRoute(r models.Route) models.Route {
	c := models.Route{
		RuleVersion: r.RuleVersion,
		Steps:       make([]models.RouteStep, len(r.Steps)),
	}
	for i, s := range r.Steps {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		c.Steps[i] = s
	}
	return c
}

func routeUses(r models.Route, capName string) bool {
	for _, s := range r.Steps {
		if s.Capability == capName {
			return true
		}
	}
	return false
}
