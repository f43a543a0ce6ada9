// Package planner turns a work request into an execution route.
//
// Planning is a pure read: it consults the latest routing rule for the
// request's signature, the capability catalog and past capability outcomes,
// and never executes anything. Identical inputs and store state yield the
// identical route.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/switchyard/internal/capability"
	"github.com/ShayCichocki/switchyard/internal/orchestrator/policy"
	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Catalog is the capability metadata the planner reads.
type Catalog interface {
	Has(name string) bool
	Spec(name string) (capability.Spec, bool)
	Equivalents(name string) []string
}

// History supplies observed capability outcomes. Optional.
type History interface {
	CapabilityStats(capability string, since time.Time) (state.CapabilityStat, error)
}

// Planner produces routes. It is safe for concurrent use.
type Planner struct {
	catalog Catalog
	rules   state.RuleReader
	history History
	policy  policy.PlannerPolicy

	now      func() time.Time
	debugLog func(format string, args ...interface{})
}

// New creates a planner. rules and history may be nil.
func New(catalog Catalog, rules state.RuleReader, history History, p policy.PlannerPolicy) *Planner {
	return &Planner{
		catalog:  catalog,
		rules:    rules,
		history:  history,
		policy:   p,
		now:      time.Now,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (p *Planner) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		p.debugLog = fn
	}
}

// Plan returns the primary route for req with up to MaxAlternatives
// alternatives attached. A route whose confidence falls below the request's
// quality threshold is still returned, flagged as high risk.
func (p *Planner) Plan(ctx context.Context, req models.WorkRequest) (*models.Route, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid work request: %w", err)
	}
	if len(req.RequiredCapabilities) == 0 {
		return nil, &RoutingError{Kind: ErrNoFeasibleRoute, Detail: "request names no capabilities"}
	}
	var missing []string
	for _, c := range req.RequiredCapabilities {
		if !p.catalog.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, &RoutingError{Kind: ErrNoFeasibleRoute, Capabilities: missing, Detail: "no registered implementation"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := p.now()
	sig := req.Signature()
	conf := newConfidenceSource(p, now)

	var primary models.Route
	rule, err := p.lookupRule(sig)
	if err != nil {
		return nil, err
	}
	if rule != nil && p.ruleUsable(rule) {
		primary = p.routeFromRule(rule)
		p.debugLog("[planner] %s: using rule v%d", sig, rule.Version)
	} else {
		primary = p.fallbackRoute(req, conf)
		p.debugLog("[planner] %s: no usable rule, fallback route", sig)
	}
	primary.Signature = sig
	p.finish(&primary, req, now)

	candidates := p.alternatives(req, primary, conf)
	for i := range candidates {
		candidates[i].Signature = sig
		p.finish(&candidates[i], req, now)
	}

	if req.Deadline != nil {
		best := primary.EstimatedDuration
		for _, c := range candidates {
			if c.EstimatedDuration < best {
				best = c.EstimatedDuration
			}
		}
		if now.Add(best).After(*req.Deadline) {
			return nil, &RoutingError{
				Kind:   ErrConstraintViolation,
				Detail: fmt.Sprintf("fastest route needs %v, deadline is in %v", best, req.Deadline.Sub(now).Round(time.Millisecond)),
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	if len(candidates) > p.policy.MaxAlternatives {
		candidates = candidates[:p.policy.MaxAlternatives]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	primary.Rank = 0
	primary.Alternatives = candidates

	p.debugLog("[planner] %s: confidence=%.2f duration=%v risk=%s alternatives=%d",
		sig, primary.Confidence, primary.EstimatedDuration, primary.Risk.Level, len(candidates))
	return &primary, nil
}

func (p *Planner) lookupRule(sig string) (*models.RoutingRule, error) {
	if p.rules == nil {
		return nil, nil
	}
	rule, err := p.rules.LatestRule(sig)
	if err != nil {
		return nil, fmt.Errorf("load routing rule %s: %w", sig, err)
	}
	return rule, nil
}

// ruleUsable rejects rules whose steps reference capabilities that are no longer registered.
func (p *Planner) ruleUsable(rule *models.RoutingRule) bool {
	if len(rule.Steps) == 0 {
		return false
	}
	for _, s := range rule.Steps {
		if !p.catalog.Has(s.Capability) {
			return false
		}
	}
	return true
}

func (p *Planner) routeFromRule(rule *models.RoutingRule) models.Route {
	steps := make([]models.RouteStep, len(rule.Steps))
	for i, s := range rule.Steps {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		if s.Confidence <= 0 {
			s.Confidence = rule.Confidence
		}
		if s.EstimatedDuration <= 0 {
			s.EstimatedDuration = p.estimate(s.Capability)
		}
		s.Confidence = models.ClampUnit(s.Confidence)
		s.Order = i
		steps[i] = s
	}
	return models.Route{
		Steps:       steps,
		RuleVersion: rule.Version,
		Description: fmt.Sprintf("routing rule v%d", rule.Version),
	}
}

// fallbackRoute orders capabilities by declaration. Steps run in parallel
// only when the request says they are independent; otherwise each step
// depends on the one before it.
func (p *Planner) fallbackRoute(req models.WorkRequest, conf *confidenceSource) models.Route {
	steps := make([]models.RouteStep, len(req.RequiredCapabilities))
	for i, c := range req.RequiredCapabilities {
		steps[i] = models.RouteStep{
			Capability:        c,
			Order:             i,
			Parallel:          req.Parallelizable,
			EstimatedDuration: p.estimate(c),
			Confidence:        conf.of(c),
		}
		if !req.Parallelizable && i > 0 {
			steps[i].DependsOn = []string{req.RequiredCapabilities[i-1]}
		}
	}
	desc := "default sequential route"
	if req.Parallelizable {
		desc = "default parallel route"
	}
	return models.Route{Steps: steps, Description: desc}
}

func (p *Planner) estimate(capName string) time.Duration {
	if spec, ok := p.catalog.Spec(capName); ok && spec.EstimatedDuration > 0 {
		return spec.EstimatedDuration
	}
	return p.policy.DefaultStepDuration
}

// finish fills the derived route figures.
func (p *Planner) finish(r *models.Route, req models.WorkRequest, now time.Time) {
	r.Confidence = meanConfidence(r.Steps)
	r.EstimatedDuration = CriticalPath(r.Steps)
	r.Risk = p.assessRisk(r, req, now)
}

func meanConfidence(steps []models.RouteStep) float64 {
	if len(steps) == 0 {
		return 0
	}
	var sum float64
	for _, s := range steps {
		sum += s.Confidence
	}
	return sum / float64(len(steps))
}

// CriticalPath returns the route's wall-clock estimate. A parallel step starts
// once its declared dependencies finish. A sequential step also waits for the
// step before it.
func CriticalPath(steps []models.RouteStep) time.Duration {
	finish := make(map[string]time.Duration, len(steps))
	var prevFinish, total time.Duration
	for i, s := range steps {
		var start time.Duration
		for _, dep := range s.DependsOn {
			if f := finish[dep]; f > start {
				start = f
			}
		}
		if !s.Parallel && i > 0 && prevFinish > start {
			start = prevFinish
		}
		end := start + s.EstimatedDuration
		if end > finish[s.Capability] {
			finish[s.Capability] = end
		}
		prevFinish = end
		if end > total {
			total = end
		}
	}
	return total
}

// routeKey identifies a route shape for de-duplication.
func routeKey(r models.Route) string {
	parts := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		parts[i] = fmt.Sprintf("%s|%t|%s", s.Capability, s.Parallel, strings.Join(s.DependsOn, "+"))
	}
	return strings.Join(parts, ";")
}

// confidenceSource resolves step confidence from capability history, caching
// lookups for one Plan call.
type confidenceSource struct {
	p     *Planner
	since time.Time
	cache map[string]float64
}

func newConfidenceSource(p *Planner, now time.Time) *confidenceSource {
	return &confidenceSource{p: p, since: now.Add(-p.policy.HistoryWindow), cache: make(map[string]float64)}
}

func (c *confidenceSource) of(capName string) float64 {
	if v, ok := c.cache[capName]; ok {
		return v
	}
	v := c.p.policy.DefaultConfidence
	if c.p.history != nil {
		stat, err := c.p.history.CapabilityStats(capName, c.since)
		if err == nil && stat.Invocations >= c.p.policy.MinHistory {
			v = stat.SuccessRate
		}
	}
	c.cache[capName] = v
	return v
}
