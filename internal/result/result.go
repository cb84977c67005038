// Copyright Project Mailsieve Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package result accumulates symbol activations into per-metric scores
// for one task and tracks the task's pre-result.
package result

import (
	"fmt"
	"math"
)

// DefaultMetric is the metric used when a caller does not name one.
const DefaultMetric = "default"

// Action is the terminal action suggested for a message. Higher values
// outrank lower ones when pre-results compete.
type Action int

const (
	NoAction Action = iota
	Greylist
	SoftReject
	AddHeader
	RewriteSubject
	Reject
)

var actionNames = map[Action]string{
	NoAction:       "no action",
	Greylist:       "greylist",
	SoftReject:     "soft reject",
	AddHeader:      "add header",
	RewriteSubject: "rewrite subject",
	Reject:         "reject",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("invalid action %d", int(a))
}

// ParseAction parses the configuration spelling of an action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "no action", "no_action", "accept":
		return NoAction, nil
	case "greylist":
		return Greylist, nil
	case "soft reject", "soft_reject":
		return SoftReject, nil
	case "add header", "add_header":
		return AddHeader, nil
	case "rewrite subject", "rewrite_subject":
		return RewriteSubject, nil
	case "reject":
		return Reject, nil
	default:
		return NoAction, fmt.Errorf("invalid action %q", s)
	}
}

// MetricConfig is the configured scoring for one metric: per-symbol
// weights, optional score bounds and action thresholds.
type MetricConfig struct {
	Weights  map[string]float64
	ScoreMin *float64
	ScoreMax *float64
	Actions  map[Action]float64
}

// Weight returns the configured weight for a symbol name and whether one
// is configured.
func (c *MetricConfig) Weight(name string) (float64, bool) {
	if c == nil {
		return 0, false
	}
	w, ok := c.Weights[name]
	return w, ok
}

// SymbolResult is one activation record within a metric.
type SymbolResult struct {
	Name       string
	Score      float64
	Multiplier float64
	Options    []string
	Metric     string
}

// MetricResult accumulates activations for one metric.
type MetricResult struct {
	Name    string
	Symbols map[string]*SymbolResult

	cfg *MetricConfig
	sum float64
}

// Score returns the metric total: the sum of per-symbol contributions,
// clamped to the configured bounds when the metric declares them.
func (m *MetricResult) Score() float64 {
	s := m.sum
	if m.cfg != nil {
		if m.cfg.ScoreMin != nil && s < *m.cfg.ScoreMin {
			s = *m.cfg.ScoreMin
		}
		if m.cfg.ScoreMax != nil && s > *m.cfg.ScoreMax {
			s = *m.cfg.ScoreMax
		}
	}
	return s
}

// RawScore returns the unclamped sum of contributions.
func (m *MetricResult) RawScore() float64 {
	return m.sum
}

// ActionForScore resolves the configured action thresholds against the
// metric total. The highest-ranked action whose threshold the score meets
// wins; no thresholds configured means no action.
func (m *MetricResult) ActionForScore() Action {
	if m.cfg == nil {
		return NoAction
	}
	score := m.Score()
	best := NoAction
	for act, threshold := range m.cfg.Actions {
		if score >= threshold && act > best {
			best = act
		}
	}
	return best
}

// Remove drops a symbol's activation from the metric, adjusting the
// total. Composites use this to suppress their constituents.
func (m *MetricResult) Remove(name string) {
	if sr, ok := m.Symbols[name]; ok {
		m.sum -= sr.Score
		delete(m.Symbols, name)
	}
}

// PreResult is a short-circuit verdict set before or during the filters
// stage.
type PreResult struct {
	Action  Action
	Message string
	Score   float64
}

// Set holds all metric results for one task.
type Set struct {
	Metrics map[string]*MetricResult
	Pre     PreResult

	configs       map[string]*MetricConfig
	onActivation  func(symbol string)
	activatedOnce map[string]bool
}

// NewSet returns an empty result set scored against the given metric
// configurations (keyed by metric name; may be nil).
func NewSet(configs map[string]*MetricConfig) *Set {
	return &Set{
		Metrics:       map[string]*MetricResult{},
		configs:       configs,
		activatedOnce: map[string]bool{},
	}
}

// OnFirstActivation registers a hook invoked the first time each symbol
// name is activated in this set, across all metrics. The symbol cache
// uses it to maintain frequency counters.
func (s *Set) OnFirstActivation(fn func(symbol string)) {
	s.onActivation = fn
}

// Insert merges an activation into the named metric. The weight is the
// configured weight already resolved by the caller; the contribution is
// weight times multiplier. A repeated insert for the same symbol appends
// any new options (deduplicated by exact string equality) and replaces
// the score contribution only when the new absolute value is larger, the
// sign of the larger contribution prevailing. Insert reports whether the
// symbol was newly recorded in the metric.
func (s *Set) Insert(metric, name string, weight, multiplier float64, options ...string) bool {
	if metric == "" {
		metric = DefaultMetric
	}

	m, ok := s.Metrics[metric]
	if !ok {
		m = &MetricResult{
			Name:    metric,
			Symbols: map[string]*SymbolResult{},
			cfg:     s.configs[metric],
		}
		s.Metrics[metric] = m
	}

	contribution := weight * multiplier

	sr, exists := m.Symbols[name]
	if !exists {
		sr = &SymbolResult{
			Name:       name,
			Score:      contribution,
			Multiplier: multiplier,
			Metric:     metric,
		}
		m.Symbols[name] = sr
		m.sum += contribution
	} else if math.Abs(contribution) > math.Abs(sr.Score) {
		m.sum += contribution - sr.Score
		sr.Score = contribution
		sr.Multiplier = multiplier
	}

	for _, opt := range options {
		if !containsString(sr.Options, opt) {
			sr.Options = append(sr.Options, opt)
		}
	}

	if !s.activatedOnce[name] {
		s.activatedOnce[name] = true
		if s.onActivation != nil {
			s.onActivation(name)
		}
	}

	return !exists
}

// Activated reports whether the symbol was activated under any metric.
func (s *Set) Activated(name string) bool {
	return s.activatedOnce[name]
}

// ActivationCount returns the number of distinct symbols activated.
func (s *Set) ActivationCount() int {
	return len(s.activatedOnce)
}

// Remove drops a symbol from every metric. The activation memo is kept:
// a removed constituent still counts as seen for fine-symbol gating.
func (s *Set) Remove(name string) {
	for _, m := range s.Metrics {
		m.Remove(name)
	}
}

// SetPreResult records a short-circuit verdict. A lower or equal ranked
// action never overrides a higher one. It reports whether the pre-result
// changed.
func (s *Set) SetPreResult(action Action, message string) bool {
	if action <= s.Pre.Action {
		return false
	}
	s.Pre.Action = action
	s.Pre.Message = message
	return true
}

// HasPreResult reports whether a terminal non-no-action pre-result is set.
func (s *Set) HasPreResult() bool {
	return s.Pre.Action != NoAction
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
