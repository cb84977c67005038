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

// Package config holds the daemon configuration surface.
package config

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mailsieve/mailsieve/internal/result"
	"github.com/mailsieve/mailsieve/internal/timeout"
)

// HTTPParameters hold the configuration for an HTTP listener.
type HTTPParameters struct {
	Address string `yaml:"address,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// Validate the HTTP parameters.
func (h HTTPParameters) Validate() error {
	if h.Port < 0 || h.Port > 65535 {
		return fmt.Errorf("invalid port %d", h.Port)
	}
	return nil
}

// MetricParameters configure the scoring of one metric.
type MetricParameters struct {
	// Weights maps symbol names to their configured weight.
	Weights map[string]float64 `yaml:"weights,omitempty"`

	// ScoreMin and ScoreMax clamp the metric total when set.
	ScoreMin *float64 `yaml:"score-min,omitempty"`
	ScoreMax *float64 `yaml:"score-max,omitempty"`

	// Actions maps action names to score thresholds.
	Actions map[string]float64 `yaml:"actions,omitempty"`
}

// Validate the metric parameters.
func (m MetricParameters) Validate() error {
	const maxWeight = 1e6

	for sym, w := range m.Weights {
		if w > maxWeight || w < -maxWeight {
			return fmt.Errorf("weight for symbol %q out of range", sym)
		}
	}
	if m.ScoreMin != nil && m.ScoreMax != nil && *m.ScoreMin > *m.ScoreMax {
		return fmt.Errorf("score-min %v exceeds score-max %v", *m.ScoreMin, *m.ScoreMax)
	}
	for name := range m.Actions {
		if _, err := result.ParseAction(name); err != nil {
			return err
		}
	}
	return nil
}

// Config converts the parameters to the aggregator's metric
// configuration.
func (m MetricParameters) Config() *result.MetricConfig {
	mc := &result.MetricConfig{
		Weights:  m.Weights,
		ScoreMin: m.ScoreMin,
		ScoreMax: m.ScoreMax,
	}
	if len(m.Actions) > 0 {
		mc.Actions = map[result.Action]float64{}
		for name, threshold := range m.Actions {
			act, err := result.ParseAction(name)
			if err != nil {
				// Validate has rejected unknown names already.
				continue
			}
			mc.Actions[act] = threshold
		}
	}
	return mc
}

// Parameters contains the configuration file parameters for the
// mailsieve daemon.
type Parameters struct {
	// Debug enables debug logging.
	Debug bool `yaml:"debug,omitempty"`

	// CheckAllFilters keeps the filters stage running even after a
	// terminal pre-result has been set.
	CheckAllFilters bool `yaml:"check-all-filters,omitempty"`

	// StrictSymbols fails startup on unresolved symbol references
	// instead of warning.
	StrictSymbols bool `yaml:"strict-symbols,omitempty"`

	// CacheFile is the path of the symbol statistics snapshot.
	CacheFile string `yaml:"cache-file,omitempty"`

	// SaveInterval is the period of the statistics saver.
	SaveInterval string `yaml:"save-interval,omitempty"`

	// TaskTimeout bounds the processing of one message.
	TaskTimeout string `yaml:"task-timeout,omitempty"`

	// TimeSmoothingAlpha is the smoothing constant of the execution
	// time moving average, in (0, 1].
	TimeSmoothingAlpha float64 `yaml:"time-smoothing-alpha,omitempty"`

	// Health configures the health and metrics listener.
	Health HTTPParameters `yaml:"health,omitempty"`

	// DebugSvc configures the debug listener serving pprof and the
	// symbol graph.
	DebugSvc HTTPParameters `yaml:"debug-http,omitempty"`

	// Metrics configure scoring, keyed by metric name.
	Metrics map[string]MetricParameters `yaml:"metrics,omitempty"`

	// Composites maps composite symbol names to their expressions.
	Composites map[string]string `yaml:"composites,omitempty"`
}

// Defaults returns the default set of parameters.
func Defaults() Parameters {
	return Parameters{
		CacheFile:          "/var/lib/mailsieve/symbols.cache",
		SaveInterval:       "60s",
		TimeSmoothingAlpha: 1.0 / 16,
		Health: HTTPParameters{
			Address: "0.0.0.0",
			Port:    8000,
		},
		DebugSvc: HTTPParameters{
			Address: "127.0.0.1",
			Port:    6060,
		},
	}
}

// Validate verifies the parameters are internally consistent.
func (p *Parameters) Validate() error {
	if p.SaveInterval != "" {
		if _, err := time.ParseDuration(p.SaveInterval); err != nil {
			return fmt.Errorf("invalid save-interval: %w", err)
		}
	}

	if _, err := timeout.Parse(p.TaskTimeout); err != nil {
		return err
	}

	if p.TimeSmoothingAlpha < 0 || p.TimeSmoothingAlpha > 1 {
		return fmt.Errorf("time-smoothing-alpha %v out of range (0, 1]", p.TimeSmoothingAlpha)
	}

	if err := p.Health.Validate(); err != nil {
		return fmt.Errorf("invalid health parameters: %w", err)
	}
	if err := p.DebugSvc.Validate(); err != nil {
		return fmt.Errorf("invalid debug-http parameters: %w", err)
	}

	for name, m := range p.Metrics {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("invalid metric %q: %w", name, err)
		}
	}

	return nil
}

// SaveIntervalDuration returns the parsed save interval; zero means
// "use the default".
func (p *Parameters) SaveIntervalDuration() time.Duration {
	d, err := time.ParseDuration(p.SaveInterval)
	if err != nil {
		return 0
	}
	return d
}

// TaskTimeoutSetting returns the parsed task timeout setting.
func (p *Parameters) TaskTimeoutSetting() timeout.Setting {
	s, err := timeout.Parse(p.TaskTimeout)
	if err != nil {
		return timeout.DefaultSetting()
	}
	return s
}

// MetricConfigs converts the configured metrics for the aggregator.
func (p *Parameters) MetricConfigs() map[string]*result.MetricConfig {
	out := map[string]*result.MetricConfig{}
	for name, m := range p.Metrics {
		out[name] = m.Config()
	}
	return out
}

// Parse reads parameters from the reader, applied on top of the
// defaults. Unknown fields are rejected.
func Parse(in io.Reader) (*Parameters, error) {
	conf := Defaults()

	decoder := yaml.NewDecoder(in)
	decoder.KnownFields(true)

	if err := decoder.Decode(&conf); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return &conf, nil
}
