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

// Package scan drives one message through the processing pipeline:
// parse, pre-filters, filters (the symbol cache), classifiers,
// composites, post-filters, done. Tasks suspend cooperatively whenever a
// symbol registers asynchronous work with the event session and resume
// from the event loop through the session watcher.
package scan

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mailsieve/mailsieve/internal/arena"
	"github.com/mailsieve/mailsieve/internal/composites"
	"github.com/mailsieve/mailsieve/internal/message"
	"github.com/mailsieve/mailsieve/internal/result"
	"github.com/mailsieve/mailsieve/internal/session"
	"github.com/mailsieve/mailsieve/internal/symcache"
	"github.com/mailsieve/mailsieve/internal/timeout"
)

// DefaultTaskTimeout bounds a scan when the configuration does not name
// a deadline.
const DefaultTaskTimeout = 8 * time.Second

// Hook is a pre- or post-filter. Hooks run synchronously; a hook that
// issues asynchronous work must gate completion through the task's event
// session to be considered pending.
type Hook func(ctx context.Context, task *Task)

// Classifier is the statistical classifier collaborator invoked in the
// classifiers stage. A classification error is logged and the task
// continues.
type Classifier interface {
	Classify(ctx context.Context, task *Task) error
}

// EngineConfig collects the collaborators shared by all tasks.
type EngineConfig struct {
	Logger     logrus.FieldLogger
	Cache      *symcache.Cache
	Parser     message.Parser
	Classifier Classifier

	PreFilters  []Hook
	PostFilters []Hook
	Composites  []*composites.Composite

	Metrics map[string]*result.MetricConfig

	// CheckAllFilters keeps the filters stage running even after a
	// terminal pre-result.
	CheckAllFilters bool

	TaskTimeout timeout.Setting
}

// Engine creates tasks and owns the per-process pipeline wiring. The
// symbol cache must be post-loaded before the first task is processed.
type Engine struct {
	log logrus.FieldLogger
	cfg EngineConfig
}

// NewEngine returns an Engine over the given configuration.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		log: cfg.Logger,
		cfg: cfg,
	}
}

// Cache returns the engine's symbol cache.
func (e *Engine) Cache() *symcache.Cache {
	return e.cfg.Cache
}

// NewTask creates a task for one message. The caller feeds it a message
// via LoadMessage or LoadFile, then drives it with Process; Destroy
// releases the task's pool.
func (e *Engine) NewTask() *Task {
	t := &Task{
		id:      uuid.NewString(),
		engine:  e,
		pool:    arena.New(),
		reCache: map[string]uint32{},
		ctx:     context.Background(),
	}
	t.log = e.log.WithField("task", t.id)

	t.results = result.NewSet(e.cfg.Metrics)
	t.results.OnFirstActivation(func(sym string) {
		if e.cfg.Cache != nil {
			e.cfg.Cache.IncFrequency(sym)
		}
	})

	// The session watcher is the only re-entry point into the task from
	// the event loop.
	t.session = session.New(func() { t.Fin() })

	if e.cfg.CheckAllFilters {
		t.flags |= FlagPassAll
	}

	if dl, ok := e.cfg.TaskTimeout.DeadlineFor(time.Now(), DefaultTaskTimeout); ok {
		t.deadline = dl
		t.hasDeadline = true
	}

	return t
}
