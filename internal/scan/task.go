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

package scan

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mailsieve/mailsieve/internal/arena"
	"github.com/mailsieve/mailsieve/internal/message"
	"github.com/mailsieve/mailsieve/internal/result"
	"github.com/mailsieve/mailsieve/internal/session"
	"github.com/mailsieve/mailsieve/internal/symcache"
)

// ReCacheNoValue is returned by the regex result memo when a key was
// never recorded.
const ReCacheNoValue uint32 = 1<<31 - 1

// reCacheSeen marks a memo entry as recorded; the remaining 31 bits hold
// the value.
const reCacheSeen uint32 = 1 << 31

// Task is one in-flight message.
type Task struct {
	id     string
	engine *Engine
	log    logrus.FieldLogger

	pool    *arena.Pool
	session *session.Session
	results *result.Set

	raw      []byte
	filePath string
	msg      *message.Message

	processed Stage
	flags     Flag

	reCache    map[string]uint32
	checkpoint any

	deadline    time.Time
	hasDeadline bool

	err error
	ctx context.Context

	replyFn   func(*Task)
	replySent bool
}

var _ symcache.Task = (*Task)(nil)

// ID returns the task's unique id.
func (t *Task) ID() string { return t.id }

// Log returns the task-scoped logger.
func (t *Task) Log() logrus.FieldLogger { return t.log }

// Pool returns the task's arena.
func (t *Task) Pool() *arena.Pool { return t.pool }

// Session returns the task's event session.
func (t *Task) Session() *session.Session { return t.session }

// Message returns the parsed message, nil before the read-message stage.
func (t *Task) Message() *message.Message { return t.msg }

// Results returns the task's result set.
func (t *Task) Results() *result.Set { return t.results }

// Err returns the terminal error recorded on the task, if any.
func (t *Task) Err() error { return t.err }

// Stages returns the processed stages bitmask.
func (t *Task) Stages() Stage { return t.processed }

// Flags returns the task flags bitmask.
func (t *Task) Flags() Flag { return t.flags }

// Processed reports whether the task reached the done stage.
func (t *Task) Processed() bool {
	return t.processed&StageDone != 0
}

// Skipped reports whether the task was short-circuited.
func (t *Task) Skipped() bool {
	return t.flags&FlagSkipped != 0
}

// Skip marks the task skipped; remaining stages complete without
// dispatching.
func (t *Task) Skip() {
	t.flags |= FlagSkipped
}

// PassAll reports whether filters keep running after a terminal
// pre-result.
func (t *Task) PassAll() bool {
	return t.flags&FlagPassAll != 0
}

// Deadline returns the task's absolute deadline, if one applies.
func (t *Task) Deadline() (time.Time, bool) {
	return t.deadline, t.hasDeadline
}

// Checkpoint returns the scheduler's saved position, owned by the symbol
// cache runtime.
func (t *Task) Checkpoint() any { return t.checkpoint }

// SetCheckpoint stores the scheduler's saved position.
func (t *Task) SetCheckpoint(cp any) { t.checkpoint = cp }

// LoadMessage attaches a raw message body to the task.
func (t *Task) LoadMessage(raw []byte) error {
	if len(raw) == 0 {
		t.err = errEmptyMessage
		return t.err
	}
	t.raw = raw
	return nil
}

// LoadFile attaches an on-disk message to the task; the file is read in
// the read-message stage.
func (t *Task) LoadFile(path string) {
	t.filePath = path
	t.flags |= FlagFile
}

// OnComplete registers the reply callback dispatched exactly once when
// the task finishes processing.
func (t *Task) OnComplete(fn func(*Task)) {
	t.replyFn = fn
}

// Destroy releases the task's pool, running registered destructors in
// reverse order.
func (t *Task) Destroy() {
	t.pool.Destroy()
}

// InsertResult records a symbol activation. The configured weight of the
// symbol under the metric is applied; a virtual symbol with no weight of
// its own routes through its parent's weight while keeping its own name
// in the results. Ghost symbols never appear in results.
func (t *Task) InsertResult(metric, name string, multiplier float64, options ...string) {
	cache := t.engine.cfg.Cache
	if cache != nil {
		if typ, ok := cache.TypeOf(name); ok && typ == symcache.Ghost {
			t.log.WithField("symbol", name).Debug("ignoring result for ghost symbol")
			return
		}
	}

	metricName := metric
	if metricName == "" {
		metricName = result.DefaultMetric
	}

	weight := 1.0
	if mc := t.engine.cfg.Metrics[metricName]; mc != nil {
		w, ok := mc.Weight(name)
		if !ok && cache != nil {
			if parent, pok := cache.ParentOf(name); pok {
				w, ok = mc.Weight(parent)
			}
		}
		if ok {
			weight = w
		}
	}

	t.results.Insert(metricName, name, weight, multiplier, options...)
}

// SetPreResult records a short-circuit verdict; only a higher-ranked
// action overrides a lower one.
func (t *Task) SetPreResult(action result.Action, msg string) bool {
	changed := t.results.SetPreResult(action, msg)
	if changed && action != result.NoAction {
		t.flags |= FlagHasPreResult
		t.log.WithFields(logrus.Fields{
			"action":  action.String(),
			"message": msg,
		}).Debug("pre-result set")
	}
	return changed
}

// HasPreResult reports whether a terminal pre-result is set.
func (t *Task) HasPreResult() bool {
	return t.flags&FlagHasPreResult != 0
}

// ActivationCount returns the number of distinct symbols activated so
// far.
func (t *Task) ActivationCount() int {
	return t.results.ActivationCount()
}

// ReCacheAdd memoises a regex match result under key and returns the
// previously recorded value, or ReCacheNoValue.
func (t *Task) ReCacheAdd(key string, value uint32) uint32 {
	prev := ReCacheNoValue
	if v, ok := t.reCache[key]; ok {
		prev = v &^ reCacheSeen
	}
	t.reCache[key] = (value &^ reCacheSeen) | reCacheSeen
	return prev
}

// ReCacheCheck returns the memoised value for key, or ReCacheNoValue.
func (t *Task) ReCacheCheck(key string) uint32 {
	if v, ok := t.reCache[key]; ok {
		return v &^ reCacheSeen
	}
	return ReCacheNoValue
}

func (t *Task) reply() {
	if t.replySent {
		return
	}
	t.replySent = true
	if t.replyFn != nil {
		t.replyFn(t)
	}
}

// Fin drives the task to completion from the event loop; it is the
// session watcher protocol. It reports true once the task is finished
// (fully processed, or stopped by a terminal error) and the reply has
// been dispatched.
func (t *Task) Fin() bool {
	if t.Processed() {
		t.reply()
		return true
	}

	if !t.Process(t.ctx, StagesAll) {
		t.reply()
		return true
	}

	if t.Processed() {
		t.reply()
		return true
	}

	// More asynchronous work is pending; the session watcher will call
	// again.
	return false
}
