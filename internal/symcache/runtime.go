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

package symcache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mailsieve/mailsieve/internal/result"
)

// checkpoint is the scheduler's saved position inside one task. It is
// stored opaquely on the task and survives suspensions; a generation
// mismatch after a resort restarts the walk from scratch.
type checkpoint struct {
	gen      uint64
	cursor   int
	executed []bool
	waiting  []int
	deferred []int
}

// Process walks the execution order for one task, invoking callbacks,
// parking symbols whose dependencies have not run, and deferring fine
// symbols to the end of the pass. It returns true when the filters stage
// is complete and false when a callback suspended the task by adding an
// event to the session; the session watcher re-enters Process through
// the task state machine.
func (c *Cache) Process(ctx context.Context, tk Task) bool {
	ord := c.currentOrder()
	if ord == nil {
		tk.Log().Error("symbol cache used before post-load")
		return true
	}

	cp, ok := tk.Checkpoint().(*checkpoint)
	if !ok || cp.gen != ord.gen {
		cp = &checkpoint{
			gen:      ord.gen,
			executed: make([]bool, len(c.items)),
		}
		tk.SetCheckpoint(cp)
	}

	// A terminal pre-result short-circuits all filter work unless the
	// task runs with pass-all.
	if tk.HasPreResult() && !tk.PassAll() {
		tk.Log().WithField("action", "pre-result").Debug("skipping filters")
		tk.Skip()
		return true
	}

	for cp.cursor < len(ord.ids) {
		if c.deadlineExceeded(tk) {
			return true
		}
		if tk.HasPreResult() && !tk.PassAll() {
			tk.Skip()
			return true
		}

		it := c.items[ord.ids[cp.cursor]]
		cp.cursor++

		if cp.executed[it.id] {
			continue
		}

		switch it.typ {
		case Ghost, Virtual, Composite:
			cp.executed[it.id] = true
			continue
		case Fine:
			cp.deferred = append(cp.deferred, it.id)
			continue
		}

		if !c.depsSatisfied(cp, it) {
			cp.waiting = append(cp.waiting, it.id)
			continue
		}

		if c.runSymbol(ctx, tk, it, cp) {
			return false
		}
	}

	if !c.drainWaiters(ctx, tk, cp) {
		return false
	}
	return c.runDeferred(ctx, tk, cp)
}

// drainWaiters re-sweeps the waiting list while progress is being made.
// A full sweep with no progress means the remaining waiters cannot run
// in this task; they are logged and marked executed so the stage can
// finish.
func (c *Cache) drainWaiters(ctx context.Context, tk Task, cp *checkpoint) bool {
	for len(cp.waiting) > 0 {
		progress := false
		var still []int

		for i, id := range cp.waiting {
			it := c.items[id]
			if cp.executed[id] {
				progress = true
				continue
			}
			if !c.depsSatisfied(cp, it) {
				still = append(still, id)
				continue
			}
			progress = true
			if c.runSymbol(ctx, tk, it, cp) {
				cp.waiting = append(still, cp.waiting[i+1:]...)
				return false
			}
		}

		cp.waiting = still
		if !progress {
			for _, id := range cp.waiting {
				tk.Log().WithField("symbol", c.items[id].name).
					Warn("dependencies never executed, skipping symbol")
				cp.executed[id] = true
			}
			cp.waiting = nil
		}
	}
	return true
}

// runDeferred executes fine symbols, which are only worth running once
// some other symbol has activated.
func (c *Cache) runDeferred(ctx context.Context, tk Task, cp *checkpoint) bool {
	for len(cp.deferred) > 0 {
		id := cp.deferred[0]
		cp.deferred = cp.deferred[1:]
		it := c.items[id]

		if cp.executed[id] {
			continue
		}
		if tk.ActivationCount() == 0 {
			continue
		}
		if !c.depsSatisfied(cp, it) {
			tk.Log().WithField("symbol", it.name).
				Warn("dependencies never executed, skipping symbol")
			cp.executed[id] = true
			continue
		}
		if c.runSymbol(ctx, tk, it, cp) {
			return false
		}
	}
	return true
}

// runSymbol times and invokes one callback. It reports true when the
// callback suspended the task. A grown session count means completion
// will happen on the event loop; the execution time of a suspended
// callback is unknown here, so the average is only updated on the
// synchronous path.
func (c *Cache) runSymbol(ctx context.Context, tk Task, it *item, cp *checkpoint) (suspended bool) {
	pendingBefore := tk.Session().Pending()
	start := time.Now()

	func() {
		defer func() {
			if r := recover(); r != nil {
				tk.Log().WithFields(logrus.Fields{
					"symbol": it.name,
					"id":     it.id,
					"panic":  r,
				}).Error("symbol callback failed")
			}
		}()
		it.callback(ctx, tk)
	}()

	cp.executed[it.id] = true
	for _, child := range it.children {
		cp.executed[child] = true
	}

	if tk.Session().Pending() > pendingBefore {
		tk.Log().WithField("symbol", it.name).Debug("symbol suspended the task")
		return true
	}

	it.updateTime(time.Since(start).Seconds(), c.cfg.Alpha)
	return false
}

func (c *Cache) depsSatisfied(cp *checkpoint, it *item) bool {
	for _, dep := range it.waitDeps {
		if !cp.executed[dep] {
			return false
		}
	}
	return true
}

func (c *Cache) deadlineExceeded(tk Task) bool {
	dl, ok := tk.Deadline()
	if !ok || time.Now().Before(dl) {
		return false
	}
	tk.Log().WithField("deadline", dl).Warn("task deadline exceeded, skipping remaining symbols")
	tk.SetPreResult(result.SoftReject, "task timed out")
	tk.Skip()
	return true
}
