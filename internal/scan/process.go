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
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mailsieve/mailsieve/internal/composites"
	"github.com/mailsieve/mailsieve/internal/message"
	"github.com/mailsieve/mailsieve/internal/result"
)

var errEmptyMessage = errors.New("message has invalid zero length")

// Process advances the task through the requested stages. It returns
// false when a terminal error was recorded (the caller replies with a
// diagnostic) and true otherwise, including when the task suspended on
// pending asynchronous work.
//
// Process never runs nested: a recursive call through a synchronous
// completion callback observes the processing guard and returns
// immediately.
func (t *Task) Process(ctx context.Context, stages Stage) bool {
	if t.flags&FlagProcessing != 0 {
		return true
	}
	if t.Processed() {
		return true
	}

	t.ctx = ctx
	t.flags |= FlagProcessing
	defer func() {
		t.flags &^= FlagProcessing
	}()

	for {
		st := t.selectStage(stages)

		ok := t.dispatch(ctx, st)

		if t.Skipped() {
			t.processed |= StageDone
		}

		if !ok {
			return false
		}
		if t.Processed() {
			return true
		}

		if t.session.Pending() != 0 {
			// The stage has outstanding asynchronous work; its bit
			// stays unset and the session watcher re-enters when the
			// work drains.
			t.log.WithField("stage", st.String()).Debug("stage has pending events")
			return true
		}

		t.log.WithField("stage", st.String()).Debug("completed stage")
		t.processed |= st
		t.checkpoint = nil
	}
}

// selectStage picks the lowest unprocessed stage bit that is also
// requested. Unrequested stages are assumed done.
func (t *Task) selectStage(stages Stage) Stage {
	for st := StageReadMessage; st < StageDone; st <<= 1 {
		if t.processed&st != 0 {
			continue
		}
		if stages&st != 0 {
			return st
		}
		t.processed |= st
	}
	return StageDone
}

func (t *Task) dispatch(ctx context.Context, st Stage) bool {
	switch st {
	case StageReadMessage:
		return t.readMessage()

	case StagePreFilters:
		t.runHooks(ctx, t.engine.cfg.PreFilters, "pre filter")

	case StageFilters:
		if t.engine.cfg.Cache != nil {
			t.engine.cfg.Cache.Process(ctx, t)
		}

	case StageClassifiers:
		if cl := t.engine.cfg.Classifier; cl != nil {
			if err := cl.Classify(ctx, t); err != nil {
				t.log.WithError(err).Error("classify error")
			}
		}

	case StageComposites:
		composites.Apply(t.results, t.engine.cfg.Composites, t.compositeWeight, t.log)

	case StagePostFilters:
		t.runHooks(ctx, t.engine.cfg.PostFilters, "post filter")

	case StageDone:
		t.processed |= StageDone
	}

	return true
}

func (t *Task) readMessage() bool {
	raw := t.raw

	if t.flags&FlagFile != 0 {
		data, err := os.ReadFile(t.filePath)
		if err != nil {
			t.err = errors.Wrapf(err, "cannot read message file %s", t.filePath)
			return false
		}
		raw = data
	}

	if len(raw) == 0 {
		t.err = errEmptyMessage
		return false
	}

	if p := t.engine.cfg.Parser; p != nil {
		msg, err := p.Parse(raw)
		if err != nil {
			t.err = errors.Wrap(err, "message parse failed")
			return false
		}
		t.msg = msg
	} else {
		t.msg = message.New(raw)
	}

	return true
}

// runHooks runs pre- or post-filter hooks. Hook errors are contained: a
// panicking hook is logged and the task continues.
func (t *Task) runHooks(ctx context.Context, hooks []Hook, kind string) {
	for i, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.log.WithFields(logrus.Fields{
						"hook":  i,
						"kind":  kind,
						"panic": r,
					}).Error("hook failed")
				}
			}()
			h(ctx, t)
		}()
	}
}

func (t *Task) compositeWeight(name string) float64 {
	if mc := t.engine.cfg.Metrics[result.DefaultMetric]; mc != nil {
		if w, ok := mc.Weight(name); ok {
			return w
		}
	}
	return 1.0
}
