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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsieve/mailsieve/internal/composites"
	"github.com/mailsieve/mailsieve/internal/fixture"
	"github.com/mailsieve/mailsieve/internal/message"
	"github.com/mailsieve/mailsieve/internal/result"
	"github.com/mailsieve/mailsieve/internal/symcache"
)

const sample = "From: a@example.com\r\n\r\nhello"

func testCache(t *testing.T, register func(c *symcache.Cache)) *symcache.Cache {
	t.Helper()
	c := symcache.New(fixture.NewTestLogger(t), symcache.Config{})
	register(c)
	require.NoError(t, c.PostLoad())
	return c
}

func activator(name string, weight float64) symcache.Callback {
	return func(ctx context.Context, tk symcache.Task) {
		tk.InsertResult("", name, weight)
	}
}

func mustAdd(t *testing.T, c *symcache.Cache, name string, prio int, cb symcache.Callback, typ symcache.Type, parent int) int {
	t.Helper()
	id, err := c.AddSymbol(name, prio, cb, nil, typ, parent)
	require.NoError(t, err)
	return id
}

func TestSimplePipeline(t *testing.T) {
	cache := testCache(t, func(c *symcache.Cache) {
		mustAdd(t, c, "R1", 0, activator("R1", 1.0), symcache.Normal, symcache.NoParent)
		mustAdd(t, c, "R2", 0, activator("R2", 2.0), symcache.Normal, symcache.NoParent)
	})

	e := NewEngine(EngineConfig{
		Logger: fixture.NewTestLogger(t),
		Cache:  cache,
	})

	task := e.NewTask()
	defer task.Destroy()
	require.NoError(t, task.LoadMessage([]byte(sample)))

	require.True(t, task.Process(context.Background(), StagesAll))

	assert.True(t, task.Processed())
	assert.Equal(t, StagesAll, task.Stages()&StagesAll)

	m := task.Results().Metrics[result.DefaultMetric]
	require.NotNil(t, m)
	assert.Equal(t, 1.0, m.Symbols["R1"].Score)
	assert.Equal(t, 2.0, m.Symbols["R2"].Score)
	assert.Equal(t, 3.0, m.Score())
}

func TestStagesAreMonotone(t *testing.T) {
	cache := testCache(t, func(c *symcache.Cache) {
		mustAdd(t, c, "R1", 0, activator("R1", 1.0), symcache.Normal, symcache.NoParent)
	})

	e := NewEngine(EngineConfig{Logger: fixture.NewTestLogger(t), Cache: cache})
	task := e.NewTask()
	defer task.Destroy()
	require.NoError(t, task.LoadMessage([]byte(sample)))

	prev := task.Stages()
	for _, stages := range []Stage{StageReadMessage, StageReadMessage | StagePreFilters, StagesAll} {
		require.True(t, task.Process(context.Background(), stages))
		cur := task.Stages()
		assert.Equal(t, prev, prev&cur, "processed stages must never regress")
		prev = cur
	}
	assert.True(t, task.Processed())
}

func TestDependencyOrdering(t *testing.T) {
	var observedAExecuted bool

	cache := symcache.New(fixture.NewTestLogger(t), symcache.Config{})
	mustAdd(t, cache, "A", 0, activator("A", 1.0), symcache.Normal, symcache.NoParent)
	bID := mustAdd(t, cache, "B", 10, func(ctx context.Context, tk symcache.Task) {
		observedAExecuted = tk.(*Task).Results().Activated("A")
	}, symcache.Normal, symcache.NoParent)

	// wire B after A despite B's higher priority
	require.NoError(t, cache.AddDependency(bID, "A"))
	require.NoError(t, cache.PostLoad())

	e := NewEngine(EngineConfig{Logger: fixture.NewTestLogger(t), Cache: cache})
	task := e.NewTask()
	defer task.Destroy()
	require.NoError(t, task.LoadMessage([]byte(sample)))

	require.True(t, task.Process(context.Background(), StagesAll))
	assert.True(t, observedAExecuted)
	assert.True(t, task.Results().Activated("A"))
}

func TestAsyncSuspensionAndResume(t *testing.T) {
	var afterRan bool

	cache := testCache(t, func(c *symcache.Cache) {
		mustAdd(t, c, "ASYNC", 10, func(ctx context.Context, tk symcache.Task) {
			tk.Session().AddEvent()
		}, symcache.Normal, symcache.NoParent)
		mustAdd(t, c, "AFTER", 0, func(ctx context.Context, tk symcache.Task) {
			afterRan = true
			tk.InsertResult("", "AFTER", 1.0)
		}, symcache.Normal, symcache.NoParent)
	})

	e := NewEngine(EngineConfig{Logger: fixture.NewTestLogger(t), Cache: cache})
	task := e.NewTask()
	defer task.Destroy()
	require.NoError(t, task.LoadMessage([]byte(sample)))

	var completed *Task
	task.OnComplete(func(tk *Task) { completed = tk })

	// the filters stage suspends; Process reports no error but leaves
	// the stage unprocessed
	require.True(t, task.Process(context.Background(), StagesAll))
	assert.False(t, task.Processed())
	assert.Zero(t, task.Stages()&StageFilters)
	assert.False(t, afterRan)

	// async completion fires the session watcher, which resumes the
	// task through Fin and drives it to done
	task.Session().RemoveEvent()

	assert.True(t, task.Processed())
	assert.True(t, afterRan)
	require.NotNil(t, completed)
	assert.Equal(t, task, completed)
}

func TestPreFilterRejectShortCircuits(t *testing.T) {
	ran := 0
	cache := testCache(t, func(c *symcache.Cache) {
		mustAdd(t, c, "R1", 0, func(ctx context.Context, tk symcache.Task) { ran++ }, symcache.Normal, symcache.NoParent)
	})

	e := NewEngine(EngineConfig{
		Logger: fixture.NewTestLogger(t),
		Cache:  cache,
		PreFilters: []Hook{
			func(ctx context.Context, tk *Task) {
				tk.SetPreResult(result.Reject, "denied")
			},
		},
	})

	task := e.NewTask()
	defer task.Destroy()
	require.NoError(t, task.LoadMessage([]byte(sample)))

	require.True(t, task.Process(context.Background(), StagesAll))

	assert.True(t, task.Processed())
	assert.True(t, task.Skipped())
	assert.Equal(t, 0, ran)
	assert.Equal(t, result.Reject, task.Results().Pre.Action)
}

func TestReentryIsANoOp(t *testing.T) {
	var nested bool

	cache := testCache(t, func(c *symcache.Cache) {
		mustAdd(t, c, "RECURSIVE", 0, nil, symcache.Ghost, symcache.NoParent)
		mustAdd(t, c, "PROBE", 0, func(ctx context.Context, tk symcache.Task) {
			// a synchronous completion path re-entering Process must
			// return true immediately without advancing anything
			task := tk.(*Task)
			before := task.Stages()
			nested = task.Process(ctx, StagesAll)
			if task.Stages() != before {
				t.Error("nested Process advanced the task")
			}
		}, symcache.Normal, symcache.NoParent)
	})

	e := NewEngine(EngineConfig{Logger: fixture.NewTestLogger(t), Cache: cache})
	task := e.NewTask()
	defer task.Destroy()
	require.NoError(t, task.LoadMessage([]byte(sample)))

	require.True(t, task.Process(context.Background(), StagesAll))
	assert.True(t, nested)
	assert.True(t, task.Processed())
}

func TestParseErrorRecordedOnTask(t *testing.T) {
	parseErr := errors.New("bad mime structure")
	e := NewEngine(EngineConfig{
		Logger: fixture.NewTestLogger(t),
		Parser: message.ParserFunc(func(raw []byte) (*message.Message, error) {
			return nil, parseErr
		}),
	})

	task := e.NewTask()
	defer task.Destroy()
	require.NoError(t, task.LoadMessage([]byte(sample)))

	require.False(t, task.Process(context.Background(), StagesAll))
	require.Error(t, task.Err())
	assert.ErrorIs(t, task.Err(), parseErr)
}

func TestEmptyMessageIsAnError(t *testing.T) {
	e := NewEngine(EngineConfig{Logger: fixture.NewTestLogger(t)})

	task := e.NewTask()
	defer task.Destroy()
	require.Error(t, task.LoadMessage(nil))
}

func TestFileBackedTask(t *testing.T) {
	e := NewEngine(EngineConfig{Logger: fixture.NewTestLogger(t)})

	t.Run("missing file", func(t *testing.T) {
		task := e.NewTask()
		defer task.Destroy()
		task.LoadFile("/definitely/not/here.eml")

		require.False(t, task.Process(context.Background(), StagesAll))
		require.Error(t, task.Err())
	})
}

func TestClassifierErrorsDoNotAbort(t *testing.T) {
	cache := testCache(t, func(c *symcache.Cache) {
		mustAdd(t, c, "R1", 0, activator("R1", 1.0), symcache.Normal, symcache.NoParent)
	})

	e := NewEngine(EngineConfig{
		Logger:     fixture.NewTestLogger(t),
		Cache:      cache,
		Classifier: classifierFunc(func(ctx context.Context, tk *Task) error { return errors.New("backend down") }),
	})

	task := e.NewTask()
	defer task.Destroy()
	require.NoError(t, task.LoadMessage([]byte(sample)))

	require.True(t, task.Process(context.Background(), StagesAll))
	assert.True(t, task.Processed())
	assert.NoError(t, task.Err())
}

type classifierFunc func(ctx context.Context, tk *Task) error

func (f classifierFunc) Classify(ctx context.Context, tk *Task) error { return f(ctx, tk) }

func TestCompositesStage(t *testing.T) {
	cache := testCache(t, func(c *symcache.Cache) {
		mustAdd(t, c, "A", 0, activator("A", 1.0), symcache.Normal, symcache.NoParent)
		mustAdd(t, c, "B", 0, activator("B", 1.0), symcache.Normal, symcache.NoParent)
	})

	comp, err := composites.Parse("A_AND_B", "A & B")
	require.NoError(t, err)

	e := NewEngine(EngineConfig{
		Logger:     fixture.NewTestLogger(t),
		Cache:      cache,
		Composites: []*composites.Composite{comp},
		Metrics: map[string]*result.MetricConfig{
			result.DefaultMetric: {
				Weights: map[string]float64{"A": 1, "B": 1, "A_AND_B": 7},
			},
		},
	})

	task := e.NewTask()
	defer task.Destroy()
	require.NoError(t, task.LoadMessage([]byte(sample)))

	require.True(t, task.Process(context.Background(), StagesAll))

	m := task.Results().Metrics[result.DefaultMetric]
	require.NotNil(t, m)
	_, hasA := m.Symbols["A"]
	_, hasB := m.Symbols["B"]
	assert.False(t, hasA)
	assert.False(t, hasB)
	assert.Equal(t, 7.0, m.Score())
}

func TestVirtualSymbolScoring(t *testing.T) {
	cache := symcache.New(fixture.NewTestLogger(t), symcache.Config{})
	pid := mustAdd(t, cache, "MULTIMAP", 0, func(ctx context.Context, tk symcache.Task) {
		tk.InsertResult("", "SENDER_LISTED", 1.0, "sender.map")
	}, symcache.CallbackOnly, symcache.NoParent)
	mustAdd(t, cache, "SENDER_LISTED", 0, nil, symcache.Virtual, pid)
	require.NoError(t, cache.PostLoad())

	e := NewEngine(EngineConfig{
		Logger: fixture.NewTestLogger(t),
		Cache:  cache,
		Metrics: map[string]*result.MetricConfig{
			result.DefaultMetric: {
				// no weight for the virtual: routes through the parent
				Weights: map[string]float64{"MULTIMAP": 3.0},
			},
		},
	})

	task := e.NewTask()
	defer task.Destroy()
	require.NoError(t, task.LoadMessage([]byte(sample)))

	require.True(t, task.Process(context.Background(), StagesAll))

	m := task.Results().Metrics[result.DefaultMetric]
	require.NotNil(t, m)
	sr, ok := m.Symbols["SENDER_LISTED"]
	require.True(t, ok, "virtual name is recorded")
	assert.Equal(t, 3.0, sr.Score)
	assert.Equal(t, []string{"sender.map"}, sr.Options)
}

func TestGhostSymbolsNeverAppearInResults(t *testing.T) {
	cache := symcache.New(fixture.NewTestLogger(t), symcache.Config{})
	mustAdd(t, cache, "GHOST", 0, nil, symcache.Ghost, symcache.NoParent)
	mustAdd(t, cache, "CALLER", 0, func(ctx context.Context, tk symcache.Task) {
		tk.InsertResult("", "GHOST", 1.0)
	}, symcache.Normal, symcache.NoParent)
	require.NoError(t, cache.PostLoad())

	e := NewEngine(EngineConfig{Logger: fixture.NewTestLogger(t), Cache: cache})
	task := e.NewTask()
	defer task.Destroy()
	require.NoError(t, task.LoadMessage([]byte(sample)))

	require.True(t, task.Process(context.Background(), StagesAll))
	assert.Nil(t, task.Results().Metrics[result.DefaultMetric])
}

func TestReCache(t *testing.T) {
	e := NewEngine(EngineConfig{Logger: fixture.NewTestLogger(t)})
	task := e.NewTask()
	defer task.Destroy()

	assert.Equal(t, ReCacheNoValue, task.ReCacheCheck("/spam/i"))

	prev := task.ReCacheAdd("/spam/i", 1)
	assert.Equal(t, ReCacheNoValue, prev)
	assert.Equal(t, uint32(1), task.ReCacheCheck("/spam/i"))

	prev = task.ReCacheAdd("/spam/i", 0)
	assert.Equal(t, uint32(1), prev)
	assert.Equal(t, uint32(0), task.ReCacheCheck("/spam/i"))
}

func TestPassAllFromCheckAllFilters(t *testing.T) {
	ran := 0
	cache := testCache(t, func(c *symcache.Cache) {
		mustAdd(t, c, "R1", 0, func(ctx context.Context, tk symcache.Task) { ran++ }, symcache.Normal, symcache.NoParent)
	})

	e := NewEngine(EngineConfig{
		Logger:          fixture.NewTestLogger(t),
		Cache:           cache,
		CheckAllFilters: true,
		PreFilters: []Hook{
			func(ctx context.Context, tk *Task) {
				tk.SetPreResult(result.Reject, "denied")
			},
		},
	})

	task := e.NewTask()
	defer task.Destroy()
	require.NoError(t, task.LoadMessage([]byte(sample)))

	require.True(t, task.Process(context.Background(), StagesAll))
	assert.True(t, task.Processed())
	assert.Equal(t, 1, ran)
}

func TestUnrequestedStagesAreAssumedDone(t *testing.T) {
	ran := 0
	cache := testCache(t, func(c *symcache.Cache) {
		mustAdd(t, c, "R1", 0, func(ctx context.Context, tk symcache.Task) { ran++ }, symcache.Normal, symcache.NoParent)
	})

	e := NewEngine(EngineConfig{Logger: fixture.NewTestLogger(t), Cache: cache})
	task := e.NewTask()
	defer task.Destroy()
	require.NoError(t, task.LoadMessage([]byte(sample)))

	// everything but filters
	stages := StageReadMessage | StagePreFilters | StageClassifiers |
		StageComposites | StagePostFilters | StageDone

	require.True(t, task.Process(context.Background(), stages))
	assert.True(t, task.Processed())
	assert.Equal(t, 0, ran)
}
