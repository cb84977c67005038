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

// Package symcache holds the process-wide registry of filter symbols, the
// post-load pass that turns registrations into an execution order, the
// per-task scheduler that runs callbacks against that order, and the
// persistence of runtime statistics.
package symcache

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mailsieve/mailsieve/internal/arena"
	"github.com/mailsieve/mailsieve/internal/message"
	"github.com/mailsieve/mailsieve/internal/result"
	"github.com/mailsieve/mailsieve/internal/session"
)

// Type classifies a registered symbol.
type Type int

const (
	// Normal symbols have a callback and a score of their own.
	Normal Type = iota
	// Virtual symbols have no callback; they are produced by their real
	// parent's callback.
	Virtual
	// CallbackOnly symbols have a callback but no score and may not be
	// referenced by metrics.
	CallbackOnly
	// Ghost symbols are placeholders that never appear in results.
	Ghost
	// Composite symbols are derived from other symbols' activations in
	// the composites stage; the scheduler never runs them.
	Composite
	// Fine symbols only run when at least one other symbol has already
	// been activated in the same task.
	Fine
)

var typeNames = map[Type]string{
	Normal:       "normal",
	Virtual:      "virtual",
	CallbackOnly: "callback",
	Ghost:        "ghost",
	Composite:    "composite",
	Fine:         "fine",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// NoParent is passed to AddSymbol for symbols without a virtual parent.
const NoParent = -1

// Task is the view of an in-flight task the symbol cache operates on.
// Symbol callbacks receive it to record activations and to gate
// asynchronous work through the event session; the scheduler uses it to
// detect suspension and to keep its per-task checkpoint.
type Task interface {
	ID() string
	Log() logrus.FieldLogger

	Message() *message.Message
	Pool() *arena.Pool
	Session() *session.Session

	InsertResult(metric, symbol string, multiplier float64, options ...string)
	SetPreResult(action result.Action, msg string) bool
	HasPreResult() bool
	ActivationCount() int

	ReCacheAdd(key string, value uint32) uint32
	ReCacheCheck(key string) uint32

	Deadline() (time.Time, bool)
	Skip()
	PassAll() bool

	Checkpoint() any
	SetCheckpoint(any)
}

// Callback is the body of a symbol. A callback that issues asynchronous
// I/O must add an event to the task's session before returning and
// arrange for its removal on completion; the scheduler treats a grown
// pending count as a suspension.
type Callback func(ctx context.Context, task Task)

// Config carries the cache tunables sourced from configuration.
type Config struct {
	// StatsFile is the path of the persisted statistics snapshot.
	// Empty disables persistence.
	StatsFile string

	// SaveInterval is the period of the background saver.
	SaveInterval time.Duration

	// Alpha is the smoothing constant of the execution-time moving
	// average.
	Alpha float64

	// Strict makes validation and post-load fail on unresolved
	// references instead of warning.
	Strict bool
}

// DefaultSaveInterval is used when the configuration does not name one.
const DefaultSaveInterval = 60 * time.Second

// DefaultAlpha reproduces the historical smoothing constant.
const DefaultAlpha = 1.0 / 16

type item struct {
	id       int
	name     string
	typ      Type
	priority int
	callback Callback
	userData any

	// weight is the static sign-bearing weight used for ordering,
	// assigned from metric configuration during validation.
	weight float64

	parent   int
	children []int

	// depNames are the declared dependencies; waitDeps the resolved ids
	// the per-task predicate checks, orderDeps the ids used for
	// topological ordering (virtual targets redirected to parents).
	depNames  []string
	waitDeps  []int
	orderDeps []int

	frequency atomic.Uint64
	lastSeen  atomic.Int64 // unix microseconds

	mu      sync.Mutex
	avgTime float64 // seconds
}

func (it *item) schedulable() bool {
	switch it.typ {
	case Normal, CallbackOnly, Fine, Ghost:
		return true
	default:
		return false
	}
}

func (it *item) updateTime(elapsed, alpha float64) {
	it.mu.Lock()
	if it.avgTime == 0 {
		it.avgTime = elapsed
	} else {
		it.avgTime = it.avgTime*(1-alpha) + elapsed*alpha
	}
	it.mu.Unlock()
}

func (it *item) averageTime() float64 {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.avgTime
}

type delayedDep struct {
	from, to string
}

// order is one generation of the execution order. Checkpoints remember
// the generation they were built against so a resort restarts them
// cleanly.
type order struct {
	gen uint64
	ids []int
}

// Cache is the process-wide symbol cache. Registration happens at
// configuration time; PostLoad freezes the execution order; afterwards
// any number of tasks may be processed concurrently, sharing only the
// statistics fields.
type Cache struct {
	log logrus.FieldLogger
	cfg Config

	items  []*item
	byName map[string]int

	delayed []delayedDep

	mu         sync.Mutex
	cur        *order
	postLoaded bool
	lastSave   time.Time
}

// New returns an empty Cache.
func New(log logrus.FieldLogger, cfg Config) *Cache {
	if cfg.SaveInterval == 0 {
		cfg.SaveInterval = DefaultSaveInterval
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = DefaultAlpha
	}
	return &Cache{
		log:    log,
		cfg:    cfg,
		byName: map[string]int{},
	}
}

// AddSymbol registers a symbol and returns its stable id. parent is the
// id of the real parent for virtual symbols, NoParent otherwise.
func (c *Cache) AddSymbol(name string, priority int, cb Callback, userData any, typ Type, parent int) (int, error) {
	if name == "" {
		return 0, errEmptyName
	}
	if _, ok := typeNames[typ]; !ok {
		return 0, errUnknownType(typ)
	}
	if _, dup := c.byName[name]; dup {
		return 0, errDuplicate(name)
	}

	switch typ {
	case Virtual:
		if parent < 0 || parent >= len(c.items) {
			return 0, errUnknownParent(name, parent)
		}
		if pt := c.items[parent].typ; pt == Virtual || pt == Ghost || pt == Composite {
			return 0, errUnknownParent(name, parent)
		}
	case Normal, CallbackOnly, Fine:
		if cb == nil {
			return 0, errNoCallback(name)
		}
		parent = NoParent
	default:
		parent = NoParent
	}

	it := &item{
		id:       len(c.items),
		name:     name,
		typ:      typ,
		priority: priority,
		callback: cb,
		userData: userData,
		parent:   parent,
	}
	c.items = append(c.items, it)
	c.byName[name] = it.id

	if typ == Virtual {
		p := c.items[parent]
		p.children = append(p.children, it.id)
	}

	c.log.WithFields(logrus.Fields{
		"symbol":   name,
		"id":       it.id,
		"type":     typ.String(),
		"priority": priority,
	}).Debug("registered symbol")

	return it.id, nil
}

// AddDependency declares that the symbol with id from must run after the
// symbol named to. Unknown targets are queued for post-load resolution.
func (c *Cache) AddDependency(from int, to string) error {
	if from < 0 || from >= len(c.items) {
		return errUnknownID(from)
	}
	c.items[from].depNames = append(c.items[from].depNames, to)
	return nil
}

// AddDelayedDependency declares a dependency between two symbols by name;
// both sides are resolved at post-load. Plugins use this to depend on
// symbols that register later.
func (c *Cache) AddDelayedDependency(from, to string) {
	c.delayed = append(c.delayed, delayedDep{from: from, to: to})
}

// Lookup returns the id of a registered symbol.
func (c *Cache) Lookup(name string) (int, bool) {
	id, ok := c.byName[name]
	return id, ok
}

// TypeOf returns the type of a registered symbol.
func (c *Cache) TypeOf(name string) (Type, bool) {
	id, ok := c.byName[name]
	if !ok {
		return 0, false
	}
	return c.items[id].typ, true
}

// ParentOf returns the name of a virtual symbol's real parent.
func (c *Cache) ParentOf(name string) (string, bool) {
	id, ok := c.byName[name]
	if !ok || c.items[id].parent == NoParent {
		return "", false
	}
	return c.items[c.items[id].parent].name, true
}

// Len returns the number of registered symbols.
func (c *Cache) Len() int {
	return len(c.items)
}

// IncFrequency bumps a symbol's activation counter. It is invoked once
// per task on the symbol's first activation, not on callback entry.
func (c *Cache) IncFrequency(name string) {
	id, ok := c.byName[name]
	if !ok {
		return
	}
	it := c.items[id]
	it.frequency.Add(1)
	it.lastSeen.Store(time.Now().UnixMicro())
}

// Frequency returns a symbol's activation counter.
func (c *Cache) Frequency(name string) uint64 {
	id, ok := c.byName[name]
	if !ok {
		return 0
	}
	return c.items[id].frequency.Load()
}

// Validate assigns metric weights to registered symbols and cross-checks
// the two views. In strict mode a weight naming an unregistered symbol,
// or a scored symbol absent from every metric, fails validation.
func (c *Cache) Validate(metrics map[string]*result.MetricConfig, strict bool) error {
	scored := map[string]bool{}

	for metricName, mc := range metrics {
		if mc == nil {
			continue
		}
		for symName, w := range mc.Weights {
			id, ok := c.byName[symName]
			if !ok {
				if strict {
					return errUnknownScoredSymbol(symName, metricName)
				}
				c.log.WithFields(logrus.Fields{
					"symbol": symName,
					"metric": metricName,
				}).Warn("weight configured for unregistered symbol")
				continue
			}
			it := c.items[id]
			if it.typ == CallbackOnly {
				return errScoredCallback(symName, metricName)
			}
			scored[symName] = true
			if math.Abs(w) > math.Abs(it.weight) {
				it.weight = w
			}
		}
	}

	for _, it := range c.items {
		switch it.typ {
		case Normal, Virtual, Fine:
			if !scored[it.name] {
				if strict {
					return errUnscoredSymbol(it.name)
				}
				c.log.WithField("symbol", it.name).Debug("symbol has no configured weight")
			}
		case Ghost:
			c.log.WithField("symbol", it.name).Warn("ghost symbol registered")
		}
	}

	return nil
}

// SymbolCounter is one row of the runtime statistics view.
type SymbolCounter struct {
	ID        int     `json:"id"`
	Name      string  `json:"symbol"`
	Type      string  `json:"type"`
	Weight    float64 `json:"weight"`
	Frequency uint64  `json:"frequency"`
	Time      float64 `json:"time"`
}

// Counters returns per-symbol statistics for the ops surface.
func (c *Cache) Counters() []SymbolCounter {
	out := make([]SymbolCounter, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, SymbolCounter{
			ID:        it.id,
			Name:      it.name,
			Type:      it.typ.String(),
			Weight:    it.weight,
			Frequency: it.frequency.Load(),
			Time:      it.averageTime(),
		})
	}
	return out
}

// GraphNode is one symbol in the dependency graph view.
type GraphNode struct {
	ID   int
	Name string
	Type Type
}

// GraphEdge is one relation in the dependency graph view: either a
// declared dependency or a virtual symbol's link to its parent.
type GraphEdge struct {
	From, To int
	Virtual  bool
}

// Graph returns the dependency graph for the ops surface.
func (c *Cache) Graph() ([]GraphNode, []GraphEdge) {
	nodes := make([]GraphNode, 0, len(c.items))
	var edges []GraphEdge
	for _, it := range c.items {
		nodes = append(nodes, GraphNode{ID: it.id, Name: it.name, Type: it.typ})
		for _, dep := range it.waitDeps {
			edges = append(edges, GraphEdge{From: it.id, To: dep})
		}
		if it.parent != NoParent {
			edges = append(edges, GraphEdge{From: it.id, To: it.parent, Virtual: true})
		}
	}
	return nodes, edges
}

// LastSave returns the time of the last successful stats snapshot.
func (c *Cache) LastSave() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSave
}

// Generation returns the generation counter of the current execution
// order, zero before PostLoad.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return 0
	}
	return c.cur.gen
}

func (c *Cache) currentOrder() *order {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}
