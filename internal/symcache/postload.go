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
	"math"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Ordering coefficients. Priority dominates, then the static weight;
// frequency and observed latency tune within those bands. Negative
// weights get a small boost so match-fast denylist symbols run before
// equally heavy allowlist ones.
const (
	priorityMul   = 100.0
	weightMul     = 4.0
	negativeBoost = 1.1
	freqMul       = 10.0
	timeMul       = 10.0
)

// PostLoad resolves delayed dependencies, verifies the dependency graph
// is acyclic, and computes the execution order. It must be called exactly
// once, after all registrations.
func (c *Cache) PostLoad() error {
	c.mu.Lock()
	loaded := c.postLoaded
	c.postLoaded = true
	c.mu.Unlock()
	if loaded {
		return errAlreadyPostLoaded
	}

	// Delayed edges queued by name during registration become ordinary
	// dependencies now that both sides can be looked up.
	for _, d := range c.delayed {
		from, ok := c.byName[d.from]
		if !ok {
			if c.cfg.Strict {
				return errUnresolvedDep(d.from, d.to)
			}
			c.log.WithFields(logrus.Fields{"from": d.from, "to": d.to}).
				Warn("dropping delayed dependency from unknown symbol")
			continue
		}
		c.items[from].depNames = append(c.items[from].depNames, d.to)
	}
	c.delayed = nil

	if err := c.resolveDeps(); err != nil {
		return err
	}
	if err := c.checkCycles(); err != nil {
		return err
	}

	c.resort()
	return nil
}

// Resort recomputes the execution order from current statistics without
// touching the topology. In-flight checkpoints notice the generation
// change and restart cleanly.
func (c *Cache) Resort() {
	c.resort()
}

func (c *Cache) resolveDeps() error {
	for _, it := range c.items {
		src := it
		// A virtual symbol cannot run on its own; dependencies declared
		// on it constrain the parent that produces it.
		if it.typ == Virtual {
			src = c.items[it.parent]
		}

		for _, depName := range it.depNames {
			depID, ok := c.byName[depName]
			if !ok {
				if c.cfg.Strict {
					return errUnresolvedDep(it.name, depName)
				}
				c.log.WithFields(logrus.Fields{"symbol": it.name, "dependency": depName}).
					Warn("ignoring dependency on unknown symbol")
				continue
			}

			dep := c.items[depID]
			if dep.typ == CallbackOnly {
				return errDepOnCallback(it.name, depName)
			}

			// The waiting predicate stays on the named target so user
			// intent survives; ordering follows the real producer.
			orderID := depID
			if dep.typ == Virtual {
				orderID = dep.parent
			}
			if orderID == src.id {
				return errCycle(src.name + " -> " + depName)
			}
			src.waitDeps = appendUnique(src.waitDeps, depID)
			src.orderDeps = appendUnique(src.orderDeps, orderID)
		}
	}
	return nil
}

// checkCycles runs a colouring DFS over the ordering edges; a back-edge
// is a configuration error.
func (c *Cache) checkCycles() error {
	const (
		white = iota
		grey
		black
	)
	colour := make([]int, len(c.items))

	var stack []string
	var visit func(id int) error
	visit = func(id int) error {
		colour[id] = grey
		stack = append(stack, c.items[id].name)
		for _, dep := range c.items[id].orderDeps {
			switch colour[dep] {
			case grey:
				return errCycle(strings.Join(append(stack, c.items[dep].name), " -> "))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[id] = black
		return nil
	}

	for id := range c.items {
		if colour[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Cache) resort() {
	// Topological level: a symbol sits one level above its deepest
	// dependency, so every symbol appears after all of its dependencies.
	levels := make([]int, len(c.items))
	seen := make([]bool, len(c.items))
	var level func(id int) int
	level = func(id int) int {
		if seen[id] {
			return levels[id]
		}
		seen[id] = true
		l := 0
		for _, dep := range c.items[id].orderDeps {
			if dl := level(dep) + 1; dl > l {
				l = dl
			}
		}
		levels[id] = l
		return l
	}
	for id := range c.items {
		level(id)
	}

	maxFreq, maxTime := 1.0, math.SmallestNonzeroFloat64
	for _, it := range c.items {
		if f := float64(it.frequency.Load()); f > maxFreq {
			maxFreq = f
		}
		if t := it.averageTime(); t > maxTime {
			maxTime = t
		}
	}

	rank := func(it *item) float64 {
		wf := math.Abs(it.weight) * weightMul
		if it.weight < 0 {
			wf *= negativeBoost
		}
		ff := -float64(it.frequency.Load()) / maxFreq * freqMul
		tf := -it.averageTime() / maxTime * timeMul
		return wf + ff + tf + float64(it.priority)*priorityMul
	}

	var ids []int
	for _, it := range c.items {
		if it.schedulable() {
			ids = append(ids, it.id)
		}
	}

	sort.SliceStable(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if levels[a] != levels[b] {
			return levels[a] < levels[b]
		}
		ra, rb := rank(c.items[a]), rank(c.items[b])
		if ra != rb {
			return ra > rb
		}
		return a < b
	})

	c.mu.Lock()
	gen := uint64(1)
	if c.cur != nil {
		gen = c.cur.gen + 1
	}
	c.cur = &order{gen: gen, ids: ids}
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"symbols": len(ids), "generation": gen}).
		Debug("rebuilt symbol execution order")
}

func appendUnique(s []int, v int) []int {
	for _, e := range s {
		if e == v {
			return s
		}
	}
	return append(s, v)
}
