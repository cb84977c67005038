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

// Package composites derives symbols from boolean expressions over other
// symbols' activations. Composites are evaluated once per task in the
// composites stage, after all filters have run.
package composites

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mailsieve/mailsieve/internal/result"
)

// A Composite is a named symbol whose activation is derived from an
// expression over other symbols. Constituent symbols that matched are
// removed from the results unless referenced with a '~' prefix.
type Composite struct {
	Name string
	expr node
	src  string
}

// Parse compiles a composite expression. The grammar is symbol names
// combined with '&', '|', '!' and parentheses; a '~' prefix on a name
// keeps that constituent in the results when the composite matches.
func Parse(name, expression string) (*Composite, error) {
	p := &parser{input: expression}
	n, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("composite %s: %w", name, err)
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("composite %s: unexpected %q at offset %d", name, p.input[p.pos:], p.pos)
	}
	return &Composite{Name: name, expr: n, src: expression}, nil
}

// Expression returns the source expression the composite was parsed from.
func (c *Composite) Expression() string {
	return c.src
}

// Match evaluates the composite against the activation predicate.
func (c *Composite) Match(activated func(string) bool) bool {
	return c.expr.eval(activated)
}

// Apply evaluates each composite against the result set. A match inserts
// the composite symbol with multiplier 1 and removes its unprotected
// constituents from every metric. Weights for composite symbols are
// resolved by the caller's weight function.
func Apply(set *result.Set, comps []*Composite, weight func(name string) float64, log logrus.FieldLogger) {
	for _, c := range comps {
		if !c.Match(set.Activated) {
			continue
		}

		set.Insert(result.DefaultMetric, c.Name, weight(c.Name), 1.0)
		for _, atom := range c.expr.atoms(nil) {
			if atom.keep || !set.Activated(atom.name) {
				continue
			}
			set.Remove(atom.name)
		}

		log.WithFields(logrus.Fields{
			"composite":  c.Name,
			"expression": c.src,
		}).Debug("composite matched")
	}
}

type atomRef struct {
	name string
	keep bool
}

type node interface {
	eval(activated func(string) bool) bool
	atoms(acc []atomRef) []atomRef
}

type atomNode struct {
	name string
	keep bool
}

func (n *atomNode) eval(activated func(string) bool) bool {
	return activated(n.name)
}

func (n *atomNode) atoms(acc []atomRef) []atomRef {
	return append(acc, atomRef{name: n.name, keep: n.keep})
}

type notNode struct {
	sub node
}

func (n *notNode) eval(activated func(string) bool) bool {
	return !n.sub.eval(activated)
}

// atoms under negation are not constituents: the composite matched
// because they were absent.
func (n *notNode) atoms(acc []atomRef) []atomRef {
	return acc
}

type binNode struct {
	op   byte // '&' or '|'
	l, r node
}

func (n *binNode) eval(activated func(string) bool) bool {
	if n.op == '&' {
		return n.l.eval(activated) && n.r.eval(activated)
	}
	return n.l.eval(activated) || n.r.eval(activated)
}

func (n *binNode) atoms(acc []atomRef) []atomRef {
	return n.r.atoms(n.l.atoms(acc))
}

type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != '|' {
			return l, nil
		}
		p.pos++
		// tolerate the doubled spelling
		if p.pos < len(p.input) && p.input[p.pos] == '|' {
			p.pos++
		}
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = &binNode{op: '|', l: l, r: r}
	}
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != '&' {
			return l, nil
		}
		p.pos++
		if p.pos < len(p.input) && p.input[p.pos] == '&' {
			p.pos++
		}
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = &binNode{op: '&', l: l, r: r}
	}
}

func (p *parser) parseUnary() (node, error) {
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == '!' {
		p.pos++
		sub, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{sub: sub}, nil
	}
	if p.pos < len(p.input) && p.input[p.pos] == '(' {
		p.pos++
		sub, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return nil, fmt.Errorf("missing closing parenthesis at offset %d", p.pos)
		}
		p.pos++
		return sub, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (node, error) {
	p.skipSpace()
	keep := false
	if p.pos < len(p.input) && p.input[p.pos] == '~' {
		keep = true
		p.pos++
	}
	start := p.pos
	for p.pos < len(p.input) && isSymbolChar(p.input[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return nil, fmt.Errorf("expected symbol name at offset %d", p.pos)
	}
	return &atomNode{name: p.input[start:p.pos], keep: keep}, nil
}

func isSymbolChar(b byte) bool {
	return b >= 'a' && b <= 'z' ||
		b >= 'A' && b <= 'Z' ||
		b >= '0' && b <= '9' ||
		b == '_' || b == '-'
}
