/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

// Package signature implements the per-side byte-pattern matcher used by
// both the starttls sensor (sensor 0) and the ordinary detection sensors
// (sensor >= 1), per spec §4.3. A Signature groups one or more Matchers,
// each scoped to a side (left/right) and a byte window; a Signature fires
// only once every one of its Matchers has found its pattern within the
// bytes observed so far on its side.
package signature

import (
	"regexp"
	"strings"

	"github.com/smithproxy/smithproxy/internal/config"
	"github.com/smithproxy/smithproxy/internal/errs"
)

// Side identifies which half of a session a Matcher inspects.
type Side int

const (
	// SideLeft is the client-facing half of a session.
	SideLeft Side = iota
	// SideRight is the origin-facing half of a session.
	SideRight
)

func parseSide(s string) (Side, error) {
	switch strings.ToUpper(s) {
	case "L":
		return SideLeft, nil
	case "R":
		return SideRight, nil
	default:
		return SideLeft, errs.New(errs.KindConfig, "signature side must be L or R, got %q", s)
	}
}

// Matcher is one compiled submatcher of a Signature.
type Matcher struct {
	Side     Side
	Offset   int
	MaxBytes int
	literal  []byte
	re       *regexp.Regexp
}

func (m *Matcher) matches(window []byte) bool {
	if m.Offset > 0 {
		if m.Offset >= len(window) {
			return false
		}
		window = window[m.Offset:]
	}
	if m.MaxBytes > 0 && len(window) > m.MaxBytes {
		window = window[:m.MaxBytes]
	}
	if m.re != nil {
		return m.re.Match(window)
	}
	return indexBytes(window, m.literal) >= 0
}

func indexBytes(haystack, needle []byte) int {
	if len(needle) == 0 {
		return 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return -1
}

func compileMatcher(c config.SideMatcherConfig) (*Matcher, error) {
	side, err := parseSide(c.Side)
	if err != nil {
		return nil, err
	}
	m := &Matcher{Side: side, Offset: c.Offset, MaxBytes: c.MaxBytes}
	switch strings.ToLower(c.Kind) {
	case "regex":
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, err, "compiling signature regex %q", c.Pattern)
		}
		m.re = re
	case "literal", "":
		m.literal = []byte(c.Pattern)
	default:
		return nil, errs.New(errs.KindConfig, "signature matcher kind must be regex or literal, got %q", c.Kind)
	}
	return m, nil
}

// Signature is a compiled, multi-side flow pattern (spec §4.3).
type Signature struct {
	Name     string
	Category string
	Severity int
	Sensor   int
	Matchers []*Matcher

	satisfied []bool
}

// Compile builds a Signature from its configuration form.
func Compile(c *config.SignatureConfig) (*Signature, error) {
	sig := &Signature{Name: c.Name, Category: c.Category, Severity: c.Severity, Sensor: c.Sensor}
	for _, sc := range c.Sides {
		m, err := compileMatcher(sc)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, err, "signature %q", c.Name)
		}
		sig.Matchers = append(sig.Matchers, m)
	}
	sig.satisfied = make([]bool, len(sig.Matchers))
	return sig, nil
}

// Fired reports whether every matcher in this signature has been satisfied
// by some call to Engine.Feed.
func (s *Signature) Fired() bool {
	for _, ok := range s.satisfied {
		if !ok {
			return false
		}
	}
	return len(s.satisfied) > 0
}

// reset clears accumulated matcher state, used by Engine.Reset between
// sessions reusing a pooled Engine.
func (s *Signature) reset() {
	for i := range s.satisfied {
		s.satisfied[i] = false
	}
}

// Sensor groups signatures that share a sensor ordinal: sensor 0 is the
// starttls sensor, sensors >= 1 are the configured detection sensors
// (spec §4.3's "sensor grouping").
type Sensor struct {
	Ordinal    int
	Signatures []*Signature
}

// Engine incrementally rescans the growing byte streams of a session against
// every compiled signature, across all configured sensors. It keeps each
// side's full accumulated buffer so that Offset/MaxBytes windows defined
// relative to the start of the side's stream stay meaningful as more bytes
// arrive (spec §4.3 "incremental rescanning").
type Engine struct {
	sensors    []*Sensor
	signatures []*Signature
	left       []byte
	right      []byte
}

// Build compiles the starttls and detection signature tables into an Engine.
func Build(starttls, detection []*config.SignatureConfig) (*Engine, error) {
	e := &Engine{}
	bySensor := map[int]*Sensor{}

	compileInto := func(list []*config.SignatureConfig) error {
		for _, sc := range list {
			sig, err := Compile(sc)
			if err != nil {
				return err
			}
			e.signatures = append(e.signatures, sig)
			s, ok := bySensor[sig.Sensor]
			if !ok {
				s = &Sensor{Ordinal: sig.Sensor}
				bySensor[sig.Sensor] = s
				e.sensors = append(e.sensors, s)
			}
			s.Signatures = append(s.Signatures, sig)
		}
		return nil
	}

	if err := compileInto(starttls); err != nil {
		return nil, err
	}
	if err := compileInto(detection); err != nil {
		return nil, err
	}
	return e, nil
}

// Feed appends newly observed bytes for side to the engine's accumulated
// buffers and rescans every signature, returning any that newly fired on
// this call (so the session can log/act on them exactly once).
func (e *Engine) Feed(side Side, data []byte) []*Signature {
	switch side {
	case SideLeft:
		e.left = append(e.left, data...)
	case SideRight:
		e.right = append(e.right, data...)
	}

	var newlyFired []*Signature
	for _, sig := range e.signatures {
		wasFired := sig.Fired()
		for i, m := range sig.Matchers {
			if sig.satisfied[i] {
				continue
			}
			var window []byte
			if m.Side == SideLeft {
				window = e.left
			} else {
				window = e.right
			}
			if m.matches(window) {
				sig.satisfied[i] = true
			}
		}
		if !wasFired && sig.Fired() {
			newlyFired = append(newlyFired, sig)
		}
	}
	return newlyFired
}

// Sensors returns the compiled sensor groups, ordinal 0 first.
func (e *Engine) Sensors() []*Sensor {
	return e.sensors
}

// Reset clears all accumulated buffers and matcher state so the Engine can
// be reused for a new session.
func (e *Engine) Reset() {
	e.left = e.left[:0]
	e.right = e.right[:0]
	for _, sig := range e.signatures {
		sig.reset()
	}
}

// NewSession returns an Engine scanning the same compiled signatures as e but
// with independent per-signature match state and empty accumulated buffers,
// so concurrent sessions sharing one compiled signature table (spec §4.3)
// don't corrupt each other's incremental scan position. Matchers themselves
// are immutable and safe to share across the clones.
func (e *Engine) NewSession() *Engine {
	clone := &Engine{
		sensors:    e.sensors,
		signatures: make([]*Signature, len(e.signatures)),
	}
	bySensor := make(map[int]*Sensor, len(e.sensors))
	clone.sensors = make([]*Sensor, 0, len(e.sensors))
	for i, sig := range e.signatures {
		fresh := &Signature{
			Name:      sig.Name,
			Category:  sig.Category,
			Severity:  sig.Severity,
			Sensor:    sig.Sensor,
			Matchers:  sig.Matchers,
			satisfied: make([]bool, len(sig.Matchers)),
		}
		clone.signatures[i] = fresh
		s, ok := bySensor[fresh.Sensor]
		if !ok {
			s = &Sensor{Ordinal: fresh.Sensor}
			bySensor[fresh.Sensor] = s
			clone.sensors = append(clone.sensors, s)
		}
		s.Signatures = append(s.Signatures, fresh)
	}
	return clone
}
