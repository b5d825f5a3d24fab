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

// Package session implements the Session/CX state machine (spec §4.5): a
// Session owns two ConnectionEndpoints, a policy verdict, an ordered chain
// of Inspectors, and the read/write pumps that stream bytes between them.
package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smithproxy/smithproxy/internal/policy"
	"github.com/smithproxy/smithproxy/internal/util/log"
	"github.com/smithproxy/smithproxy/internal/util/metrics"
	"github.com/smithproxy/smithproxy/internal/util/tracing"
	"go.opentelemetry.io/otel/api/key"
)

// State enumerates the Session lifecycle (spec §4.5).
type State int

const (
	StateFreshAccept State = iota
	StatePolicyPending
	StateDenied
	StateAccepted
	StateTLSHandshake
	StateStreaming
	StateHalfClose
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFreshAccept:
		return "fresh-accept"
	case StatePolicyPending:
		return "policy-pending"
	case StateDenied:
		return "denied"
	case StateAccepted:
		return "accepted"
	case StateTLSHandshake:
		return "tls-handshake"
	case StateStreaming:
		return "streaming"
	case StateHalfClose:
		return "half-close"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// readChunkSize bounds a single pump iteration's read, keeping per-session
// memory use predictable under many concurrent streaming sessions (spec §4.5
// "bounded by per-iteration byte budget").
const readChunkSize = 32 * 1024

// haltGrace is the HalfClose flush grace window (spec §4.5) New assigns to
// every session; neither policy nor Settings.HalfCloseGrace changes it.
const haltGrace = 5 * time.Second

// Session is the proxied flow the spec's §3/§4.5 Session(Proxy) describes.
type Session struct {
	ID uuid.UUID

	Left  *CX
	Right *CX

	Rule *policy.Rule

	// HalfCloseGrace bounds how long the still-open side is given to flush
	// once its peer has EOFed or errored (spec §4.5 HalfClose). Defaults to
	// haltGrace; tests may shorten it.
	HalfCloseGrace time.Duration

	inspectors []Inspector

	mtx   sync.Mutex
	state State

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a session in FreshAccept state around left, with no right
// CX yet (spec §4.5: "left CX exists, no right CX").
func New(left *CX) *Session {
	return &Session{
		ID:             uuid.New(),
		Left:           left,
		state:          StateFreshAccept,
		done:           make(chan struct{}),
		HalfCloseGrace: haltGrace,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mtx.Lock()
	s.state = st
	s.mtx.Unlock()
	log.Debug("session state transition", log.Pairs{"session": s.ID.String(), "state": st.String()})

	_, span := tracing.NewSpan(context.Background(), "session-lifecycle-transition",
		key.String("session", s.ID.String()), key.String("state", st.String()))
	span.End()
}

// Attach appends an Inspector to the dispatch chain, in order (spec §4.5
// "Inspection dispatch: inspectors are invoked in attachment order").
func (s *Session) Attach(i Inspector) {
	s.inspectors = append(s.inspectors, i)
}

// EvaluatePolicy transitions FreshAccept -> PolicyPending -> (Accepted |
// Denied), recording the matched rule for later profile lookups (spec §4.4,
// §4.5). The caller supplies the matcher result since the 5-tuple and the
// compiled policy engine live outside this package.
func (s *Session) EvaluatePolicy(rule *policy.Rule, accepted bool) {
	s.setState(StatePolicyPending)
	s.Rule = rule
	if !accepted || (rule != nil && !rule.Accept) {
		s.setState(StateDenied)
		return
	}
	s.setState(StateAccepted)
}

// AttachRight installs the right CX once the outbound connection (or TLS
// handshake) to the origin is ready, and advances the state past
// TlsHandshake into Streaming (spec §4.5).
func (s *Session) AttachRight(right *CX, wasTLS bool) {
	s.Right = right
	if wasTLS {
		s.setState(StateTLSHandshake)
	}
	s.setState(StateStreaming)
}

// Denied reports whether policy evaluation refused this session.
func (s *Session) Denied() bool {
	return s.State() == StateDenied
}

// Done returns a channel closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close tears down both CXs and marks the session Closed. Safe to call more
// than once; only the first call has effect (spec §3 "on session destruction
// both CXs are closed and freed").
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.Left != nil {
			s.Left.Close()
		}
		if s.Right != nil {
			s.Right.Close()
		}
		s.setState(StateClosed)
		close(s.done)
		metrics.SessionsActive.Dec()
	})
}

// Stream runs the bidirectional read/write pumps until either side errors,
// EOFs, or idles out, then drives the HalfClose grace window before closing
// the session (spec §4.5 Streaming/HalfClose). It blocks until the session is
// fully closed.
func (s *Session) Stream() {
	if s.Left == nil || s.Right == nil {
		s.Close()
		return
	}
	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()

	errc := make(chan error, 2)
	go s.pump(s.Left, s.Right, SideLeft, errc)
	go s.pump(s.Right, s.Left, SideRight, errc)

	err := <-errc
	s.setState(StateHalfClose)
	if err != nil && err != io.EOF {
		log.Debug("session half-close", log.Pairs{"session": s.ID.String(), "error": err.Error()})
	}

	select {
	case <-errc:
	case <-time.After(s.HalfCloseGrace):
	}
	s.Close()
}

// pump reads from src and forwards to dst, running every Inspector attached
// to this session over each chunk in attachment order before the write. A
// VerdictBlock from any inspector tears the whole session down; a
// VerdictCached response is written back to src instead of forwarded to dst,
// matching the DNS ALG's cached-answer short-circuit (spec §4.7). The query
// having been answered entirely from cache, dst is closed immediately rather
// than left to idle out: the peer pump is almost always blocked in a read on
// dst and would otherwise wait out the full idle timeout for a response that
// is never coming (spec §4.7 "the peer side is then closed").
func (s *Session) pump(src, dst *CX, side Side, errc chan<- error) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := src.read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			for _, insp := range s.inspectors {
				verdict, out, ierr := insp.Feed(side, chunk)
				if ierr != nil {
					errc <- ierr
					return
				}
				switch verdict {
				case VerdictBlock:
					errc <- nil
					return
				case VerdictCached:
					_, werr := src.write(out)
					dst.Close()
					errc <- werr
					return
				default:
					chunk = out
				}
			}
			if chunk != nil {
				if _, werr := dst.write(chunk); werr != nil {
					errc <- werr
					return
				}
				metrics.BytesTransferred.WithLabelValues(side.String()).Add(float64(len(chunk)))
			}
		}
		if err != nil {
			errc <- err
			return
		}
		if src.Idle() {
			errc <- nil
			return
		}
	}
}
