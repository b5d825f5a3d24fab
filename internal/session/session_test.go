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

package session

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/smithproxy/smithproxy/internal/policy"
)

// fixedInspector is a test Inspector that always returns a fixed verdict,
// optionally rewriting the chunk.
type fixedInspector struct {
	verdict Verdict
	rewrite []byte
}

func (f fixedInspector) Name() string { return "fixed" }
func (f fixedInspector) Feed(side Side, data []byte) (Verdict, []byte, error) {
	if f.rewrite != nil {
		return f.verdict, f.rewrite, nil
	}
	return f.verdict, data, nil
}

func pipePair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestSessionStreamsBidirectionally(t *testing.T) {
	lServer, lClient := pipePair()
	rServer, rClient := pipePair()

	left := NewCX(SideLeft, lServer, 0)
	right := NewCX(SideRight, rServer, 0)

	s := New(left)
	s.EvaluatePolicy(&policy.Rule{Accept: true}, true)
	if s.State() != StateAccepted {
		t.Fatalf("expected Accepted state, got %s", s.State())
	}
	s.AttachRight(right, false)
	if s.State() != StateStreaming {
		t.Fatalf("expected Streaming state, got %s", s.State())
	}

	go s.Stream()

	go func() {
		lClient.Write([]byte("hello-from-client"))
		lClient.Close()
	}()

	buf := make([]byte, 64)
	n, err := io.ReadAtLeast(rClient, buf, len("hello-from-client"))
	if err != nil {
		t.Fatalf("reading forwarded bytes: %v", err)
	}
	if string(buf[:n]) != "hello-from-client" {
		t.Fatalf("unexpected forwarded payload: %q", buf[:n])
	}
	rClient.Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after both sides EOFed")
	}
}

func TestSessionDeniedByDenyRule(t *testing.T) {
	lServer, _ := pipePair()
	left := NewCX(SideLeft, lServer, 0)
	s := New(left)

	s.EvaluatePolicy(&policy.Rule{Accept: false}, true)
	if !s.Denied() {
		t.Fatal("expected session to be Denied when the matched rule's action is deny")
	}
}

func TestSessionDeniedOnImplicitDeny(t *testing.T) {
	lServer, _ := pipePair()
	left := NewCX(SideLeft, lServer, 0)
	s := New(left)

	s.EvaluatePolicy(nil, false)
	if !s.Denied() {
		t.Fatal("expected session to be Denied on implicit-deny (no rule matched)")
	}
}

func TestInspectorBlockClosesSessionWithoutForwarding(t *testing.T) {
	lServer, lClient := pipePair()
	rServer, rClient := pipePair()
	defer rClient.Close()

	left := NewCX(SideLeft, lServer, 0)
	right := NewCX(SideRight, rServer, 0)

	s := New(left)
	s.HalfCloseGrace = 10 * time.Millisecond
	s.Attach(fixedInspector{verdict: VerdictBlock})
	s.AttachRight(right, false)

	go s.Stream()

	lClient.Write([]byte("x"))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to close promptly after an inspector returned VerdictBlock")
	}
}

func TestInspectorCachedRepliesWithoutForwarding(t *testing.T) {
	lServer, lClient := pipePair()
	rServer, rClient := pipePair()
	defer rClient.Close()

	left := NewCX(SideLeft, lServer, 0)
	right := NewCX(SideRight, rServer, 0)

	s := New(left)
	s.Attach(fixedInspector{verdict: VerdictCached, rewrite: []byte("synthesized")})
	s.AttachRight(right, false)

	go s.Stream()

	lClient.Write([]byte("query"))

	buf := make([]byte, 64)
	n, err := io.ReadAtLeast(lClient, buf, len("synthesized"))
	if err != nil {
		t.Fatalf("reading synthesized reply: %v", err)
	}
	if string(buf[:n]) != "synthesized" {
		t.Fatalf("unexpected synthesized payload: %q", buf[:n])
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a cached verdict to close the session's right side promptly rather than waiting out the idle timeout")
	}
}

func TestManagerTracksSessionLifecycle(t *testing.T) {
	m := NewManager()
	lServer, _ := pipePair()
	left := NewCX(SideLeft, lServer, 0)
	s := New(left)

	m.Add(s)
	if m.Count() != 1 {
		t.Fatalf("expected 1 registered session, got %d", m.Count())
	}
	if _, ok := m.Get(s.ID); !ok {
		t.Fatal("expected to find session by id")
	}

	s.Close()

	deadline := time.After(time.Second)
	for m.Count() != 0 {
		select {
		case <-deadline:
			t.Fatal("expected manager to drop closed session")
		case <-time.After(time.Millisecond):
		}
	}
}
