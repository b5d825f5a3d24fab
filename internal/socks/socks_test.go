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

package socks

import (
	"encoding/binary"
	"net"
	"testing"
)

type stubResolver map[string][]net.IP

func (s stubResolver) LookupHost(qname string) ([]net.IP, error) {
	return s[qname], nil
}

func TestNegotiateV5IPv4Target(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	a := NewAcceptor(server, stubResolver{})
	go func() {
		client.Write([]byte{version5, 1, methodNone})
		client.Read(make([]byte, 2))
		req := []byte{version5, cmdConnect, 0x00, addrIPv4, 93, 184, 216, 34, 0, 80}
		client.Write(req)
	}()

	target, err := a.Negotiate()
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if target.Port != 80 || target.IP.String() != "93.184.216.34" {
		t.Fatalf("unexpected target: %+v", target)
	}
	if a.state != StateWaitPolicy {
		t.Fatalf("expected WaitPolicy state, got %v", a.state)
	}
}

func TestNegotiateV5FQDNResolvesViaResolver(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	resolver := stubResolver{"example.com": {net.ParseIP("1.2.3.4")}}
	a := NewAcceptor(server, resolver)

	go func() {
		client.Write([]byte{version5, 1, methodNone})
		client.Read(make([]byte, 2))
		host := "example.com"
		req := []byte{version5, cmdConnect, 0x00, addrFQDN, byte(len(host))}
		req = append(req, host...)
		portBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(portBuf, 443)
		req = append(req, portBuf...)
		client.Write(req)
	}()

	target, err := a.Negotiate()
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if target.IP.String() != "1.2.3.4" || target.Port != 443 {
		t.Fatalf("unexpected resolved target: %+v", target)
	}
}

func TestNegotiateV5RejectsNonConnectCommand(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	a := NewAcceptor(server, stubResolver{})
	go func() {
		client.Write([]byte{version5, 1, methodNone})
		client.Read(make([]byte, 2))
		client.Write([]byte{version5, 0x02 /* BIND */, 0x00, addrIPv4, 1, 2, 3, 4, 0, 1})
	}()

	if _, err := a.Negotiate(); err == nil {
		t.Fatal("expected an error for an unsupported SOCKS5 command")
	}
}

func TestReplyEncodesAcceptV5(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	a := NewAcceptor(server, stubResolver{})

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 10)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()
	if err := a.Reply(version5, PolicyDecision{Accept: true}); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	reply := <-done
	if reply[1] != replySuccess {
		t.Fatalf("expected success status byte, got 0x%02x", reply[1])
	}
	if a.state != StateHandoff {
		t.Fatalf("expected Handoff state after accept, got %v", a.state)
	}
}

func TestNegotiateV4aFQDN(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	resolver := stubResolver{"legacy.example.com": {net.ParseIP("5.6.7.8")}}
	a := NewAcceptor(server, resolver)

	go func() {
		req := []byte{version4, cmdConnect}
		portBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(portBuf, 8080)
		req = append(req, portBuf...)
		req = append(req, 0, 0, 0, 1) // 0.0.0.x signals SOCKS4a
		req = append(req, 'u', 0)
		req = append(req, "legacy.example.com"...)
		req = append(req, 0)
		client.Write(req)
	}()

	target, err := a.Negotiate()
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if target.IP.String() != "5.6.7.8" || target.Port != 8080 {
		t.Fatalf("unexpected v4a target: %+v", target)
	}
}
