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

package signature

import (
	"testing"

	"github.com/smithproxy/smithproxy/internal/config"
)

func TestEngineFiresOnMultiSideMatch(t *testing.T) {
	sigs := []*config.SignatureConfig{
		{
			Name:     "http-request-then-server-banner",
			Category: "protocol",
			Severity: 1,
			Sensor:   1,
			Sides: []config.SideMatcherConfig{
				{Side: "L", Kind: "literal", Pattern: "GET /"},
				{Side: "R", Kind: "regex", Pattern: `^HTTP/1\.[01] 200`},
			},
		},
	}
	e, err := Build(nil, sigs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if fired := e.Feed(SideLeft, []byte("GET /index.html HTTP/1.1\r\n")); len(fired) != 0 {
		t.Fatalf("expected no signature to fire after only one side matched, got %v", fired)
	}
	fired := e.Feed(SideRight, []byte("HTTP/1.1 200 OK\r\n"))
	if len(fired) != 1 {
		t.Fatalf("expected signature to fire once both sides matched, got %d", len(fired))
	}
	if fired[0].Name != "http-request-then-server-banner" {
		t.Fatalf("unexpected signature fired: %s", fired[0].Name)
	}
}

func TestEngineDoesNotRefireAlreadySatisfied(t *testing.T) {
	sigs := []*config.SignatureConfig{
		{
			Name:   "single-side",
			Sensor: 1,
			Sides:  []config.SideMatcherConfig{{Side: "L", Kind: "literal", Pattern: "TOKEN"}},
		},
	}
	e, _ := Build(nil, sigs)
	first := e.Feed(SideLeft, []byte("TOKEN"))
	if len(first) != 1 {
		t.Fatalf("expected 1 firing, got %d", len(first))
	}
	second := e.Feed(SideLeft, []byte("more data with TOKEN again"))
	if len(second) != 0 {
		t.Fatalf("expected no re-firing, got %d", len(second))
	}
}

func TestSensorGrouping(t *testing.T) {
	starttls := []*config.SignatureConfig{{Name: "starttls-smtp", Sensor: 0, Sides: []config.SideMatcherConfig{{Side: "L", Kind: "literal", Pattern: "STARTTLS"}}}}
	detection := []*config.SignatureConfig{{Name: "detect-1", Sensor: 1, Sides: []config.SideMatcherConfig{{Side: "L", Kind: "literal", Pattern: "X"}}}}
	e, err := Build(starttls, detection)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(e.Sensors()) != 2 {
		t.Fatalf("expected 2 sensors, got %d", len(e.Sensors()))
	}
	if e.Sensors()[0].Ordinal != 0 {
		t.Fatalf("expected starttls sensor ordinal 0 first, got %d", e.Sensors()[0].Ordinal)
	}
}

func TestCompileRejectsBadRegex(t *testing.T) {
	_, err := Compile(&config.SignatureConfig{
		Name:  "bad",
		Sides: []config.SideMatcherConfig{{Side: "L", Kind: "regex", Pattern: "("}},
	})
	if err == nil {
		t.Fatal("expected an error compiling an invalid regex")
	}
}

func TestOffsetAndMaxBytesWindow(t *testing.T) {
	sigs := []*config.SignatureConfig{
		{
			Name:   "offset-window",
			Sensor: 1,
			Sides:  []config.SideMatcherConfig{{Side: "L", Offset: 5, MaxBytes: 4, Kind: "literal", Pattern: "OK"}},
		},
	}
	e, _ := Build(nil, sigs)
	if fired := e.Feed(SideLeft, []byte("12345OK89")); len(fired) != 1 {
		t.Fatalf("expected match within offset window, got %d firings", len(fired))
	}
}

func TestResetClearsState(t *testing.T) {
	sigs := []*config.SignatureConfig{
		{Name: "s", Sensor: 1, Sides: []config.SideMatcherConfig{{Side: "L", Kind: "literal", Pattern: "X"}}},
	}
	e, _ := Build(nil, sigs)
	e.Feed(SideLeft, []byte("X"))
	if !e.signatures[0].Fired() {
		t.Fatal("expected signature fired before reset")
	}
	e.Reset()
	if e.signatures[0].Fired() {
		t.Fatal("expected signature state cleared after reset")
	}
}
