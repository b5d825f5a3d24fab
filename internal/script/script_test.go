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

package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/smithproxy/smithproxy/internal/config"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rate.lua")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRateURLReturnsScriptVerdict(t *testing.T) {
	path := writeScript(t, `
function rate_url(url)
  if conn.sni == "bank.example.com" then
    return "finance", 10
  end
  return "unknown", 50
end
`)
	b, err := Load("test", &config.ScriptProfileConfig{Path: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cat, score := b.RateURL(ConnInfo{SNI: "bank.example.com"}, "https://bank.example.com/login")
	if cat != "finance" || score != 10 {
		t.Fatalf("expected finance/10, got %s/%d", cat, score)
	}

	cat, score = b.RateURL(ConnInfo{SNI: "other.example.com"}, "https://other.example.com/")
	if cat != "unknown" || score != 50 {
		t.Fatalf("expected unknown/50, got %s/%d", cat, score)
	}
}

func TestLoadRejectsSyntaxError(t *testing.T) {
	path := writeScript(t, `this is not valid lua (((`)
	if _, err := Load("test", &config.ScriptProfileConfig{Path: path}); err == nil {
		t.Fatal("expected a compile error for malformed lua")
	}
}

func TestRateURLMissingFunctionYieldsUncategorized(t *testing.T) {
	path := writeScript(t, `-- no rate_url defined`)
	b, err := Load("test", &config.ScriptProfileConfig{Path: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cat, score := b.RateURL(ConnInfo{}, "https://example.com/")
	if cat != "uncategorized" || score != 0 {
		t.Fatalf("expected uncategorized/0 fallback, got %s/%d", cat, score)
	}
}

func TestRateURLNonNumericScoreFallsBackToZero(t *testing.T) {
	path := writeScript(t, `
function rate_url(url)
  return "weird", "not-a-number"
end
`)
	b, err := Load("test", &config.ScriptProfileConfig{Path: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cat, score := b.RateURL(ConnInfo{}, "https://example.com/")
	if cat != "weird" || score != 0 {
		t.Fatalf("expected weird/0, got %s/%d", cat, score)
	}
}
