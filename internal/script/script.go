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

// Package script loads ScriptProfile Lua chunks (spec §4.10) and exposes
// their rate_url(url) contract to the content/detection profile path, using
// github.com/yuin/gopher-lua.
package script

import (
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/smithproxy/smithproxy/internal/config"
	"github.com/smithproxy/smithproxy/internal/errs"
	"github.com/smithproxy/smithproxy/internal/util/log"
)

// ConnInfo is the read-only `conn` global a script sees on every call: the
// 5-tuple, SNI (if known by the time of the call) and the matched policy
// rule index (spec §3 ScriptBinding).
type ConnInfo struct {
	SrcIP     string
	SrcPort   int
	DstIP     string
	DstPort   int
	Proto     int
	SNI       string
	RuleIndex int
}

// Binding is a loaded Lua chunk ready to be invoked per-connection. The
// source is parsed once at load time (compile errors are Config-class,
// spec §7); each call clones a fresh *lua.LState from that source since
// gopher-lua states are not safe for concurrent or repeated-script reuse
// across goroutines.
type Binding struct {
	name   string
	source string
}

// Load reads and compiles path, returning a Binding named after the
// ScriptProfile that references it.
func Load(name string, c *config.ScriptProfileConfig) (*Binding, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "script profile %q: reading %q", name, c.Path)
	}

	// Parse eagerly so a syntax error surfaces as a Config error at load
	// time rather than on the first connection that needs it.
	probe := lua.NewState()
	defer probe.Close()
	if _, err := probe.LoadString(string(data)); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "script profile %q: compiling %q", name, c.Path)
	}

	return &Binding{name: name, source: string(data)}, nil
}

// RateURL invokes the chunk's rate_url(url) global against conn, returning
// the script's (category, score) pair. A chunk that fails to load, a
// missing or non-function rate_url global, or a failed call yields
// ("uncategorized", 0); a non-string category is reported as
// "uncategorized", and a non-numeric or missing score as 0 alongside the
// returned category. None of these is propagated as an error, since the Lua
// side is operator-authored and best-effort (spec §4.10).
func (b *Binding) RateURL(conn ConnInfo, url string) (category string, score int) {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(b.source); err != nil {
		log.Warn("script profile chunk errored on load", log.Pairs{"script": b.name, "error": err.Error()})
		return "uncategorized", 0
	}

	L.SetGlobal("conn", connTable(L, conn))

	fn := L.GetGlobal("rate_url")
	if fn.Type() != lua.LTFunction {
		return "uncategorized", 0
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true}, lua.LString(url)); err != nil {
		log.Warn("script profile rate_url call failed", log.Pairs{"script": b.name, "url": url, "error": err.Error()})
		return "uncategorized", 0
	}

	scoreVal := L.Get(-1)
	categoryVal := L.Get(-2)
	L.Pop(2)

	cat, ok := categoryVal.(lua.LString)
	if !ok {
		cat = "uncategorized"
	}
	num, ok := scoreVal.(lua.LNumber)
	if !ok {
		return string(cat), 0
	}
	return string(cat), int(num)
}

func connTable(L *lua.LState, c ConnInfo) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("src_ip", lua.LString(c.SrcIP))
	t.RawSetString("src_port", lua.LNumber(c.SrcPort))
	t.RawSetString("dst_ip", lua.LString(c.DstIP))
	t.RawSetString("dst_port", lua.LNumber(c.DstPort))
	t.RawSetString("proto", lua.LNumber(c.Proto))
	t.RawSetString("sni", lua.LString(c.SNI))
	t.RawSetString("rule_index", lua.LNumber(c.RuleIndex))
	return t
}
