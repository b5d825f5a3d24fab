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

package config

import (
	"fmt"
)

// Load returns the Application Configuration, starting with a default
// config, then overriding with any provided config file, then env vars, and
// finally flags. On any failure the package-level Config/Settings/... vars
// are left untouched, so a bad reload never clobbers a running
// configuration (spec §7: Config-class errors are fatal only at startup).
func Load(applicationName string, applicationVersion string, arguments []string) error {
	LoaderWarnings = make([]string, 0)

	c := NewConfig()
	c.parseFlags(applicationName, arguments)
	if Flags.PrintVersion {
		printVersion(applicationName, applicationVersion)
		return nil
	}

	if err := c.loadFile(); err != nil {
		if Flags.customPath {
			// a user-provided path couldn't be loaded or failed validation;
			// surface it for the caller to treat as fatal.
			return err
		}
		LoaderWarnings = append(LoaderWarnings,
			fmt.Sprintf("no configuration file loaded from default path %q: %v", defaultConfigPath, err))
	}

	c.loadEnvVars()
	c.loadFlags()

	if c.Debug.LogLevel == "" {
		c.Debug.LogLevel = defaultLogLevel
	}

	if len(c.Policy) == 0 {
		LoaderWarnings = append(LoaderWarnings, "policy table is empty: all connections will be denied (implicit deny)")
	}

	// Flags/env only ever touch Debug fields above, which carry no
	// cross-references, but re-validate regardless: a future flag override
	// of a profile/object table would need the same guard, and the check is
	// cheap relative to a proxy's startup cost.
	if err := c.validateCrossReferences(); err != nil {
		return err
	}

	Config = c
	Settings = c.Settings
	Debug = c.Debug
	ProtoObjects = c.ProtoObjects
	PortObjects = c.PortObjects
	AddressObjects = c.AddressObjects
	DetectionProfiles = c.DetectionProfiles
	ContentProfiles = c.ContentProfiles
	TLSProfiles = c.TLSProfiles
	AlgDNSProfiles = c.AlgDNSProfiles
	AuthProfiles = c.AuthProfiles
	ScriptProfiles = c.ScriptProfiles
	RoutingProfiles = c.RoutingProfiles
	Policy = c.Policy
	StartTLSSignatures = c.StartTLSSignatures
	DetectionSignatures = c.DetectionSignatures

	return nil
}
