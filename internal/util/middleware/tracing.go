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

// Package middleware carries HTTP middleware shared by the replacement-page
// responder (the only place smithproxy's core terminates HTTP itself; see
// internal/mitm).
package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/smithproxy/smithproxy/internal/util/tracing"
	"go.opentelemetry.io/otel/api/key"
	"go.opentelemetry.io/otel/api/trace"
)

// Trace wraps a replacement-page handler with a span covering the reason the
// page is being shown (e.g. "cert-verify-failed", "policy-deny").
func Trace(reason string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, span := tracing.PrepareRequest(r, tracing.Name(), "replacement-page")
			defer func() {
				span.End(trace.WithEndTime(time.Now()))
			}()
			span.AddEventWithTimestamp(
				r.Context(),
				time.Now(),
				"serving replacement page",
				key.String("reason", reason),
			)
			next.ServeHTTP(w, r)
		})
	}
}
