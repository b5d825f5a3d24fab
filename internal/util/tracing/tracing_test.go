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

package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/api/key"
)

func init() {
	if _, err := SetTracer(StdoutTracerImplementation, ""); err != nil {
		panic(err)
	}
}

func TestNewSpan(t *testing.T) {
	ctx, span := NewSpan(context.Background(), "test-span", key.String("case", "NewSpan"))
	if span == nil {
		t.Fatal("expected a non-nil span")
	}
	span.End()
	if ctx == nil {
		t.Fatal("expected a non-nil context")
	}
}

func TestPrepareRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/replace", nil)
	r2, span := PrepareRequest(r, Name(), "replacement-page")
	defer span.End()
	if r2 == nil {
		t.Fatal("expected a non-nil request")
	}
	if r2.Context() == r.Context() {
		t.Fatal("expected PrepareRequest to attach a derived context")
	}
}
