// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package devreg

import (
	"testing"
	"time"
)

func TestResourcePathString(t *testing.T) {
	cases := []struct {
		path ResourcePath
		want string
	}{
		{ResourcePath{ObjectID: -1}, "/"},
		{ResourcePath{ObjectID: 3, InstanceID: -1}, "/3"},
		{ResourcePath{ObjectID: 3, InstanceID: 0, ResourceID: 1}, "/3/0/1"},
	}
	for _, c := range cases {
		if got := c.path.String(); got != c.want {
			t.Errorf("%+v.String() = %q, want %q", c.path, got, c.want)
		}
	}
}

func TestJSONAttributeReadsField(t *testing.T) {
	r := Registration{Payload: []byte(`{"version":"1.2","nested":{"x":5}}`)}
	if got := r.JSONAttribute("version"); got != "1.2" {
		t.Errorf("JSONAttribute(version) = %q, want 1.2", got)
	}
	if got := r.JSONAttribute("nested.x"); got != "5" {
		t.Errorf("JSONAttribute(nested.x) = %q, want 5", got)
	}
	if got := r.JSONAttribute("missing"); got != "" {
		t.Errorf("JSONAttribute(missing) = %q, want empty", got)
	}
}

func TestExpirationTimestampAndIsAlive(t *testing.T) {
	last := time.Unix(1000, 0).UTC()
	r := Registration{LastUpdate: last, Lifetime: 30 * time.Second}
	grace := 5 * time.Second
	want := last.Add(35 * time.Second)
	if got := r.ExpirationTimestamp(grace); !got.Equal(want) {
		t.Errorf("ExpirationTimestamp = %v, want %v", got, want)
	}
	if r.IsAlive(want, grace) {
		t.Error("expected dead exactly at the expiration timestamp")
	}
	if !r.IsAlive(want.Add(-time.Nanosecond), grace) {
		t.Error("expected alive one nanosecond before the expiration timestamp")
	}
}
