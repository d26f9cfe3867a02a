// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package assertx gives precondition violations a single idiom to panic
// through: REQUIRES-style preconditions that are internal-caller bugs, not
// expected runtime outcomes, and so are never worth a returned error a
// caller could silently ignore.
package assertx

import "fmt"

// That panics with msg if cond is false. Callers document the violated
// precondition in msg the same way a REQUIRES: comment documents it above
// the method itself.
func That(cond bool, msg string) {
	if !cond {
		panic(msg)
	}
}

// Thatf is That with fmt.Sprintf-style formatting.
func Thatf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
