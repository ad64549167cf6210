// Copyright 2025 Tom Barlow
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

package engine

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind identifies the runtime type of a workflow output value.
type Kind int

const (
	// KindNull is the absent value.
	KindNull Kind = iota
	// KindBoolean is a boolean value.
	KindBoolean
	// KindInt is a 64-bit integer value.
	KindInt
	// KindFloat is a 64-bit floating point value.
	KindFloat
	// KindString is a string value.
	KindString
	// KindFile is a file path, relative to the run directory.
	KindFile
	// KindDirectory is a directory path, relative to the run directory.
	KindDirectory
	// KindArray is an ordered collection of values.
	KindArray
	// KindObject is a keyed collection of values.
	KindObject
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBoolean:
		return "boolean"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a single workflow output value produced by an evaluator.
//
// File and Directory values carry paths relative to the run's execution
// directory; they serialize to plain JSON strings so that outputs.json
// stays readable by external tooling.
type Value struct {
	kind    Kind
	boolean bool
	integer int64
	float   float64
	str     string
	items   []Value
	members map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Boolean returns a boolean value.
func Boolean(v bool) Value { return Value{kind: KindBoolean, boolean: v} }

// Int returns an integer value.
func Int(v int64) Value { return Value{kind: KindInt, integer: v} }

// Float returns a floating point value.
func Float(v float64) Value { return Value{kind: KindFloat, float: v} }

// String returns a string value.
func String(v string) Value { return Value{kind: KindString, str: v} }

// File returns a file value for the given path.
func File(path string) Value { return Value{kind: KindFile, str: path} }

// Directory returns a directory value for the given path.
func Directory(path string) Value { return Value{kind: KindDirectory, str: path} }

// Array returns an array value.
func Array(items ...Value) Value { return Value{kind: KindArray, items: items} }

// Object returns an object value.
func Object(members map[string]Value) Value { return Value{kind: KindObject, members: members} }

// Kind returns the kind of the value.
func (v Value) Kind() Kind { return v.kind }

// Path returns the path carried by a File or Directory value.
func (v Value) Path() string { return v.str }

// Items returns the elements of an Array value.
func (v Value) Items() []Value { return v.items }

// Members returns the members of an Object value.
func (v Value) Members() map[string]Value { return v.members }

// MarshalJSON serializes the value to its plain JSON representation.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBoolean:
		return json.Marshal(v.boolean)
	case KindInt:
		return json.Marshal(v.integer)
	case KindFloat:
		return json.Marshal(v.float)
	case KindString, KindFile, KindDirectory:
		return json.Marshal(v.str)
	case KindArray:
		if v.items == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.items)
	case KindObject:
		if v.members == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.members)
	default:
		return nil, fmt.Errorf("cannot marshal value of kind %s", v.kind)
	}
}

// Outputs is the named output set of a completed run.
type Outputs map[string]Value

// MarshalJSON serializes the outputs with deterministic key ordering.
func (o Outputs) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(o[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}'), nil
}
