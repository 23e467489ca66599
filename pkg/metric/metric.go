// Copyright 2018 The gVisor Authors.
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

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered at init time under slash-separated names such as
// "/enclave/ecalls" and exported in the Prometheus text format.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"enclaves.dev/urts/pkg/atomicbitops"
	"enclaves.dev/urts/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that the metric name is not a slash-separated
	// path of lowercase words.
	ErrInvalidName = errors.New("metric name is invalid")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper provides multi-dimensional fields to a single unique integer key.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint16 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup returns the key for the given field values. It panics if the number
// of values is wrong or a value is not allowed.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic(fmt.Sprintf("invalid field lookup depth: got %d values, want %d", len(values), len(m.fields)))
	}
	idx := 0
	remaining := m.numFieldCombinations
next:
	for i, val := range values {
		allowed := m.fields[i].allowedValues
		for valIdx, allowedVal := range allowed {
			if val == allowedVal {
				remaining /= len(allowed)
				idx += remaining * valIdx
				continue next
			}
		}
		panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
	}
	return idx
}

// keyToMultiField is the reverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	fields := make([]string, len(m.fields))
	remaining := m.numFieldCombinations
	for i := range m.fields {
		remaining /= len(m.fields[i].allowedValues)
		fields[i] = m.fields[i].allowedValues[key/remaining]
		key %= remaining
	}
	return fields
}

// Kind distinguishes counters, which only ever grow, from gauges.
type Kind int

const (
	// Counter is a cumulative metric.
	Counter Kind = iota
	// Gauge is a point-in-time value.
	Gauge
)

type metric interface {
	metadata() *metadata
	values() []sample
}

type metadata struct {
	name        string
	description string
	kind        Kind
	mapper      fieldMapper
}

type sample struct {
	fields []string
	value  uint64
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	md metadata

	// fields is indexed by field value combination keys.
	fields []atomicbitops.Uint64
}

func (m *Uint64Metric) metadata() *metadata { return &m.md }

func (m *Uint64Metric) values() []sample {
	s := make([]sample, len(m.fields))
	for k := range m.fields {
		s[k] = sample{fields: m.md.mapper.keyToMultiField(k), value: m.fields[k].Load()}
	}
	return s
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.md.mapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.md.mapper.lookup(fieldValues...)].Add(v)
}

// Set sets the value of a gauge.
func (m *Uint64Metric) Set(v uint64, fieldValues ...string) {
	m.fields[m.md.mapper.lookup(fieldValues...)].Store(v)
}

// customUint64Metric reads its value from a callback at export time.
type customUint64Metric struct {
	md    metadata
	value func(fieldValues ...string) uint64
}

func (m *customUint64Metric) metadata() *metadata { return &m.md }

func (m *customUint64Metric) values() []sample {
	s := make([]sample, m.md.mapper.numFieldCombinations)
	for k := range s {
		f := m.md.mapper.keyToMultiField(k)
		s[k] = sample{fields: f, value: m.value(f...)}
	}
	return s
}

var (
	allMetricsMu sync.Mutex
	allMetrics   = make(map[string]metric)
)

func validName(name string) bool {
	if !strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return false
	}
	for _, r := range name[1:] {
		if r != '/' && r != '_' && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func register(name string, m metric) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	allMetricsMu.Lock()
	defer allMetricsMu.Unlock()
	if _, ok := allMetrics[name]; ok {
		return fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	allMetrics[name] = m
	return nil
}

// NewUint64Metric creates and registers a new uint64 metric with the given
// name.
func NewUint64Metric(name string, kind Kind, description string, fields ...Field) (*Uint64Metric, error) {
	mapper, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		md:     metadata{name: name, description: description, kind: kind, mapper: mapper},
		fields: make([]atomicbitops.Uint64, mapper.numFieldCombinations),
	}
	if err := register(name, m); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric for a counter and panics if
// it returns an error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, Counter, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// MustCreateNewUint64Gauge calls NewUint64Metric for a gauge and panics if it
// returns an error.
func MustCreateNewUint64Gauge(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, Gauge, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// RegisterCustomUint64Metric registers a gauge whose value is obtained by
// calling value at export time. value must accept exactly len(fields)
// arguments.
func RegisterCustomUint64Metric(name, description string, value func(fieldValues ...string) uint64, fields ...Field) error {
	mapper, err := newFieldMapper(fields...)
	if err != nil {
		return err
	}
	return register(name, &customUint64Metric{
		md:    metadata{name: name, description: description, kind: Gauge, mapper: mapper},
		value: value,
	})
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name, description string, value func(fieldValues ...string) uint64, fields ...Field) {
	if err := RegisterCustomUint64Metric(name, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// snapshot returns the registered metrics sorted by name.
func snapshot() []metric {
	allMetricsMu.Lock()
	names := make([]string, 0, len(allMetrics))
	for n := range allMetrics {
		names = append(names, n)
	}
	sort.Strings(names)
	ms := make([]metric, 0, len(names))
	for _, n := range names {
		ms = append(ms, allMetrics[n])
	}
	allMetricsMu.Unlock()
	return ms
}
