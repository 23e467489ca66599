// Copyright 2026 The gVisor Authors.
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

package enclave

import (
	"errors"

	"enclaves.dev/urts/pkg/atomicbitops"
	"enclaves.dev/urts/pkg/metric"
)

var resultField = metric.NewField("result", "ok", "lost", "error")

var (
	ecallCount = metric.MustCreateNewUint64Metric(
		"/enclave/ecalls",
		"Number of ecalls, by result.",
		resultField)
	ocallCount = metric.MustCreateNewUint64Metric(
		"/enclave/ocalls",
		"Number of ocalls serviced, by kind.",
		metric.NewField("kind", "user", "builtin"))
	switchlessFallbacks = metric.MustCreateNewUint64Metric(
		"/enclave/switchless/fallbacks",
		"Number of switchless ecalls that fell back to a hardware transition.")
	recoveries = metric.MustCreateNewUint64Metric(
		"/enclave/recoveries",
		"Number of traps inside a region, by outcome.",
		metric.NewField("outcome", "resumed", "redirected", "forwarded"))
	slotWaits = metric.MustCreateNewUint64Metric(
		"/enclave/slot_waits",
		"Number of calls that waited for a free execution slot.")
	regionsCreated = metric.MustCreateNewUint64Metric(
		"/enclave/regions_created",
		"Number of regions created.")
)

// liveRegions counts regions not yet freed, including destroyed regions that
// are still referenced.
var liveRegions atomicbitops.Int64

func init() {
	metric.MustRegisterCustomUint64Metric(
		"/enclave/regions_live",
		"Number of regions not yet freed, including destroyed regions still referenced.",
		func(...string) uint64 { return uint64(liveRegions.Load()) })
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRegionLost):
		return "lost"
	default:
		return "error"
	}
}
