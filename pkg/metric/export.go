// Copyright 2023 The gVisor Authors.
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

package metric

import (
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// ExporterPrefix is prepended to every exported metric name.
const ExporterPrefix = "urts_"

// PrometheusName converts a registered metric name such as
// "/enclave/ecalls" into "urts_enclave_ecalls".
func PrometheusName(name string) string {
	return ExporterPrefix + strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// Families returns a snapshot of all registered metrics as Prometheus metric
// families, sorted by name.
func Families() []*dto.MetricFamily {
	ms := snapshot()
	families := make([]*dto.MetricFamily, 0, len(ms))
	for _, m := range ms {
		md := m.metadata()
		typ := dto.MetricType_COUNTER
		if md.kind == Gauge {
			typ = dto.MetricType_GAUGE
		}
		mf := &dto.MetricFamily{
			Name: proto.String(PrometheusName(md.name)),
			Help: proto.String(md.description),
			Type: typ.Enum(),
		}
		for _, s := range m.values() {
			pm := &dto.Metric{}
			for i, f := range md.mapper.fields {
				pm.Label = append(pm.Label, &dto.LabelPair{
					Name:  proto.String(f.name),
					Value: proto.String(s.fields[i]),
				})
			}
			v := proto.Float64(float64(s.value))
			if typ == dto.MetricType_COUNTER {
				pm.Counter = &dto.Counter{Value: v}
			} else {
				pm.Gauge = &dto.Gauge{Value: v}
			}
			mf.Metric = append(mf.Metric, pm)
		}
		families = append(families, mf)
	}
	return families
}

// WriteText writes all registered metrics to w in the Prometheus text
// exposition format.
func WriteText(w io.Writer) error {
	for _, mf := range Families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
