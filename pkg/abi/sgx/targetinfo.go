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

package sgx

// Attribute flags.
const (
	FLAGS_INITTED       = 0x01
	FLAGS_DEBUG         = 0x02
	FLAGS_MODE64BIT     = 0x04
	FLAGS_PROVISION_KEY = 0x10
	FLAGS_EINITTOKEN    = 0x20
	FLAGS_KSS           = 0x80
)

// XFRM bits.
const (
	XFRM_LEGACY = 0x03
	XFRM_AVX    = 0x06
)

// Attributes are the region attributes from its SECS.
type Attributes struct {
	Flags uint64 `json:"flags" yaml:"flags"`
	XFRM  uint64 `json:"xfrm" yaml:"xfrm"`
}

// Debug returns true if the debug attribute is set.
func (a Attributes) Debug() bool {
	return a.Flags&FLAGS_DEBUG != 0
}

// Measurement is a region measurement (MRENCLAVE).
type Measurement [32]byte

// TargetInfo identifies a region to a report generator.
type TargetInfo struct {
	MREnclave  Measurement `json:"mr_enclave" yaml:"mr_enclave"`
	Attributes Attributes  `json:"attributes" yaml:"attributes"`
	ConfigSVN  uint16      `json:"config_svn" yaml:"config_svn"`
	MiscSelect uint32      `json:"misc_select" yaml:"misc_select"`
	ConfigID   [64]byte    `json:"config_id" yaml:"config_id"`
}
