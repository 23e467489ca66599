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

package sim

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/enclave/platform"
)

// Manifest describes a simulated region image.
type Manifest struct {
	// Program is the name of the registered trusted program.
	Program string `toml:"program"`

	// Size is the size of the region in bytes. It is rounded up to a page.
	Size uint64 `toml:"size"`

	// TCSNum is the number of static slots.
	TCSNum int `toml:"tcs_num"`

	// TCSMaxNum is the total number of slots, static and dynamic. Dynamic
	// slots need metadata version 2.3.
	TCSMaxNum int `toml:"tcs_max_num"`

	// TCSMinPool is the number of free slots the runtime keeps available.
	TCSMinPool int `toml:"tcs_min_pool"`

	// TCSPolicy is "bind" or "unbind".
	TCSPolicy string `toml:"tcs_policy"`

	// SSAFrames is the number of state save areas per slot. It bounds the
	// nesting of exception handling.
	SSAFrames int `toml:"ssa_frames"`

	// StackPages is the number of stack pages per slot, below a guard page.
	StackPages int `toml:"stack_pages"`

	// Version is the metadata version, such as "2.3".
	Version string `toml:"version"`

	// Debug allows the region to be loaded in debug mode.
	Debug bool `toml:"debug"`

	MiscSelect uint32 `toml:"misc_select"`
	ConfigSVN  uint16 `toml:"config_svn"`
	XFRM       uint64 `toml:"xfrm"`
}

func defaultManifest() Manifest {
	return Manifest{
		Size:       1 << 20,
		TCSNum:     1,
		TCSPolicy:  platform.TCSUnbind.String(),
		SSAFrames:  2,
		StackPages: 4,
		Version:    sgx.Version2_3.String(),
		XFRM:       sgx.XFRM_LEGACY,
	}
}

// parsedManifest is a validated Manifest.
type parsedManifest struct {
	Manifest
	version sgx.Version
	policy  platform.TCSPolicy
}

// decodeManifest parses and validates manifest data.
func decodeManifest(data []byte) (*parsedManifest, error) {
	m := defaultManifest()
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys %v", undecoded)
	}
	if m.TCSMaxNum == 0 {
		m.TCSMaxNum = m.TCSNum
	}

	p := &parsedManifest{Manifest: m}
	if p.version, err = sgx.ParseVersion(m.Version); err != nil {
		return nil, err
	}
	if p.version < sgx.Version1_5 {
		return nil, fmt.Errorf("metadata version %v is not supported", p.version)
	}
	if p.policy, err = platform.ParseTCSPolicy(m.TCSPolicy); err != nil {
		return nil, err
	}
	switch {
	case m.Program == "":
		return nil, fmt.Errorf("no program")
	case m.TCSNum <= 0:
		return nil, fmt.Errorf("tcs_num must be positive")
	case m.TCSMaxNum < m.TCSNum:
		return nil, fmt.Errorf("tcs_max_num %d is below tcs_num %d", m.TCSMaxNum, m.TCSNum)
	case m.TCSMaxNum > m.TCSNum && !p.version.SupportsEDMM():
		return nil, fmt.Errorf("dynamic slots need metadata version %v, have %v", sgx.Version2_3, p.version)
	case m.TCSMinPool < 0 || m.TCSMinPool > m.TCSMaxNum:
		return nil, fmt.Errorf("tcs_min_pool %d out of range", m.TCSMinPool)
	case m.SSAFrames <= 0:
		return nil, fmt.Errorf("ssa_frames must be positive")
	case m.StackPages <= 0:
		return nil, fmt.Errorf("stack_pages must be positive")
	}
	if need := p.minSize(); m.Size < need {
		return nil, fmt.Errorf("size %#x is below the %#x bytes needed by %d slots", m.Size, need, m.TCSMaxNum)
	}
	m.Size = (m.Size + sgx.PageSize - 1) &^ (sgx.PageSize - 1)
	p.Manifest = m
	return p, nil
}

// minSize returns the size of the slot and stack area plus one page of code.
func (p *parsedManifest) minSize() uint64 {
	return uint64(p.TCSMaxNum*(2+p.StackPages)+1) * sgx.PageSize
}
