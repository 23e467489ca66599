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
// Binary urts runs regions on the simulation or SGX platform.
package main

import (
	"enclaves.dev/urts/urts/cli"

	// Register the platforms.
	_ "enclaves.dev/urts/pkg/enclave/platform/sgx"
	_ "enclaves.dev/urts/pkg/enclave/platform/sim"
)

func main() {
	cli.Main()
}
