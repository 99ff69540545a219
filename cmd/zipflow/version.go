// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"io"

	"sigs.k8s.io/release-utils/version"
)

// printVersion writes the tool's version banner to w.
func printVersion(w io.Writer, name string) {
	versionInfo := version.GetVersionInfo()
	_ = must(fmt.Fprintf(w, "%s %s\nCopyright (c) Google LLC\n\n%s", name, versionInfo.GitVersion, versionInfo.String()))
}
