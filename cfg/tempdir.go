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

package cfg

import "os"

// LoadTempDirConfig reads the four temp-dir-related environment variables
// directly, bypassing viper. ShmemBacking needs this at a point before any
// cobra/viper root command has necessarily run (e.g. in unit tests), so it
// is kept independent of Config/BindFlags.
func LoadTempDirConfig() TempDirConfig {
	return TempDirConfig{
		RDTmpDir:       os.Getenv("RD_TMPDIR"),
		TmpDir:         os.Getenv("TMPDIR"),
		TrustTempFiles: os.Getenv("RD_TRUST_TEMP_FILES") != "",
		RunningUnderRD: os.Getenv("RUNNING_UNDER_RD") != "",
	}
}
