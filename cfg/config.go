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

// Package cfg binds the few knobs the core actually reads - the
// ShmemBacking tmpfs fallback and the logger - to environment variables
// and (for the sample cmd/ harness) flags, the way gcsfuse's cfg package
// binds its mount flags.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the root of every setting this module consults at runtime.
type Config struct {
	TempDir TempDirConfig `yaml:"temp-dir" mapstructure:"temp-dir"`

	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// SyscallbufFdsDisabledSize overrides the compile-time
	// fdtable.DefaultSyscallbufFdsDisabledSize constant for tests that want
	// to exercise the bitmap-collapse behavior without a real preload
	// library present.
	SyscallbufFdsDisabledSize int `yaml:"syscallbuf-fds-disabled-size" mapstructure:"syscallbuf-fds-disabled-size"`
}

// TempDirConfig mirrors the environment variables the ShmemBacking tmpfs
// fallback consults.
type TempDirConfig struct {
	// RDTmpDir is $RD_TMPDIR: the first-choice tmpfs-backed directory.
	RDTmpDir string `yaml:"rd-tmpdir" mapstructure:"rd-tmpdir"`

	// TmpDir is $TMPDIR, the second choice; "/tmp" is the final fallback and
	// is never read from config.
	TmpDir string `yaml:"tmpdir" mapstructure:"tmpdir"`

	// TrustTempFiles is $RD_TRUST_TEMP_FILES: when set and non-empty, skip
	// the statfs(2) tmpfs check for $TMPDIR and /tmp.
	TrustTempFiles bool `yaml:"trust-temp-files" mapstructure:"trust-temp-files"`

	// RunningUnderRD is $RUNNING_UNDER_RD. Informational only; carried here
	// only so a caller can log it, never branched on.
	RunningUnderRD bool `yaml:"running-under-rd" mapstructure:"running-under-rd"`
}

// LoggingConfig configures internal/logger's output format and level.
type LoggingConfig struct {
	Severity string `yaml:"severity" mapstructure:"severity"`
	Format   string `yaml:"format" mapstructure:"format"`
	FilePath string `yaml:"file-path" mapstructure:"file-path"`

	LogRotate LogRotateConfig `yaml:"log-rotate" mapstructure:"log-rotate"`
}

// LogRotateConfig configures the lumberjack sink used by InitLogFile.
type LogRotateConfig struct {
	MaxFileSizeMB   int  `yaml:"max-file-size-mb" mapstructure:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count" mapstructure:"backup-file-count"`
	Compress        bool `yaml:"compress" mapstructure:"compress"`
}

// DefaultLogRotateConfig is a conservative default for a long-running
// daemon: keep a handful of moderately sized, compressed backups.
func DefaultLogRotateConfig() LogRotateConfig {
	return LogRotateConfig{
		MaxFileSizeMB:   512,
		BackupFileCount: 10,
		Compress:        true,
	}
}

// BindFlags registers flags for the three logging settings and wires
// AutomaticEnv plus explicit BindEnv calls so RD_TMPDIR, TMPDIR,
// RD_TRUST_TEMP_FILES, RUNNING_UNDER_RD, and RD_SYSCALLBUF_FDS_DISABLED_SIZE
// are picked up from the environment - these five have no flag.
func BindFlags(flagSet *pflag.FlagSet) error {
	viper.AutomaticEnv()
	viper.BindEnv("temp-dir.rd-tmpdir", "RD_TMPDIR")
	viper.BindEnv("temp-dir.tmpdir", "TMPDIR")
	viper.BindEnv("temp-dir.trust-temp-files", "RD_TRUST_TEMP_FILES")
	viper.BindEnv("temp-dir.running-under-rd", "RUNNING_UNDER_RD")
	viper.BindEnv("syscallbuf-fds-disabled-size", "RD_SYSCALLBUF_FDS_DISABLED_SIZE")

	flagSet.String("log-severity", "INFO", "Minimum log severity written (TRACE, DEBUG, INFO, WARNING, ERROR, OFF).")
	if err := viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.String("log-format", "text", "Log output format (text or json).")
	if err := viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.String("log-file", "", "Path to a log file; stderr is used when empty.")
	if err := viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	return nil
}
