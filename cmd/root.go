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

// Package cmd holds a small diagnostic command line around the EmuFs/FdTable
// core. It is not part of the core's own contract - there is no tracee to
// drive here - but it exists the way gcsfuse's cmd/root.go exists, as the
// one place the ambient config/logging stack assembles into a runnable
// binary, here used to sanity-check a build against its own environment
// rather than to drive a real replay session.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/googlecloudplatform/rd-go/cfg"
	"github.com/googlecloudplatform/rd-go/clock"
	"github.com/googlecloudplatform/rd-go/common"
	"github.com/googlecloudplatform/rd-go/emufs"
	"github.com/googlecloudplatform/rd-go/fdtable"
	"github.com/googlecloudplatform/rd-go/internal/logger"
	"github.com/googlecloudplatform/rd-go/replay"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	RuntimeConfig cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "rd-go-selfcheck",
	Short: "Exercise the EmuFs/FdTable core against the current environment",
	Long: `rd-go-selfcheck loads configuration the same way a real replay
session would, then runs a small self-contained exercise of EmuFs and
FdTable (no live tracee required) and prints a debug dump of the
resulting state. It is a diagnostic aid, not part of the replay core
itself.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}

		if err := logger.InitLogFile(RuntimeConfig.Logging); err != nil {
			return fmt.Errorf("initializing log file: %w", err)
		}

		return runSelfCheck(cmd.Context(), RuntimeConfig)
	},
}

// runSelfCheck builds an EmuFs holding one emulated file and an empty
// FdTable, and prints what DebugString reports for each - useful for confirming
// memfd_create/tmpfs fallback and the config wiring work on a given host.
func runSelfCheck(ctx context.Context, c cfg.Config) error {
	cl := clock.RealClock{}
	start := cl.Now()
	defer func() {
		logger.Infof("selfcheck: completed in %s", cl.Now().Sub(start))
	}()

	fs := emufs.New(c.TempDir, common.NewNoopMetrics())

	f, err := emufsSmokeTest(ctx, fs)
	if err != nil {
		return err
	}
	defer f.Close()

	size := c.SyscallbufFdsDisabledSize
	if size <= 0 {
		size = fdtable.DefaultSyscallbufFdsDisabledSize
	}
	table := fdtable.New(size, common.NewNoopMetrics())

	logger.Infof("selfcheck: %s", fs.DebugString())
	logger.Infof("selfcheck: %s", table.DebugString())
	fmt.Println(fs.DebugString())
	fmt.Println(table.DebugString())
	return nil
}

func emufsSmokeTest(ctx context.Context, fs *emufs.FS) (f *emufs.File, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("emufs smoke test panicked: %v", r)
		}
	}()
	f = fs.GetOrCreate(ctx, replay.RecordedMapping{
		Device:     0,
		Inode:      uint64(os.Getpid()),
		OrigPath:   "rd-go-selfcheck",
		FileOffset: 0,
		Length:     4096,
	})
	return f, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to the config file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&RuntimeConfig)
		return
	}

	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("error while reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&RuntimeConfig)
}
