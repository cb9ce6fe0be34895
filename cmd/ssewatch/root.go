// Copyright 2025 Commonwealth Scientific and Industrial Research Organisation (CSIRO) ABN 41 687 119 230
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
	"os"

	"github.com/spf13/cobra"
	log "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const ENV_PREFIX = "SSEWATCH"

var AccessTokenEnv = ENV_PREFIX + "_ACCESS_TOKEN"

// flags
var (
	configFile   string
	accessToken  string
	headerFlags  []string
	debug        bool
	maxReconnect int
)

var logger *log.Logger

var rootCmd = &cobra.Command{
	Use:   "ssewatch",
	Short: "Watch one or more Server-Sent Events feeds from the command line",
	Long: `ssewatch opens text/event-stream subscriptions against one or more
URLs and renders their connection state, event counts, and recent
activity in a live terminal table.`,
}

func Execute(version string) {
	rootCmd.Version = version
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogger)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a YAML file listing feeds to watch")
	rootCmd.PersistentFlags().StringVar(&accessToken, "access-token", "", "Bearer token attached to every request ["+AccessTokenEnv+"]")
	rootCmd.PersistentFlags().StringArrayVarP(&headerFlags, "header", "H", nil, "Extra request header as 'Name: Value', repeatable")
	rootCmd.PersistentFlags().IntVar(&maxReconnect, "max-reconnects", -1, "Max. number of reconnect attempts per feed, -1 for unlimited")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Set logging level to DEBUG")

	rootCmd.AddCommand(watchCmd)
}

func initLogger() {
	cfg := log.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}

	logLevel := zapcore.ErrorLevel
	if debug {
		logLevel = zapcore.DebugLevel
	}
	cfg.Level = log.NewAtomicLevelAt(logLevel)

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	logger = l
}
