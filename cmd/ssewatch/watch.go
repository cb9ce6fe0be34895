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
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/inhies/go-bytesize"
	"github.com/jedib0t/go-pretty/v6/table"
	ansi "github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v2"

	"github.com/ivcap-works/go-eventsource/pkg/eventsource"
)

var watchCmd = &cobra.Command{
	Use:   "watch [url...]",
	Short: "Subscribe to one or more SSE feeds and report their live status",
	RunE:  runWatch,
}

// WatchConfig is the YAML shape accepted via --config: a named list of
// feeds, each with its own extra headers.
type WatchConfig struct {
	Feeds []FeedConfig `yaml:"feeds"`
}

type FeedConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

func loadWatchConfig(path string) (*WatchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	var cfg WatchConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return &cfg, nil
}

func parseHeaderFlags(flags []string) map[string]string {
	h := map[string]string{}
	for _, f := range flags {
		name, value, ok := strings.Cut(f, ":")
		if !ok {
			continue
		}
		h[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return h
}

// feedState is the mutable status row rendered for one feed; all
// fields are guarded by mu since callbacks fire on executor goroutines
// while the render loop reads concurrently.
type feedState struct {
	mu           sync.Mutex
	name         string
	state        eventsource.State
	events       int64
	bytes        int64
	reconnects   int64
	lastActivity time.Time
	lastError    string
}

func (f *feedState) snapshot() feedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return feedState{
		name:         f.name,
		state:        f.state,
		events:       f.events,
		bytes:        f.bytes,
		reconnects:   f.reconnects,
		lastActivity: f.lastActivity,
		lastError:    f.lastError,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	var feeds []FeedConfig
	if configFile != "" {
		cfg, err := loadWatchConfig(configFile)
		if err != nil {
			return err
		}
		feeds = cfg.Feeds
	}
	for _, u := range args {
		feeds = append(feeds, FeedConfig{Name: u, URL: u})
	}
	if len(feeds) == 0 {
		return fmt.Errorf("no feeds given: pass URLs as arguments or --config a YAML file")
	}

	extraHeaders := parseHeaderFlags(headerFlags)

	defaultCfg := eventsource.DefaultEventSourceConfig()
	defaultCfg.MaxReconnects = maxReconnect

	execOpts := []eventsource.ExecutorOption{
		eventsource.WithDefaultConfig(defaultCfg),
		eventsource.WithLogger(logger),
	}
	if accessToken == "" {
		accessToken = os.Getenv(AccessTokenEnv)
	}
	if accessToken != "" {
		execOpts = append(execOpts, eventsource.WithOwnedHTTPTransport(
			eventsource.WithTokenSource(staticToken(accessToken)),
		))
	}
	executor := eventsource.NewSseExecutor(execOpts...)
	defer executor.Close()

	states := make([]*feedState, len(feeds))
	bars := make([]*progressbar.ProgressBar, len(feeds))

	for i, f := range feeds {
		name := f.Name
		if name == "" {
			name = f.URL
		}
		st := &feedState{name: name, state: eventsource.Idle}
		states[i] = st
		bars[i] = connectingSpinner(name)
		_ = bars[i].RenderBlank()

		headers := eventsource.NewHeaders()
		for k, v := range extraHeaders {
			headers.Set(k, v)
		}
		for k, v := range f.Headers {
			headers.Set(k, v)
		}

		st.mu.Lock()
		st.state = eventsource.Connecting
		st.mu.Unlock()

		listener := newFeedListener(st, bars[i])
		es := executor.Open(f.URL, listener, eventsource.WithHeaders(headers))
		es.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			renderTable(states)
		case <-ctx.Done():
			renderTable(states)
			fmt.Println("\nshutting down...")
			return nil
		}
	}
}

// staticToken adapts a fixed bearer token string into an oauth2.TokenSource.
type staticToken string

func (t staticToken) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: string(t), TokenType: "Bearer"}, nil
}

func connectingSpinner(name string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(ansi.NewAnsiStderr()),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetDescription(fmt.Sprintf("[cyan]connecting %s...[reset]", name)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func newFeedListener(st *feedState, bar *progressbar.ProgressBar) eventsource.Listener {
	return eventsource.ListenerFuncs{
		Open: func() {
			st.mu.Lock()
			st.state = eventsource.Open
			st.lastActivity = time.Now()
			st.mu.Unlock()
			bar.Finish()
			ansi.Println()
		},
		Event: func(ev eventsource.Event) {
			st.mu.Lock()
			st.events++
			st.bytes += int64(len(ev.Data))
			st.lastActivity = time.Now()
			st.mu.Unlock()
		},
		Failure: func(cause error, willReconnect bool) {
			st.mu.Lock()
			st.lastError = cause.Error()
			if willReconnect {
				st.state = eventsource.Waiting
				st.reconnects++
			} else {
				st.state = eventsource.Closed
			}
			st.mu.Unlock()
			_ = bar.Add(1)
		},
		Closed: func() {
			st.mu.Lock()
			st.state = eventsource.Closed
			st.mu.Unlock()
		},
	}
}

func renderTable(states []*feedState) {
	fmt.Print("\033[H\033[2J")
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Feed", "State", "Events", "Bytes", "Reconnects", "Last Activity", "Last Error"})

	for _, s := range states {
		snap := s.snapshot()
		lastActivity := "-"
		if !snap.lastActivity.IsZero() {
			lastActivity = humanize.Time(snap.lastActivity)
		}
		tw.AppendRow(table.Row{
			snap.name,
			snap.state.String(),
			snap.events,
			bytesize.New(float64(snap.bytes)).String(),
			snap.reconnects,
			lastActivity,
			snap.lastError,
		})
	}

	tw.Render()
}
