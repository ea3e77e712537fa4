// Copyright 2025 Tom Barlow
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

package enginecli

import (
	"github.com/spf13/cobra"
)

// Globals holds the process-wide flags every subcommand reads.
type Globals struct {
	WorkflowsDir string
	DBPath       string
	SocketPath   string
	ConfigPath   string
	JSON         bool
}

// NewRootCommand builds the enginectl command tree over an Engine
// constructed lazily from g once a subcommand actually runs, so flag
// parsing (and --help) never pays the cost of opening a store.
func NewRootCommand(version string) *cobra.Command {
	g := &Globals{}

	cmd := &cobra.Command{
		Use:           "enginectl",
		Short:         "Operate a durable workflow engine instance",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&g.WorkflowsDir, "workflows-dir", "./workflows", "directory of workflow definition YAML files to load at start-up")
	cmd.PersistentFlags().StringVar(&g.DBPath, "db", "engine.db", "path to the SQLite store file")
	cmd.PersistentFlags().StringVar(&g.SocketPath, "socket", "enginectl.sock", "Unix socket a running `enginectl serve` is listening on")
	cmd.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "path to a YAML engine config file (overrides --db; see internal/engine/config)")
	cmd.PersistentFlags().BoolVar(&g.JSON, "json", false, "emit machine-readable JSON output")

	cmd.AddCommand(
		newTriggerCommand(g),
		newInspectCommand(g),
		newCancelCommand(g),
		newResumeCommand(g),
		newPublishCommand(g),
		newServeCommand(g),
	)
	return cmd
}
