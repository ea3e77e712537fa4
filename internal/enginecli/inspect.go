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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newInspectCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <run-id>",
		Short: "Show a run's current status and, once finished, its outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newControlClient(g.SocketPath)
			resp, err := client.call(cmd.Context(), "/control/inspect", controlRequest{RunID: args[0]})
			if err != nil {
				return Wrap("inspect failed", err)
			}

			if g.JSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s\n", resp.RunID, styleStatus.Render(resp.Status))
			for name, v := range resp.Outputs {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s = %v\n", name, v)
			}
			return nil
		},
	}
	return cmd
}
