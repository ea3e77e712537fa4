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

func newTriggerCommand(g *Globals) *cobra.Command {
	var payloadJSON string

	cmd := &cobra.Command{
		Use:   "trigger <workflow-id>",
		Short: "Start a new run of a defined workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return Wrap("invalid --payload JSON", err)
				}
			}

			client := newControlClient(g.SocketPath)
			resp, err := client.call(cmd.Context(), "/control/trigger", controlRequest{
				WorkflowID: args[0],
				Payload:    payload,
			})
			if err != nil {
				return Wrap("trigger failed", err)
			}

			if g.JSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), styleSuccess.Render("run "+resp.RunID+" started"))
			return nil
		},
	}

	cmd.Flags().StringVar(&payloadJSON, "payload", "", "JSON object to pass as the run's trigger payload")
	return cmd
}
