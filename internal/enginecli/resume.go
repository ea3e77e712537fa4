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

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

func newResumeCommand(g *Globals) *cobra.Command {
	var payloadJSON string
	var interactive bool

	cmd := &cobra.Command{
		Use:   "resume <token>",
		Short: "Deliver a resume payload to a Pause or HumanInTheLoop step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}

			switch {
			case payloadJSON != "":
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return Wrap("invalid --payload JSON", err)
				}
			case interactive:
				var approved bool
				var note string
				form := huh.NewForm(
					huh.NewGroup(
						huh.NewConfirm().
							Title("Approve this step?").
							Value(&approved),
						huh.NewInput().
							Title("Note (optional)").
							Value(&note),
					),
				)
				if err := form.Run(); err != nil {
					return Wrap("resume form failed", err)
				}
				payload["approved"] = approved
				payload["note"] = note
			}

			client := newControlClient(g.SocketPath)
			resp, err := client.call(cmd.Context(), "/control/resume", controlRequest{
				Token:   args[0],
				Payload: payload,
			})
			if err != nil {
				return Wrap("resume failed", err)
			}

			if g.JSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&payloadJSON, "payload", "", "JSON object delivered as the resume payload")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "build the resume payload with an interactive approve/reject prompt")
	return cmd
}
