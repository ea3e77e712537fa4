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

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
)

func newCancelCommand(g *Globals) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request that a run stop at its next step boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !g.JSON {
				confirmed := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("cancel run %s?", args[0]),
					Default: false,
				}
				if err := survey.AskOne(prompt, &confirmed); err != nil {
					return Wrap("prompt failed", err)
				}
				if !confirmed {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}

			client := newControlClient(g.SocketPath)
			resp, err := client.call(cmd.Context(), "/control/cancel", controlRequest{RunID: args[0]})
			if err != nil {
				return Wrap("cancel failed", err)
			}

			if g.JSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", resp.Status)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
