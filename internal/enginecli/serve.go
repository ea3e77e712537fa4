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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a long-lived engine instance, loading every workflow in --workflows-dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := buildEngine(ctx, g)
			if err != nil {
				return Wrap("start engine", err)
			}

			return serveControlSocket(ctx, g.SocketPath, eng)
		},
	}
}
