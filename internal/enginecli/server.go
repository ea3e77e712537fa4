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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	engconfig "github.com/tombee/flowctl/internal/engine/config"
	"github.com/tombee/flowctl/internal/dispatcher"
	"github.com/tombee/flowctl/internal/envelope"
	"github.com/tombee/flowctl/internal/interpreter"
	enginelog "github.com/tombee/flowctl/internal/log"
	"github.com/tombee/flowctl/internal/store"
	"github.com/tombee/flowctl/internal/store/memory"
	"github.com/tombee/flowctl/internal/store/sqlite"
	"github.com/tombee/flowctl/internal/trigger"
	"github.com/tombee/flowctl/internal/workflowdef"
	"github.com/tombee/flowctl/pkg/engine"
)

// demoHandlers is the built-in handler set enginectl registers so a
// standalone engine process (one with no embedding Go program supplying
// its own interpreter.HandlerFunc values) still has something for a
// `step`'s `handler:` name to resolve to. An embedder linking
// pkg/engine directly calls Engine.RegisterHandler with its own
// business logic instead of relying on this set.
func demoHandlers() *workflowdef.Registry {
	reg := workflowdef.NewRegistry()
	reg.Register("echo", func(ctx context.Context, rc *interpreter.RunContext) (any, error) {
		return rc.Payload, nil
	})
	reg.Register("sleep", func(ctx context.Context, rc *interpreter.RunContext) (any, error) {
		d, _ := rc.Payload["duration"].(string)
		dur, err := time.ParseDuration(d)
		if err != nil {
			dur = time.Second
		}
		select {
		case <-time.After(dur):
			return map[string]any{"slept": dur.String()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	reg.Register("fail", func(ctx context.Context, rc *interpreter.RunContext) (any, error) {
		return nil, errors.New("fail handler: intentional failure")
	})
	return reg
}

// openStore opens the store cfg selects: a SQLite file, or an
// in-process memory backend for local experimentation.
func openStore(cfg engconfig.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	default:
		return sqlite.New(sqlite.Config{Path: cfg.Path, WAL: true})
	}
}

// loadConfig reads g.ConfigPath if set, falling back to engconfig's
// defaults (a SQLite store at g.DBPath) otherwise, so enginectl works
// without a config file for the common case.
func loadConfig(g *Globals) (*engconfig.Config, error) {
	if g.ConfigPath == "" {
		cfg := engconfig.Default()
		cfg.Store.Path = g.DBPath
		return cfg, nil
	}
	return engconfig.Load(g.ConfigPath)
}

// buildEngine opens g's store, loads every workflow definition under
// g.WorkflowsDir, and returns a running Engine. The caller is
// responsible for calling Stop.
func buildEngine(ctx context.Context, g *Globals) (*engine.Engine, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	eng := engine.New(st, demoHandlers(), engine.Config{
		Dispatcher:            dispatcher.Config{MinWorkers: cfg.Dispatcher.MinWorkers, MaxWorkers: cfg.Dispatcher.MaxWorkers, Capacity: cfg.Dispatcher.QueueCapacity},
		DefaultEnvelope:       envelope.Options{Timeout: cfg.DefaultStepTimeout},
		KVSweepInterval:       cfg.KVSweepInterval,
		SchedulerTickInterval: cfg.SchedulerTickInterval,
		EventHistoryCap:       cfg.EventHistoryCap,
	})

	if g.WorkflowsDir != "" {
		if _, err := os.Stat(g.WorkflowsDir); err == nil {
			defs, err := workflowdef.LoadDir(g.WorkflowsDir)
			if err != nil {
				return nil, fmt.Errorf("load workflows dir: %w", err)
			}
			for path, def := range defs {
				_, raw, err := workflowdef.LoadFile(path)
				if err != nil {
					return nil, err
				}
				if err := eng.Define(ctx, def, raw); err != nil {
					return nil, fmt.Errorf("define %s: %w", path, err)
				}
			}
		}
	}

	eng.Start(ctx)
	return eng, nil
}

// controlRequest is the envelope every /control/* endpoint accepts.
type controlRequest struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	Token      string            `json:"token,omitempty"`
	Name       string            `json:"name,omitempty"`
	Payload    map[string]any    `json:"payload,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

type controlResponse struct {
	RunID   string         `json:"run_id,omitempty"`
	Status  string         `json:"status,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// newControlMux wires the Trigger/Inspect/Cancel/Resume/Publish
// endpoints the enginectl subcommands speak to over a Unix socket.
func newControlMux(eng *engine.Engine, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/control/trigger", func(w http.ResponseWriter, r *http.Request) {
		var req controlRequest
		if !decode(w, r, &req) {
			return
		}
		runID, err := eng.Trigger(r.Context(), req.WorkflowID, req.Payload, req.Headers)
		if err != nil {
			logger.Error("trigger failed", "workflow_id", req.WorkflowID, "error", err)
		}
		respond(w, controlResponse{RunID: runID}, err)
	})

	mux.HandleFunc("/control/inspect", func(w http.ResponseWriter, r *http.Request) {
		var req controlRequest
		if !decode(w, r, &req) {
			return
		}
		view, err := eng.Inspect(r.Context(), req.RunID)
		if err != nil {
			respond(w, controlResponse{}, err)
			return
		}
		respond(w, controlResponse{RunID: view.Run.ID, Status: string(view.Run.Status), Outputs: view.Outputs}, nil)
	})

	mux.HandleFunc("/control/cancel", func(w http.ResponseWriter, r *http.Request) {
		var req controlRequest
		if !decode(w, r, &req) {
			return
		}
		eng.Cancel(req.RunID)
		respond(w, controlResponse{RunID: req.RunID, Status: "cancel requested"}, nil)
	})

	mux.HandleFunc("/control/resume", func(w http.ResponseWriter, r *http.Request) {
		var req controlRequest
		if !decode(w, r, &req) {
			return
		}
		err := eng.Resume(r.Context(), req.Token, req.Payload)
		respond(w, controlResponse{Status: "resumed"}, err)
	})

	mux.HandleFunc("/control/publish", func(w http.ResponseWriter, r *http.Request) {
		var req controlRequest
		if !decode(w, r, &req) {
			return
		}
		eng.Publish(r.Context(), req.Name, req.Payload)
		respond(w, controlResponse{Status: "published"}, nil)
	})

	mux.HandleFunc("/control/webhook/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			respond(w, controlResponse{}, fmt.Errorf("read webhook body: %w", err))
			return
		}
		runID, err := eng.HandleWebhook(r.Context(), r.URL.Path[len("/control/webhook"):], trigger.WebhookRequest{
			Headers: r.Header,
			Body:    body,
			Method:  r.Method,
			URL:     r.URL.String(),
		})
		respond(w, controlResponse{RunID: runID}, err)
	})

	return mux
}

func decode(w http.ResponseWriter, r *http.Request, req *controlRequest) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		respond(w, controlResponse{}, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func respond(w http.ResponseWriter, resp controlResponse, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		resp.Error = err.Error()
		w.WriteHeader(http.StatusBadRequest)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// serveControlSocket listens on socketPath (removing a stale file left
// by a prior crash) and serves the control mux until ctx is cancelled.
func serveControlSocket(ctx context.Context, socketPath string, eng *engine.Engine) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", socketPath, err)
	}

	logger := enginelog.WithComponent(enginelog.New(enginelog.FromEnv()), "enginecli.server")
	srv := &http.Server{Handler: newControlMux(eng, logger)}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	logger.Info("enginectl serve listening", "socket", socketPath)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return eng.Stop(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
