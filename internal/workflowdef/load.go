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

package workflowdef

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Parse unmarshals raw YAML into a Definition. It does not validate or
// compile the result.
func Parse(raw []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("workflowdef: parse: %w", err)
	}
	return &def, nil
}

// LoadFile reads and parses the workflow definition at path, returning
// both the parsed Definition and its raw bytes (the Store persists the
// raw bytes verbatim as store.Workflow.Definition).
func LoadFile(path string) (*Definition, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("workflowdef: read %s: %w", path, err)
	}
	def, err := Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("workflowdef: %s: %w", path, err)
	}
	return def, raw, nil
}

// LoadDir parses every *.yml/*.yaml file directly under dir (non-
// recursive), returning one Definition per file keyed by path.
func LoadDir(dir string) (map[string]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("workflowdef: read dir %s: %w", dir, err)
	}
	defs := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, _, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		defs[path] = def
	}
	return defs, nil
}

// Checksum returns the hex-encoded SHA-256 of raw, used to detect a
// non-identical re-registration of the same workflow ID.
func Checksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yml" || ext == ".yaml"
}

// Watcher watches a directory of workflow definitions and invokes
// OnChange whenever a file is created or written, letting a long-lived
// engine process pick up an edited definition without a restart.
type Watcher struct {
	dir      string
	onChange func(path string)
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher builds a Watcher over dir. Call Start to begin watching.
func NewWatcher(dir string, onChange func(path string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("workflowdef: new watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("workflowdef: watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		logger:   slog.Default().With(slog.String("component", "workflowdef.watcher")),
		watcher:  fw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start runs the watch loop in the background until Stop is called.
func (w *Watcher) Start() {
	go w.run()
}

// Stop halts the watch loop and releases the underlying fsnotify handle.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isYAML(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.onChange(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("workflow directory watch error", "error", err)
		}
	}
}
