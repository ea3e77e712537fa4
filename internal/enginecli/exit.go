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

// Package enginecli holds the pieces the enginectl commands share:
// exit-code mapping, JSON output, and the engine instance each command
// is built against.
package enginecli

import (
	"errors"
	"fmt"
	"os"

	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

// Exit codes for enginectl.
const (
	ExitSuccess          = 0
	ExitOperationFailed  = 1
	ExitConfigurationBad = 2
	ExitNotFound         = 3
	ExitCircuitOpen      = 4
)

// ExitError is an error that carries an enginectl process exit code.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Cause }

// Wrap classifies err against the engine's typed error set and returns
// an *ExitError carrying the matching process exit code. Unrecognized
// errors map to ExitOperationFailed.
func Wrap(msg string, err error) *ExitError {
	if err == nil {
		return nil
	}
	code := ExitOperationFailed
	var cfgErr *engineerrors.ConfigurationError
	var valErr *engineerrors.ValidationError
	var breakerErr *engineerrors.CircuitOpenError
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &valErr):
		code = ExitConfigurationBad
	case errors.As(err, &breakerErr):
		code = ExitCircuitOpen
	case errors.Is(err, os.ErrNotExist):
		code = ExitNotFound
	}
	return &ExitError{Code: code, Message: msg, Cause: err}
}

// HandleExitError prints err (if any) and exits with its mapped code.
// A nil error returns immediately; any other error exits the process,
// with ExitOperationFailed when it is not an *ExitError.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, exitErr.Error())
		os.Exit(exitErr.Code)
	}
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(ExitOperationFailed)
}
