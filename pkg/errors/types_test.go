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

package errors_test

import (
	"errors"
	"fmt"
	"testing"

	durableerrors "github.com/tombee/durable/pkg/errors"
)

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *durableerrors.NotFoundError
		wantMsg string
	}{
		{
			name: "invocation not found",
			err: &durableerrors.NotFoundError{
				Resource: "invocation",
				ID:       "flow-1/3",
			},
			wantMsg: "invocation not found: flow-1/3",
		},
		{
			name: "flow not found",
			err: &durableerrors.NotFoundError{
				Resource: "flow",
				ID:       "signup",
			},
			wantMsg: "flow not found: signup",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *durableerrors.ConfigError
		wantMsg string
	}{
		{
			name: "with key",
			err: &durableerrors.ConfigError{
				Key:    "db_path",
				Reason: "must not be empty",
			},
			wantMsg: "config error at db_path: must not be empty",
		},
		{
			name: "without key",
			err: &durableerrors.ConfigError{
				Reason: "file not found",
			},
			wantMsg: "config error: file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("file read error")
	err := &durableerrors.ConfigError{
		Key:    "db_path",
		Reason: "failed to load",
		Cause:  cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("ConfigError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestErrorWrapping(t *testing.T) {
	t.Run("NotFoundError can be wrapped", func(t *testing.T) {
		original := &durableerrors.NotFoundError{
			Resource: "invocation",
			ID:       "test",
		}
		wrapped := fmt.Errorf("loading invocation: %w", original)

		var target *durableerrors.NotFoundError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find NotFoundError in wrapped error")
		}
		if target.Resource != "invocation" {
			t.Errorf("unwrapped error Resource = %q, want %q", target.Resource, "invocation")
		}
	})

	t.Run("ConfigError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("file not found")
		configErr := &durableerrors.ConfigError{
			Key:    "db_path",
			Reason: "missing required field",
			Cause:  rootCause,
		}
		wrapped := fmt.Errorf("loading config: %w", configErr)

		var target *durableerrors.ConfigError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ConfigError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("ConfigError.Unwrap() should return root cause")
		}
	})
}

func TestErrorsIs(t *testing.T) {
	t.Run("errors.Is works with wrapped NotFoundError", func(t *testing.T) {
		original := &durableerrors.NotFoundError{Resource: "test", ID: "123"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})
}
