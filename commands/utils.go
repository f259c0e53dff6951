// Copyright (C) 2021 Toitware ApS.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/status"
)

func FirstError(errors ...error) error {
	for _, err := range errors {
		if err != nil {
			return err
		}
	}
	return nil
}

func ErrorMessage(err error) string {
	return status.Convert(err).Message()
}

// NoColorEnv disables colored console output when set.
const NoColorEnv = "TPREP_NO_COLOR"

type WithSilent interface {
	Silent() bool
}

type WithExitCode interface {
	ExitCode() int
}

// DefaultRunWrapper reports the error of f on stderr, unless it is silent,
// and exits with the error's exit code (1 if it has none).
func DefaultRunWrapper(f CobraErrorCommand) CobraCommand {
	return func(cmd *cobra.Command, args []string) {
		err := f(cmd, args)
		if err == nil {
			return
		}
		if e, ok := err.(WithSilent); !ok || !e.Silent() {
			fmt.Fprintln(os.Stderr, ErrorMessage(err))
		}
		code := 1
		if e, ok := err.(WithExitCode); ok {
			code = e.ExitCode()
		}
		os.Exit(code)
	}
}
