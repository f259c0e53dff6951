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

package main

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/toitlang/tprep/commands"
	"github.com/toitlang/tprep/config"
	"github.com/toitlang/tprep/config/store"
	"github.com/toitlang/tprep/pkg/tracking"
)

func getTrimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

var trackingTemplate = template.Must(template.New("tracking").Parse(`Name: {{.Name}}
{{if .Properties }}Properties:{{ range $field, $value := .Properties }}
  {{$field}}: {{$value}}{{end}}{{end}}
`))

func main() {
	shouldPrintTracking := getTrimmedEnv("TPREP_SHOULD_PRINT_TRACKING")

	track := func(ctx context.Context, te *tracking.Event) error {
		if shouldPrintTracking != "" {
			out := bytes.Buffer{}
			if err := trackingTemplate.Execute(&out, te); err != nil {
				log.Fatalf("Unexpected error while using template. %v", err)
			}
			fmt.Fprint(os.Stderr, out.String())
		}
		return nil
	}

	configStore := store.NewViper()
	cobra.OnInitialize(func() {
		cfgFile, ok := config.ConfigFile()
		if !ok {
			return
		}
		if err := configStore.Init(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read config file '%s': %v\n", cfgFile, err)
		}
	})

	rootCmd, err := commands.Prep(commands.DefaultRunWrapper, track, configStore, os.Stdout)
	if err != nil {
		if e, ok := err.(commands.WithSilent); !ok || !e.Silent() {
			fmt.Fprintln(os.Stderr, commands.ErrorMessage(err))
		}
		os.Exit(1)
	}
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
