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
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/toitlang/tprep/pkg/logging"
	"github.com/toitlang/tprep/pkg/osinfo"
	"github.com/toitlang/tprep/pkg/prep"
	"github.com/toitlang/tprep/pkg/tracking"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type ConfigStore interface {
	Load(ctx context.Context) (*Config, error)
	Store(ctx context.Context, cfg *Config) error
}

// Config is the persistent configuration of tprep.
// Pointer and empty entries are unset and leave the defaults in place.
type Config struct {
	// Properties are "key=value" assignments applied before the ones given
	// on the command line.
	Properties            []string
	AutoProvision         *bool
	AutoProvisionUsesSudo *bool
	Verbosity             string
	HashAlgorithm         string
	Manifest              string
	CacheDir              string
	LogDir                string
}

type CobraCommand func(cmd *cobra.Command, args []string)
type CobraErrorCommand func(cmd *cobra.Command, args []string) error
type Run func(CobraErrorCommand) CobraCommand

// variables to allow tests to modify the values
var (
	detectOS = osinfo.Detect
	now      = time.Now
)

type prepHandler struct {
	cfg      *Config
	cfgStore ConfigStore
	track    tracking.Track
	out      io.Writer
}

// Prep creates the tprep command. Listings and property dumps are written
// to out, as is the console log.
func Prep(run Run, track tracking.Track, configStore ConfigStore, out io.Writer) (*cobra.Command, error) {
	if out == nil {
		out = os.Stdout
	}
	if track == nil {
		track = tracking.Nop
	}

	handler := &prepHandler{
		cfgStore: configStore,
		track:    track,
		out:      out,
	}

	// 1. Loads the config before invoking the command.
	// 2. Intercepts any error and checks if it has already been reported.
	//    If it has, replaces it with a silent error.
	//    Otherwise returns it to the caller.
	// 3. Wraps the call into the given 'run' function.
	errorCfgRun := func(f CobraErrorCommand) CobraCommand {
		return run(func(cmd *cobra.Command, args []string) error {
			if handler.cfg == nil {
				cfg, err := handler.cfgStore.Load(commandContext(cmd))
				if err != nil {
					return err
				}
				handler.cfg = cfg
			}
			err := f(cmd, args)
			if isAlreadyReported(err) {
				return newExitError(1)
			}
			return err
		})
	}

	cmd := &cobra.Command{
		Use:   "tprep [<scenario>]",
		Short: "Prepares the machine for building",
		Long: `Prepares the machine for building.

Runs a scenario: an ordered list of steps that install the programs the
build needs, check out external repositories and download artifacts.
What is needed is described by the manifest (by default 'tprep.yaml' in
the current directory).

If no scenario is given, the default scenario is run. Use '--ls' to list
the known scenarios.`,
		Example: `  # Check that all programs are installed and fetch everything else.
  tprep

  # Install missing programs, using sudo where needed.
  tprep dependencies --auto-provision --auto-provision-uses-sudo=yes

  # Show the properties and list the scenarios.
  tprep -d --ls -p Configuration=Release`,
		Run:  errorCfgRun(handler.prep),
		Args: cobra.MaximumNArgs(1),
	}
	flags := cmd.Flags()
	flags.StringP("scenario", "s", "", "Run the given scenario instead of the default one")
	flags.Bool("ls", false, "List the names of all known scenarios")
	flags.BoolP("dump-properties", "d", false, "Print all properties")
	flags.StringArrayP("property", "p", nil, "Set a property (key=value)")
	flags.StringP("verbosity", "v", "", "Console verbosity (one of: "+strings.Join(logging.VerbosityNames(), ", ")+"); may be abbreviated")
	flags.StringP("hash-algorithm", "H", "", "Hash algorithm of the version hash (default "+prep.DefaultHashAlgorithm+")")
	flags.Bool("auto-provision", false, "Install missing programs")
	flags.String("auto-provision-uses-sudo", "", "Allow the use of sudo when installing programs (yes/no)")
	flags.Bool("ignore-min-version", false, "Ignore the minimum version of programs")
	flags.Bool("ignore-max-version", false, "Ignore the maximum version of programs")
	flags.String("manifest", "", "The manifest describing the dependencies (default "+prep.ManifestFileName+")")
	flags.Bool("no-color", false, "Disable colored output")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manages the persistent configuration",
	}
	cmd.AddCommand(configCmd)

	configCmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Sets a configuration value",
		Long: `Sets a configuration value.

Known keys are: ` + strings.Join(configKeys, ", ") + `.
Use 'property.<name>' to set a property for every run.`,
		Example: `  # Always install missing programs.
  tprep config set auto-provision yes

  # Set a property for every run.
  tprep config set property.Configuration Release`,
		Run:  errorCfgRun(handler.configSet),
		Args: cobra.ExactArgs(2),
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Prints the configuration",
		Run:   errorCfgRun(handler.configShow),
		Args:  cobra.NoArgs,
	})

	return cmd, nil
}

type exitError struct {
	code int
}

func (e *exitError) ExitCode() int {
	return e.code
}

func (e *exitError) Silent() bool {
	return true
}

func (e *exitError) Error() string {
	return fmt.Sprintf("ExitError - exit code: %d", e.code)
}

func newExitError(code int) *exitError {
	return &exitError{
		code: code,
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// alreadyReported wraps errors that have been logged.
type alreadyReported struct {
	err error
}

func (e alreadyReported) Error() string { return e.err.Error() }
func (e alreadyReported) Unwrap() error { return e.err }

func isAlreadyReported(err error) bool {
	_, ok := err.(alreadyReported)
	return ok
}

// ParseBool accepts yes/no in addition to true/false.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "true", "y", "1", "on":
		return true, nil
	case "no", "false", "n", "0", "off":
		return false, nil
	}
	return false, status.Errorf(codes.InvalidArgument, "invalid boolean value '%s' (expected yes or no)", s)
}

type prepOptions struct {
	scenario       string
	list           bool
	dumpProperties bool
	properties     []string
	verbosity      logging.Verbosity
	color          bool
	manifest       string
	manifestGiven  bool
	hashAlgorithm  string

	autoProvision         bool
	autoProvisionUsesSudo bool
	ignoreMinVersion      bool
	ignoreMaxVersion      bool
}

func (h *prepHandler) parseOptions(cmd *cobra.Command, args []string) (*prepOptions, error) {
	flags := cmd.Flags()
	o := &prepOptions{}

	scenario, err := flags.GetString("scenario")
	if err != nil {
		return nil, err
	}
	if len(args) == 1 {
		if scenario != "" && !strings.EqualFold(scenario, args[0]) {
			return nil, status.Errorf(codes.InvalidArgument, "scenario given twice: '%s' and '%s'", scenario, args[0])
		}
		scenario = args[0]
	}
	o.scenario = scenario

	o.list, err = flags.GetBool("ls")
	if err != nil {
		return nil, err
	}
	o.dumpProperties, err = flags.GetBool("dump-properties")
	if err != nil {
		return nil, err
	}
	cliProperties, err := flags.GetStringArray("property")
	if err != nil {
		return nil, err
	}
	o.properties = append(append([]string{}, h.cfg.Properties...), cliProperties...)

	verbosity, err := flags.GetString("verbosity")
	if err != nil {
		return nil, err
	}
	if verbosity == "" {
		verbosity = h.cfg.Verbosity
	}
	o.verbosity = logging.Normal
	if verbosity != "" {
		o.verbosity, err = logging.ParseVerbosity(verbosity)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}

	noColor, err := flags.GetBool("no-color")
	if err != nil {
		return nil, err
	}
	o.color = !noColor && os.Getenv(NoColorEnv) == "" && logging.ColorSupported(h.out)

	o.manifest, err = flags.GetString("manifest")
	if err != nil {
		return nil, err
	}
	if o.manifest == "" {
		o.manifest = h.cfg.Manifest
	}
	o.manifestGiven = o.manifest != ""
	if !o.manifestGiven {
		o.manifest = prep.ManifestFileName
	}

	o.hashAlgorithm, err = flags.GetString("hash-algorithm")
	if err != nil {
		return nil, err
	}
	if o.hashAlgorithm == "" {
		o.hashAlgorithm = h.cfg.HashAlgorithm
	}
	if o.hashAlgorithm != "" {
		if err := prep.ValidateHashAlgorithm(o.hashAlgorithm); err != nil {
			return nil, err
		}
	}

	if h.cfg.AutoProvision != nil {
		o.autoProvision = *h.cfg.AutoProvision
	}
	if flags.Changed("auto-provision") {
		o.autoProvision, err = flags.GetBool("auto-provision")
		if err != nil {
			return nil, err
		}
	}
	if h.cfg.AutoProvisionUsesSudo != nil {
		o.autoProvisionUsesSudo = *h.cfg.AutoProvisionUsesSudo
	}
	if flags.Changed("auto-provision-uses-sudo") {
		v, err := flags.GetString("auto-provision-uses-sudo")
		if err != nil {
			return nil, err
		}
		o.autoProvisionUsesSudo, err = ParseBool(v)
		if err != nil {
			return nil, err
		}
	}
	o.ignoreMinVersion, err = flags.GetBool("ignore-min-version")
	if err != nil {
		return nil, err
	}
	o.ignoreMaxVersion, err = flags.GetBool("ignore-max-version")
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (h *prepHandler) readManifest(o *prepOptions) (*prep.Manifest, error) {
	m, err := prep.ReadManifest(o.manifest)
	if status.Code(err) == codes.NotFound && !o.manifestGiven {
		return &prep.Manifest{}, nil
	}
	return m, err
}

func (h *prepHandler) newLogger(o *prepOptions) (*logging.Logger, error) {
	options := logging.Options{
		Verbosity: o.verbosity,
		Console:   h.out,
		Color:     o.color,
	}
	if h.cfg.LogDir != "" {
		options.LogFile = filepath.Join(h.cfg.LogDir, logging.LogFileName(now()))
	}
	return logging.New(options)
}

func (h *prepHandler) newSession(log *logging.Logger, o *prepOptions, manifest *prep.Manifest) (*prep.Session, error) {
	info, err := detectOS()
	if err != nil {
		return nil, err
	}
	options := []prep.SessionOption{
		prep.WithRootDir(filepath.Dir(o.manifest)),
	}
	if h.cfg.CacheDir != "" {
		options = append(options, prep.WithCacheDir(h.cfg.CacheDir))
	}
	if h.cfg.LogDir != "" {
		options = append(options, prep.WithLogDir(h.cfg.LogDir))
	}
	if o.hashAlgorithm != "" {
		options = append(options, prep.WithHashAlgorithm(o.hashAlgorithm))
	}

	s := prep.NewSession(log, info, manifest, options...)
	s.Track = h.track
	s.AutoProvision = o.autoProvision
	s.AutoProvisionUsesSudo = o.autoProvisionUsesSudo
	s.IgnoreMinimumVersion = o.ignoreMinVersion
	s.IgnoreMaximumVersion = o.ignoreMaxVersion
	for _, p := range o.properties {
		key, value, err := prep.ParseProperty(p)
		if err != nil {
			return nil, err
		}
		s.Properties.Set(key, value)
	}
	return s, nil
}

func (h *prepHandler) prep(cmd *cobra.Command, args []string) error {
	o, err := h.parseOptions(cmd, args)
	if err != nil {
		return err
	}
	manifest, err := h.readManifest(o)
	if err != nil {
		return err
	}

	log, err := h.newLogger(o)
	if err != nil {
		return err
	}
	err = h.runScenario(cmd, o, manifest, log)
	return FirstError(err, log.Close())
}

func (h *prepHandler) runScenario(cmd *cobra.Command, o *prepOptions, manifest *prep.Manifest, log *logging.Logger) error {
	session, err := h.newSession(log, o, manifest)
	if err != nil {
		return err
	}
	log.Debugf("Running on %s", session.OS)
	if p := log.LogFilePath(); p != "" {
		log.Infof("Log file: %s", p)
	}

	scenarios := session.Scenarios()
	if o.dumpProperties {
		if len(session.Properties.Keys()) == 0 {
			fmt.Fprintln(h.out, "No properties defined")
		} else if err := session.Properties.Dump(h.out); err != nil {
			return err
		}
	}
	if o.list {
		fmt.Fprintln(h.out, "Known scenarios:")
		for _, s := range scenarios.Scenarios() {
			marker := ""
			if scenarios.IsDefault(s) {
				marker = " (default)"
			}
			fmt.Fprintf(h.out, "  * %s%s - %s\n", s.Name, marker, s.Description)
		}
		return nil
	}

	scenario, err := scenarios.Get(o.scenario)
	if err != nil {
		return status.Error(codes.NotFound, err.Error())
	}
	if err := session.Run(commandContext(cmd), scenario); err != nil {
		log.WithError(err).Errorf("Scenario '%s' failed", scenario.Name)
		return alreadyReported{err}
	}
	return nil
}
