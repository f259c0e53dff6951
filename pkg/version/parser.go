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

package version

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/toitlang/tprep/pkg/runner"
)

// VersionGroup is the name of the capture group holding the version.
const VersionGroup = "Version"

// Parser extracts the version of one program.
type Parser interface {
	// ProgramName is the executable name the parser is registered under.
	ProgramName() string
	// Version runs programPath and returns the version it reports, or
	// DefaultVersion.
	Version(ctx context.Context, log logrus.FieldLogger, programPath string) string
}

// OutputParser is a Parser that can parse already captured output.
type OutputParser interface {
	Parser
	ParseOutput(log logrus.FieldLogger, output string) string
}

type baseParser struct {
	programName string
	arguments   []string
}

func newBaseParser(programName string, arguments []string) baseParser {
	if strings.TrimSpace(programName) == "" {
		panic("version: program name must not be empty")
	}
	return baseParser{
		programName: programName,
		arguments:   arguments,
	}
}

func (p *baseParser) ProgramName() string { return p.programName }

type outputBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (o *outputBuffer) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.b.Write(p)
}

// run returns the combined output of the version command.
// Programs that print their version to stderr (or exit with a non-zero
// status after printing it) are common, so neither is treated as a failure.
func (p *baseParser) run(ctx context.Context, log logrus.FieldLogger, programPath string) (string, bool) {
	var out outputBuffer
	r := runner.New(log, programPath).AddArguments(p.arguments...)
	r.AddStandardOutputSink(&out).AddStandardErrorSink(&out)
	r.Run(ctx)
	switch r.ErrorReason() {
	case runner.CommandNotFound, runner.ExecutionTimedOut:
		log.Warnf("Unable to run %s to determine its version: %s", programPath, r.ErrorReason())
		return "", false
	}
	return out.b.String(), true
}

// RegexParser finds the version with a regular expression containing the
// named group "Version".
type RegexParser struct {
	baseParser
	re   *regexp.Regexp
	line int
}

// NewRegexParser creates a parser running programName with arguments.
// If line is positive, only that (1-based) line of the output is examined.
// Otherwise every line is scanned and the first match wins.
func NewRegexParser(programName string, pattern string, arguments []string, line int) *RegexParser {
	re := regexp.MustCompile(pattern)
	if re.SubexpIndex(VersionGroup) < 0 {
		panic(fmt.Sprintf("version: pattern %q has no %q group", pattern, VersionGroup))
	}
	return &RegexParser{
		baseParser: newBaseParser(programName, arguments),
		re:         re,
		line:       line,
	}
}

// Version implements Parser.
func (p *RegexParser) Version(ctx context.Context, log logrus.FieldLogger, programPath string) string {
	out, ok := p.run(ctx, log, programPath)
	if !ok {
		return DefaultVersion
	}
	return p.ParseOutput(log, out)
}

// ParseOutput implements OutputParser.
func (p *RegexParser) ParseOutput(log logrus.FieldLogger, output string) string {
	lines := splitLines(output)
	if p.line > 0 {
		if len(lines) < p.line {
			log.Warnf("Not enough lines in version output of %s: version number expected on line %d, got %d lines",
				p.programName, p.line, len(lines))
			return DefaultVersion
		}
		if v, ok := match(p.re, lines[p.line-1]); ok {
			return v
		}
		log.Warnf("Unable to find version of %s on line %d", p.programName, p.line)
		return DefaultVersion
	}

	for _, l := range lines {
		if v, ok := match(p.re, l); ok {
			return v
		}
	}
	log.Warnf("Unable to find version of %s in its output", p.programName)
	return DefaultVersion
}

// ArchiverParser reads the version from the help text of a 7-Zip style
// archiver. Lines starting with Banner are matched against the modern
// pattern; scanning stops at the first "Usage:" line. Only if that fails is
// the legacy pattern tried on all lines.
type ArchiverParser struct {
	baseParser
	Banner string
	modern *regexp.Regexp
	legacy *regexp.Regexp
}

const usagePrefix = "Usage:"

// NewArchiverParser creates an archiver parser. Both patterns must contain
// the "Version" group.
func NewArchiverParser(programName string, arguments []string, banner string, modern string, legacy string) *ArchiverParser {
	p := &ArchiverParser{
		baseParser: newBaseParser(programName, arguments),
		Banner:     banner,
		modern:     regexp.MustCompile(modern),
		legacy:     regexp.MustCompile(legacy),
	}
	for _, re := range []*regexp.Regexp{p.modern, p.legacy} {
		if re.SubexpIndex(VersionGroup) < 0 {
			panic(fmt.Sprintf("version: pattern %q has no %q group", re, VersionGroup))
		}
	}
	return p
}

// Version implements Parser.
func (p *ArchiverParser) Version(ctx context.Context, log logrus.FieldLogger, programPath string) string {
	out, ok := p.run(ctx, log, programPath)
	if !ok {
		return DefaultVersion
	}
	return p.ParseOutput(log, out)
}

// ParseOutput implements OutputParser.
func (p *ArchiverParser) ParseOutput(log logrus.FieldLogger, output string) string {
	lines := splitLines(output)
	for _, l := range lines {
		if strings.HasPrefix(l, usagePrefix) {
			break
		}
		if !strings.HasPrefix(l, p.Banner) {
			continue
		}
		if v, ok := match(p.modern, l); ok {
			return v
		}
	}

	for _, l := range lines {
		if v, ok := match(p.legacy, l); ok {
			return v
		}
	}
	log.Warnf("Unable to find version of %s in its help text", p.programName)
	return DefaultVersion
}

func match(re *regexp.Regexp, line string) (string, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	v := strings.TrimSpace(m[re.SubexpIndex(VersionGroup)])
	return v, v != ""
}

func splitLines(output string) []string {
	output = strings.ReplaceAll(output, "\r\n", "\n")
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return nil
	}
	return strings.Split(output, "\n")
}
