// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/jllopis/humanloop/pkg/config"
)

var version = "dev"

type globalFlags struct {
	ConfigArgs []string
	ConfigPath string
	Profile    string
	JSON       bool
	Help       bool
}

type cli struct {
	global globalFlags
	cfg    *config.Config
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, argv []string, in io.Reader, out, errOut io.Writer) int {
	global, args, err := parseGlobalFlags(argv)
	if err != nil {
		asCLIError(err).PrintError(errOut, global.JSON)
		return 2
	}
	if global.Help || len(args) == 0 {
		printUsage(out)
		return 0
	}
	switch args[0] {
	case "help":
		printUsage(out)
		return 0
	case "version":
		fmt.Fprintf(out, "humanloop %s\n", version)
		return 0
	}

	cfg, err := config.LoadWithCLI(global.ConfigArgs)
	if err != nil {
		NewConfigError(err, global.ConfigPath).PrintError(errOut, global.JSON)
		return 2
	}
	c := &cli{global: global, cfg: cfg, in: in, out: out, errOut: errOut}

	var cmdErr error
	switch args[0] {
	case "ask":
		cmdErr = c.runAsk(ctx, args[1:])
	case "show":
		cmdErr = c.runShow(ctx, args[1:])
	case "conversation":
		cmdErr = c.runConversation(ctx, args[1:])
	case "pending":
		cmdErr = c.runPending(ctx, args[1:])
	case "cancel":
		cmdErr = c.runCancel(ctx, args[1:])
	case "resume":
		cmdErr = c.runResume(ctx, args[1:])
	case "sweep":
		cmdErr = c.runSweep(ctx, args[1:])
	case "health":
		cmdErr = c.runHealth(ctx, args[1:])
	default:
		cmdErr = NewInvalidArgumentError(args[0], "unknown command")
	}
	if cmdErr != nil {
		asCLIError(cmdErr).PrintError(errOut, global.JSON)
		return 1
	}
	return 0
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var flags globalFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "-h", "--help":
			flags.Help = true
			return flags, nil, nil
		case "--json":
			flags.JSON = true
			continue
		case "--config", "--set", "--profile", "--env":
		default:
			return flags, nil, NewInvalidArgumentError(arg, "unknown global flag")
		}
		if !hasValue {
			if i+1 >= len(args) {
				return flags, nil, NewInvalidArgumentError(name, "missing value")
			}
			i++
			value = args[i]
		}
		flags.ConfigArgs = append(flags.ConfigArgs, name, value)
		switch name {
		case "--config":
			flags.ConfigPath = value
		case "--profile", "--env":
			flags.Profile = value
		}
	}
	return flags, nil, nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `humanloop asks humans for approvals, information and conversation turns.

Usage:
  humanloop [global flags] <command> [flags]

Commands:
  ask            create a request and wait for the answer
  show           print a request
  conversation   print a conversation and its turns
  pending        list pending requests
  cancel         cancel a pending request or conversation
  resume         print the outcome registered under a continuation key
  sweep          expire overdue requests and reap old ones (--watch keeps running)
  health         check the store and every channel
  version        print the version

Global flags:
  --config <path>      YAML configuration file
  --profile <name>     merge <config>.<name>.yaml on top (alias --env)
  --set key=value      override a configuration value (repeatable)
  --json               machine-readable output
`)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) table() *tabwriter.Writer {
	return tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
}
