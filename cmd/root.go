/*
 *
 * k6 - a next-generation load testing tool
 * Copyright (C) 2016 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package cmd implements the browsercore command line tool.
package cmd

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/browsercore/errext"
	"github.com/liuxd6825/browsercore/log"
)

// BannerColor is the color of the banner of the root command.
var BannerColor = color.New(color.FgCyan) //nolint:gochecknoglobals

const waitLoggerCloseTimeout = time.Second * 5

// This is to keep all fields needed for the main/root command
type rootCommand struct {
	globalState *globalState

	cmd           *cobra.Command
	loggerStopped <-chan struct{}
	loggerIsAsync bool
}

func newRootCommand(gs *globalState) *rootCommand {
	c := &rootCommand{
		globalState: gs,
	}
	// the base command when called without any subcommands.
	rootCmd := &cobra.Command{
		Use:               "browsercore",
		Short:             "drive a running browser over the DevTools protocol",
		Long:              BannerColor.Sprintf("\nbrowsercore %s", Version),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}

	rootCmd.PersistentFlags().AddFlagSet(rootCmdPersistentFlagSet(gs))
	rootCmd.SetArgs(gs.args[1:])
	rootCmd.SetOut(gs.stdOut)
	rootCmd.SetErr(gs.stdErr)

	rootCmd.AddCommand(
		getCmdTargets(gs),
		getCmdWatch(gs),
		getCmdVersion(gs),
	)

	c.cmd = rootCmd
	return c
}

func (c *rootCommand) persistentPreRunE(_ *cobra.Command, _ []string) error {
	var err error

	c.loggerStopped, err = c.setupLoggers()
	if err != nil {
		return err
	}
	select {
	case <-c.loggerStopped:
	default:
		c.loggerIsAsync = true
	}

	if c.globalState.flags.noColor {
		c.globalState.stdOut.Writer = colorable.NewNonColorable(c.globalState.stdOut.Writer)
		c.globalState.stdErr.Writer = colorable.NewNonColorable(c.globalState.stdErr.Writer)
	}
	stdlog.SetOutput(c.globalState.logger.Writer())
	c.globalState.logger.Debugf("browsercore version: %s", Version)
	return nil
}

// Execute adds all child commands to the root command sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	newRootCommand(newGlobalState(ctx)).execute()
}

func (c *rootCommand) execute() {
	ctx, cancel := context.WithCancel(c.globalState.ctx)
	defer cancel()
	c.globalState.ctx = ctx

	err := c.cmd.Execute()
	if err == nil {
		cancel()
		c.waitLoggerClose()
		return
	}

	msg, fields := errext.Format(err)
	c.globalState.logger.WithFields(fields).Error(msg)
	if c.loggerIsAsync {
		c.globalState.fallbackLogger.WithFields(fields).Error(msg)
	}
	cancel()
	c.waitLoggerClose()

	c.globalState.osExit(1)
}

func (c *rootCommand) waitLoggerClose() {
	if !c.loggerIsAsync {
		return
	}
	select {
	case <-c.loggerStopped:
	case <-time.After(waitLoggerCloseTimeout):
		c.globalState.fallbackLogger.Errorf("the logger didn't stop in %s", waitLoggerCloseTimeout)
	}
}

func rootCmdPersistentFlagSet(gs *globalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	// The default values are the ones from the environment, so both CLI
	// flags and environment variables work.
	flags.StringVar(&gs.flags.logOutput, "log-output", gs.flags.logOutput,
		"change the output for logs, possible values are stderr,stdout,none,file[=./path.fileformat]")
	flags.Lookup("log-output").DefValue = gs.defaultFlags.logOutput

	flags.StringVar(&gs.flags.logFormat, "log-format", gs.flags.logFormat, "log output format")
	flags.Lookup("log-format").DefValue = gs.defaultFlags.logFormat

	flags.StringVarP(&gs.flags.configFilePath, "config", "c", gs.flags.configFilePath, "YAML or JSON config file")
	// And we also need to explicitly set the default value for the usage message here, so things
	// like `K6_BROWSER_CONFIG="blah" browsercore targets -h` don't produce a weird usage message
	flags.Lookup("config").DefValue = gs.defaultFlags.configFilePath
	must(cobra.MarkFlagFilename(flags, "config"))

	flags.BoolVar(&gs.flags.noColor, "no-color", gs.flags.noColor, "disable colored output")
	flags.Lookup("no-color").DefValue = "false"

	flags.BoolVarP(&gs.flags.verbose, "verbose", "v", gs.defaultFlags.verbose, "enable verbose logging")
	return flags
}

// RawFormatter it does nothing with the message just prints it
type RawFormatter struct{}

// Format renders a single log entry
func (f RawFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return append([]byte(entry.Message), '\n'), nil
}

// The returned channel will be closed when the logger has finished flushing
// after the context of the global state is done. It is closed right away if
// the logger isn't buffering.
func (c *rootCommand) setupLoggers() (<-chan struct{}, error) {
	gs := c.globalState
	ch := make(chan struct{})
	close(ch)

	if gs.flags.verbose {
		gs.logger.SetLevel(logrus.DebugLevel)
	}

	switch line := gs.flags.logOutput; {
	case line == "stderr":
		gs.logger.SetOutput(gs.stdErr)
	case line == "stdout":
		gs.logger.SetOutput(gs.stdOut)
	case line == "none":
		gs.logger.SetOutput(io.Discard)
	case strings.HasPrefix(line, "file"):
		ch = make(chan struct{}) // TODO: refactor, get it from the constructor
		hook, err := log.FileHookFromConfigLine(gs.ctx, gs.fs, gs.getwd, gs.fallbackLogger, line, ch)
		if err != nil {
			return nil, err
		}
		gs.logger.AddHook(hook)
		gs.logger.SetOutput(io.Discard)
	default:
		return nil, fmt.Errorf("unsupported log output '%s'", line)
	}

	switch gs.flags.logFormat {
	case "raw":
		gs.logger.SetFormatter(&RawFormatter{})
		gs.logger.Debug("Logger format: RAW")
	case "json":
		gs.logger.SetFormatter(&logrus.JSONFormatter{})
		gs.logger.Debug("Logger format: JSON")
	default:
		if gs.flags.noColor {
			gs.logger.SetFormatter(&logrus.TextFormatter{DisableColors: true})
		}
		gs.logger.Debug("Logger format: TEXT")
	}
	return ch, nil
}

// Panic if the given error is not nil.
func must(err error) {
	if err != nil {
		panic(err)
	}
}
