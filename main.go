// Copyright 2024 The echo-alert-zone Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/jedapaw/echo-alert-zone/cmd"
	"github.com/jedapaw/echo-alert-zone/common"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

// envPrefix scopes the environment overrides of config file keys, e.g.
// ECHOALERT_NATS_SERVER_URI overrides nats.server_uri
const envPrefix = "ECHOALERT"

type globalArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

// entrypoint holds the parsed command line state shared by the subcommands
type entrypoint struct {
	args     globalArgs
	announce cmd.AnnounceCLIArgs
	logTags  log.Fields
}

// runtimeAction is a subcommand body executed once config and runtime context are ready
type runtimeAction func(
	ctxt context.Context, config *common.SystemConfig, wg *sync.WaitGroup,
) error

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	app := entrypoint{
		args: globalArgs{Hostname: hostname},
		logTags: log.Fields{
			"module": "main", "component": "entrypoint", "instance": hostname,
		},
	}

	common.InstallDefaultConfigValues()

	if err := app.define().Run(os.Args); err != nil {
		log.WithError(err).WithFields(app.logTags).Fatal("Program shutdown")
	}
}

// define builds the CLI application
func (e *entrypoint) define() *cli.App {
	return &cli.App{
		Name:        "echoalert",
		Version:     "v0.1.0",
		Usage:       "emergency broadcast listener and announcer",
		Description: "Joins a NATS broadcast channel as a listener, or publishes broadcasts onto it",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				Destination: &e.args.JSONLog,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				Destination: &e.args.LogLevel,
			},
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Built-in defaults and ECHOALERT_* env apply when omitted.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Destination: &e.args.ConfigFile,
			},
		},
		Commands: []*cli.Command{
			{
				Name:        "listen",
				Usage:       "Run the broadcast listener",
				Description: "Joins the broadcast channel and serves the received broadcasts over HTTP",
				Action: e.withRuntime(func(
					ctxt context.Context, config *common.SystemConfig, wg *sync.WaitGroup,
				) error {
					return cmd.RunListener(
						ctxt, config, e.args.Hostname, clockwork.NewRealClock(), wg,
					)
				}),
			},
			{
				Name:        "announce",
				Usage:       "Publish one broadcast",
				Description: "Publishes a broadcast on the channel the listeners join",
				Flags:       cmd.GetAnnounceCLIFlags(&e.announce),
				Action: e.withRuntime(func(
					ctxt context.Context, config *common.SystemConfig, _ *sync.WaitGroup,
				) error {
					return cmd.RunAnnouncer(
						ctxt, config, e.announce, e.args.Hostname, clockwork.NewRealClock(),
					)
				}),
			},
		},
	}
}

// withRuntime wraps a subcommand body with argument checks, config loading, and a
// runtime context which is cancelled on SIGINT / SIGTERM
func (e *entrypoint) withRuntime(action runtimeAction) cli.ActionFunc {
	return func(_ *cli.Context) error {
		config, err := e.loadConfig()
		if err != nil {
			return err
		}

		wg := &sync.WaitGroup{}
		runtimeCtxt, rtCancel := context.WithCancel(context.Background())
		defer wg.Wait()
		defer rtCancel()

		e.watchSignals(runtimeCtxt, rtCancel, wg)

		return action(runtimeCtxt, config, wg)
	}
}

// configureLogging applies the log format and level args
func (e *entrypoint) configureLogging() error {
	if e.args.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	level, err := log.ParseLevel(e.args.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}

// loadConfig validates the global args, then assembles the system config from the
// defaults, the optional config file, and ECHOALERT_* env overrides
func (e *entrypoint) loadConfig() (*common.SystemConfig, error) {
	validate := validator.New()
	if err := validate.Struct(&e.args); err != nil {
		log.WithError(err).WithFields(e.logTags).Error("Invalid CMD args")
		return nil, err
	}
	if err := e.configureLogging(); err != nil {
		log.WithError(err).WithFields(e.logTags).Error("Unable to apply log level")
		return nil, err
	}
	if tmp, err := json.MarshalIndent(&e.args, "", "  "); err == nil {
		log.WithFields(e.logTags).Debugf("Starting params\n%s", tmp)
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if len(e.args.ConfigFile) > 0 {
		viper.SetConfigFile(e.args.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(e.logTags).Errorf(
				"Failed to read config file %s", e.args.ConfigFile,
			)
			return nil, err
		}
	}

	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(e.logTags).Error("Failed to parse system config")
		return nil, err
	}
	if tmp, err := json.MarshalIndent(&config, "", "  "); err == nil {
		log.WithFields(e.logTags).Debugf("System config\n%s", tmp)
	}
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(e.logTags).Error("Invalid system config")
		return nil, err
	}
	return &config, nil
}

// watchSignals cancels the runtime context when the process is asked to stop
func (e *entrypoint) watchSignals(
	runtimeCtxt context.Context, cancel context.CancelFunc, wg *sync.WaitGroup,
) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			log.WithFields(e.logTags).Infof("Received %s, shutting down", sig)
			cancel()
		case <-runtimeCtxt.Done():
		}
	}()
}
