/*
Copyright 2025 Satsback Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/satsback/satsback"
	"github.com/satsback/satsback/config"
	"github.com/satsback/satsback/database"
	"github.com/satsback/satsback/internal/notification"
)

// Satsback represents the CLI application, encapsulating the root Cobra command.
type Satsback struct {
	cmd *cobra.Command
}

// satsbackInstance holds the service instance and its configuration,
// shared by the server and worker commands.
type satsbackInstance struct {
	satsback *satsback.Satsback
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and initializes the service before any
// command runs.
func preRun(app *satsbackInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("satsback.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newSatsback, err := setupSatsback(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.satsback = newSatsback
		app.cnf = cnf

		return nil
	}
}

// setupSatsback connects the datasource and builds the service instance.
func setupSatsback(cfg *config.Configuration) (*satsback.Satsback, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newSatsback, err := satsback.NewSatsback(db)
	if err != nil {
		return nil, fmt.Errorf("error creating satsback: %v", err)
	}
	return newSatsback, nil
}

// NewCLI creates the command-line interface for the rewards server.
func NewCLI() *Satsback {
	var configFile string
	b := &satsbackInstance{}

	var rootCmd = &cobra.Command{
		Use:   "satsback",
		Short: "Bitcoin rewards for commerce stores",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./satsback.json", "Configuration file for the rewards server")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(configCommands())

	return &Satsback{cmd: rootCmd}
}

func (w Satsback) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
