package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ChrisDover/centinela-intel-sub001/internal/app"
	"github.com/ChrisDover/centinela-intel-sub001/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the job scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return err
	}

	// Run handles SIGINT/SIGTERM and closes storage on the way out.
	return application.Run(context.Background())
}
