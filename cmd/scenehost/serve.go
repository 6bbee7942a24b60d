package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/scenehost/internal/infrastructure/config"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/server"
)

func serveCmd() *cobra.Command {
	var (
		host    string
		port    string
		plugins string
		watch   bool
		dev     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the plugin host API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Server.Host = host
			}
			if flags.Changed("port") {
				cfg.Server.Port = port
			}
			if flags.Changed("plugins") {
				cfg.Plugins.Dir = plugins
			}
			if flags.Changed("watch") {
				cfg.Plugins.Watch = watch
			}
			if flags.Changed("dev") {
				cfg.Logging.Development = dev
			}

			srv, err := server.NewServer(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "Listen host")
	cmd.Flags().StringVarP(&port, "port", "p", "8000", "Listen port")
	cmd.Flags().StringVar(&plugins, "plugins", "", "Directory of plugin manifests to mount")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Reload plugin scripts when they change")
	cmd.Flags().BoolVar(&dev, "dev", false, "Development logging")

	return cmd
}
