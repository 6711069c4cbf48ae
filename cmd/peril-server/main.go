package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/glimte/peril-go/internal/config"
	"github.com/glimte/peril-go/internal/peril"
	"github.com/glimte/peril-go/internal/rabbitmq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd(config.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "peril-server",
		Short: "Run the Peril game server",
		Long: `The Peril server pauses and resumes players, aggregates game logs and
drains the dead letter queue. Type help at the prompt for commands.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Config file (default peril.yaml in . or ./configs)")
	flags.StringP("url", "u", "", "RabbitMQ connection URL")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	bindFlags(v, rootCmd)

	return rootCmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	_ = v.BindPFlag("broker.url", flags.Lookup("url"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
}

func run(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := config.NewLogger(cfg.Log, os.Stderr)
	console := peril.NewConsole(os.Stdout)
	console.Title("Starting Peril server...")

	cm, err := peril.Dial(ctx, cfg, "peril-server", logger)
	if err != nil {
		return err
	}
	defer cm.Close()
	console.Printf("Connected to %s", rabbitmq.SanitizeURL(cfg.Broker.URL))

	server := peril.NewServer(cm, console, peril.OptionsFromConfig(cfg, logger)...)
	if err := server.Start(ctx); err != nil {
		return err
	}
	defer server.Close()

	_, _ = server.Execute(ctx, peril.Command{Kind: peril.CommandHelp})
	in := bufio.NewReader(os.Stdin)
	return peril.Serve(ctx, func(ctx context.Context) error {
		return server.Run(ctx, in)
	}, cm.Closed())
}
