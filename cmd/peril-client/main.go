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
		Use:   "peril-client",
		Short: "Play Peril",
		Long: `The Peril client joins the game as one player. Spawn units, move them
across the board and watch the wars they start. Type help at the prompt for
commands.`,
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
	flags.String("username", "", "Player name; prompted for when empty")
	bindFlags(v, rootCmd)

	return rootCmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	_ = v.BindPFlag("broker.url", flags.Lookup("url"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("client.username", flags.Lookup("username"))
}

func run(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := config.NewLogger(cfg.Log, os.Stderr)
	console := peril.NewConsole(os.Stdout)
	console.Title("Starting Peril client...")

	in := bufio.NewReader(os.Stdin)
	username := cfg.Client.Username
	if username == "" {
		var err error
		if username, err = peril.PromptUsername(console, in); err != nil {
			return err
		}
	}

	cm, err := peril.Dial(ctx, cfg, "peril-client-"+username, logger)
	if err != nil {
		return err
	}
	defer cm.Close()
	console.Printf("Connected to %s as %s", rabbitmq.SanitizeURL(cfg.Broker.URL), username)

	client := peril.NewClient(cm, username, console, peril.OptionsFromConfig(cfg, logger)...)
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Close()

	_, _ = client.Execute(ctx, peril.Command{Kind: peril.CommandHelp})
	return peril.Serve(ctx, func(ctx context.Context) error {
		return client.Run(ctx, in)
	}, cm.Closed())
}
