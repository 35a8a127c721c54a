package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tokenworks/token-processor/pkg/server"
)

var (
	log              = logrus.New()
	serverConfigFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "token-processor",
	Short: "Runs Token Processor.",
	Long:  `Runs Token Processor.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverConfigFile, "config", "", "config file (default is ./config.yaml)")
}

func runServer(ctx context.Context) error {
	config, err := loadServerConfigFromFile(serverConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load server config: %w", err)
	}

	level, err := logrus.ParseLevel(config.LoggingLevel)
	if err != nil {
		log.WithError(err).Warn("Invalid logging level, using info")

		level = logrus.InfoLevel
	}

	log.SetLevel(level)

	srv, err := server.NewServer(ctx, log, "token_processor", config)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}

	log.Info("Token Processor server exited - cya!")

	return nil
}

func loadServerConfigFromFile(file string) (*server.Config, error) {
	if file == "" {
		file = "config.yaml"
	}

	config := &server.Config{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	yamlFile, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	type plain server.Config

	if err := yaml.Unmarshal(yamlFile, (*plain)(config)); err != nil {
		return nil, err
	}

	return config, nil
}
