package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/lutraconsulting/mergin-go/internal/client/config"
	"github.com/lutraconsulting/mergin-go/internal/merginsdk"
	"github.com/lutraconsulting/mergin-go/internal/version"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cyan  = color.New(color.FgHiCyan).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:           "mergin",
	Short:         "Mergin project synchronization client",
	Version:       version.Detailed(),
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "config file")
	rootCmd.PersistentFlags().String("url", config.DefaultApiRoot, "Mergin server URL")
	rootCmd.PersistentFlags().StringP("data-dir", "d", config.DefaultDataDir, "folder containing all local projects")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")

	rootCmd.AddCommand(loginCmd, listCmd, downloadCmd, syncCmd, statusCmd, pingCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:   level,
		NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
	})))

	configPath, _ := cmd.Flags().GetString("config")
	viper.SetConfigFile(configPath)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return fmt.Errorf("config read %q: %w", configPath, err)
		}
	}

	viper.BindPFlag("api_root", cmd.Flags().Lookup("url"))
	viper.BindPFlag("data_dir", cmd.Flags().Lookup("data-dir"))

	viper.SetEnvPrefix("MERGIN")
	viper.AutomaticEnv()

	return nil
}

// currentConfig assembles the effective configuration from file, env and
// flags.
func currentConfig() (*config.Config, error) {
	cfg := &config.Config{
		Path:      viper.ConfigFileUsed(),
		ApiRoot:   viper.GetString("api_root"),
		DataDir:   viper.GetString("data_dir"),
		Username:  viper.GetString("username"),
		AuthToken: viper.GetString("auth_token"),
	}
	if cfg.Path == "" {
		cfg.Path = config.DefaultConfigPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newClient creates an authenticated SDK client from the effective config.
func newClient(cfg *config.Config) *merginsdk.Client {
	var opts []merginsdk.Option
	if cfg.AuthToken != "" {
		opts = append(opts, merginsdk.WithToken(cfg.AuthToken))
	}
	return merginsdk.New(cfg.ApiRoot, opts...)
}
