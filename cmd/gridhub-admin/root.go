// ABOUTME: Root command and settings wiring for gridhub-admin
// ABOUTME: Flags, GRIDHUB_* environment variables and an optional admin.toml resolve through viper

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/2389/gridhub/internal/client"
)

const defaultHubURL = "http://127.0.0.1:4444"

// adminConfigDir returns XDG_CONFIG_HOME/gridhub or ~/.config/gridhub.
func adminConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "gridhub")
}

// newSettings reads url and token from admin.toml, GRIDHUB_URL and GRIDHUB_TOKEN.
func newSettings() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("admin")
	v.SetConfigType("toml")
	v.AddConfigPath(adminConfigDir())
	v.SetEnvPrefix("GRIDHUB")
	v.AutomaticEnv()
	v.SetDefault("url", defaultHubURL)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading admin config: %w", err)
		}
	}
	return v, nil
}

type app struct {
	settings *viper.Viper
}

func (a *app) client() *client.Client {
	return client.New(a.settings.GetString("url"), client.WithToken(a.settings.GetString("token")))
}

func newRootCmd(settings *viper.Viper) *cobra.Command {
	a := &app{settings: settings}

	rootCmd := &cobra.Command{
		Use:           "gridhub-admin",
		Short:         "Inspect and operate a gridhub agent pool",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().String("url", "", "hub base URL (env GRIDHUB_URL)")
	rootCmd.PersistentFlags().String("token", "", "bearer token (env GRIDHUB_TOKEN)")
	_ = settings.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
	_ = settings.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.AddCommand(
		newAgentsCmd(a),
		newSessionsCmd(a),
		newReleaseCmd(a),
		newEvictCmd(a),
		newEventsCmd(a),
	)
	return rootCmd
}

// Execute runs the admin CLI.
func Execute() error {
	settings, err := newSettings()
	if err != nil {
		return err
	}
	return newRootCmd(settings).Execute()
}
