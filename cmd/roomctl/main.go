// Package main is roomctl, a terminal client for roomsync rooms.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mentora/roomsync/internal/config"
	"github.com/mentora/roomsync/internal/logging"
)

var (
	flagConfPath string
	flagUserID   string
	flagUserName string
)

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:          "roomctl",
		Short:        "Edit shared files and chat in roomsync rooms",
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&flagConfPath, "config", "c", "", "Config path (YAML)")
	flags.String("server", "ws://localhost:8080", "Server URL")
	flags.String("log-level", "warn", "One of debug, info, warn, error")
	flags.StringVar(&flagUserID, "user", os.Getenv("USER"), "User id")
	flags.StringVar(&flagUserName, "name", "", "Display name, defaults to the user id")

	for key, flag := range map[string]string{
		"client.server_url": "server",
		"log_level":         "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(
		newEditCmd(v),
		newChatCmd(v),
		newDownloadCmd(v),
	)
	return cmd
}

// loadConfig reads the config and applies the log level.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	conf, err := config.Load(v, flagConfPath)
	if err != nil {
		return nil, err
	}
	if err := logging.SetLogLevel(conf.LogLevel); err != nil {
		return nil, err
	}
	return conf, nil
}

func userIdentity() (string, string, error) {
	if flagUserID == "" {
		return "", "", fmt.Errorf("--user is required")
	}
	name := flagUserName
	if name == "" {
		name = flagUserID
	}
	return flagUserID, name, nil
}

// httpBase maps the websocket server URL to its REST base.
func httpBase(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "wss://"):
		return "https://" + strings.TrimPrefix(serverURL, "wss://")
	case strings.HasPrefix(serverURL, "ws://"):
		return "http://" + strings.TrimPrefix(serverURL, "ws://")
	}
	return serverURL
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
