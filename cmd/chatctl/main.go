package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chatcore/internal/api"
	"github.com/matheus3301/chatcore/internal/profile"
	"github.com/spf13/cobra"
)

var (
	profileFlag string
	jsonOutput  bool
	timeout     time.Duration

	client *api.Client
)

var rootCmd = &cobra.Command{
	Use:           "chatctl",
	Short:         "Control a running chatd",
	Long:          "chatctl talks to the chatd daemon of a profile over its Unix socket.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		name := profile.Resolve(profileFlag)
		if err := profile.ValidateName(name); err != nil {
			return err
		}
		c, err := api.Dial(profile.SocketPath(name))
		if err != nil {
			return fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
		}
		client = c
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if client != nil {
			return client.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
