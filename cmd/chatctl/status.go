package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatcore/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd, reconnectCmd, resumeCmd, loginCmd, logoutCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection and core diagnostics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		d, err := client.Diagnostics(ctx)
		if err != nil {
			return err
		}
		printDiagnostics(d)
		return nil
	},
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Force a connection attempt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		d, err := client.Reconnect(ctx)
		if err != nil {
			return err
		}
		printDiagnostics(d)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Reconnect now if the connection is down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		d, err := client.Resume(ctx)
		if err != nil {
			return err
		}
		printDiagnostics(d)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <identity> <token>",
	Short: "Authenticate the profile and store the token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		state, err := client.Login(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(api.LoginResult{State: state})
			return nil
		}
		fmt.Printf("Logged in as %s (%s)\n", args[0], state)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and forget the token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := client.Logout(ctx); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

func printDiagnostics(d api.DiagnosticsView) {
	if jsonOutput {
		outputJSON(d)
		return
	}
	state := d.State
	if d.StateDetail != "" {
		state += " (" + d.StateDetail + ")"
	}
	fmt.Printf("Profile:    %s\n", d.Profile)
	fmt.Printf("Identity:   %s\n", valueOr(d.Identity, "(not logged in)"))
	fmt.Printf("State:      %s\n", state)
	fmt.Printf("Since:      %s\n", time.UnixMilli(d.StateSinceMs).Format(time.TimeOnly))
	fmt.Printf("Failures:   %d/%d (retry every %s)\n", d.Failures, d.MaxAttempts, d.ReconnectEvery)
	if d.AuthHalted {
		fmt.Println("Retries:    halted, credentials rejected")
	}
	if d.LastError != "" {
		fmt.Printf("Last error: %s\n", d.LastError)
	}
	fmt.Printf("Active:     %s\n", valueOr(d.Active, "-"))
	fmt.Printf("Chats:      %d\n", d.Conversations)
	if len(d.Typing) > 0 {
		fmt.Printf("Typing:     %s\n", strings.Join(d.Typing, ", "))
	}
	fmt.Printf("Uptime:     %s\n", (time.Duration(d.UptimeMs) * time.Millisecond).Round(time.Second))
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
