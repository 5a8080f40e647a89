package tui

import (
	"fmt"
	"strings"
)

// Command represents a parsed command.
type Command struct {
	Name string
	Args string
}

// ParseCommand parses a command string (without the leading ':').
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	parts := strings.SplitN(input, " ", 2)
	cmd := Command{Name: strings.ToLower(parts[0])}
	if len(parts) > 1 {
		cmd.Args = strings.TrimSpace(parts[1])
	}
	return cmd
}

// CommandInfo describes one ":" command.
type CommandInfo struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	NeedsArgs   bool
	NeedsThread bool
}

var commandTable = []CommandInfo{
	{Name: "open", Aliases: []string{"o", "chat"}, Usage: "open <name|id>", Description: "Open a conversation", NeedsArgs: true},
	{Name: "filter", Aliases: []string{"f"}, Usage: "filter [text]", Description: "Filter the conversation list"},
	{Name: "more", Usage: "more", Description: "Load older messages", NeedsThread: true},
	{Name: "wink", Usage: "wink", Description: "Send a wink", NeedsThread: true},
	{Name: "send-file", Aliases: []string{"file"}, Usage: "send-file <path>", Description: "Upload and send a file", NeedsArgs: true, NeedsThread: true},
	{Name: "retry", Usage: "retry [temp id]", Description: "Resend a failed message", NeedsThread: true},
	{Name: "login", Usage: "login [identity token]", Description: "Authenticate this profile"},
	{Name: "logout", Usage: "logout", Description: "Log out and forget the token"},
	{Name: "reconnect", Usage: "reconnect", Description: "Reconnect now"},
	{Name: "resume", Usage: "resume", Description: "Recover after sleep or lost focus"},
	{Name: "help", Aliases: []string{"h"}, Usage: "help", Description: "Show this help"},
	{Name: "quit", Aliases: []string{"q", "q!"}, Usage: "quit", Description: "Quit application"},
}

// LookupCommand resolves a name or alias to its command.
func LookupCommand(name string) (CommandInfo, bool) {
	for _, info := range commandTable {
		if info.Name == name {
			return info, true
		}
		for _, alias := range info.Aliases {
			if alias == name {
				return info, true
			}
		}
	}
	return CommandInfo{}, false
}

// Validate resolves cmd and checks its arguments. threadOpen reports
// whether a conversation is open.
func (cmd Command) Validate(threadOpen bool) (CommandInfo, error) {
	info, ok := LookupCommand(cmd.Name)
	if !ok {
		return info, fmt.Errorf("unknown command %q", cmd.Name)
	}
	if info.NeedsArgs && cmd.Args == "" {
		return info, fmt.Errorf("usage: :%s", info.Usage)
	}
	if info.NeedsThread && !threadOpen {
		return info, fmt.Errorf(":%s needs an open conversation", info.Name)
	}
	return info, nil
}
