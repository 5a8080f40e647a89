package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/chatcore/internal/daemon"
	"github.com/matheus3301/chatcore/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, Debug: *debug}),
	)

	app.Run()
}
