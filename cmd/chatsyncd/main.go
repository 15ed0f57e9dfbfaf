package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"chatsync/internal/appdir"
	"chatsync/internal/daemon"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profile := appdir.Resolve(*profileFlag)
	if err := appdir.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profile}),
	)

	app.Run()
}
