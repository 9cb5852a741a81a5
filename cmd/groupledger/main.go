package main

import (
	"context"
	"flag"
	"os"
	"path"
	"strings"

	"github.com/google/subcommands"
)

const VersionFile = "version.latest"

var envFile = flag.String("env", ".env", "path of the .env file to load")

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")

	commander.Register(&serveCmd{}, "")
	commander.Register(&execCmd{}, "")
	commander.Register(&historyCmd{}, "")
	commander.Register(&migrateCmd{}, "")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}

func readVersion() string {
	version, err := os.ReadFile(VersionFile)
	if err != nil {
		return "v0.0.0-dev"
	}
	return strings.TrimSpace(string(version))
}
