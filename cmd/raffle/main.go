package main

import (
	"fmt"

	"github.com/alecthomas/kong"
)

// version is set by ldflags during build
var version = "dev"

type CLI struct {
	Version  kong.VersionFlag `short:"v" help:"Show version"`
	Serve    ServeCmd         `cmd:"" help:"Run the raffle service"`
	Enter    EnterCmd         `cmd:"" help:"Enter a raffle on a running server"`
	Watch    WatchCmd         `cmd:"" help:"Stream raffle events from a running server"`
	Simulate SimulateCmd      `cmd:"" help:"Run an embedded server with simulated players"`
	Validate ValidateCmd      `cmd:"" help:"Check a configuration file"`
	Build    VersionCmd       `cmd:"" name:"version" help:"Print the version"`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("raffle"),
		kong.Description("Self-operating raffle with oracle-backed winner selection"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
