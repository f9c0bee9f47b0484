// Command netchunk is the CLI front end for the distributed FTP-backed
// object store: urfave/cli/v2 commands each opening their own runtime.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "netchunk",
		Usage:   "distributed FTP-backed object store",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "~/.netchunk/config.ini", Usage: "path to INI config file"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "verbose (debug) logging"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "suppress console logging"},
			&cli.BoolFlag{Name: "stats", Aliases: []string{"s"}, Usage: "print operation statistics"},
			&cli.BoolFlag{Name: "repair", Aliases: []string{"r"}, Usage: "attempt auto-repair (verify command)"},
		},
		Commands: []*cli.Command{
			uploadCmd,
			downloadCmd,
			listCmd,
			deleteCmd,
			verifyCmd,
			rebalanceCmd,
			healthCmd,
			watchCmd,
			versionCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "netchunk:", err)
		os.Exit(1)
	}
}
