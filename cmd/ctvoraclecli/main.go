// Command ctvoraclecli asks one oracle, or a federation of them, for the
// signer of a template and for signatures over spends of it.
package main

import (
	"fmt"
	"os"

	"github.com/ctvemu/ctvemu/oracleclient"
	"github.com/urfave/cli"
)

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "[ctvoraclecli] %v\n", err)
	os.Exit(1)
}

// newApp assembles the command line application.
func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "ctvoraclecli"
	app.Usage = "query CheckTemplateVerify signing oracles"
	app.Flags = []cli.Flag{
		cli.StringSliceFlag{
			Name: "oracle, o",
			Usage: "An oracle, given as <xpub>@<host:port>. May be " +
				"specified multiple times to form a federation.",
		},
		cli.IntFlag{
			Name: "threshold, k",
			Usage: "The number of oracles of a federation that must " +
				"sign. Defaults to all of them.",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: oracleclient.DefaultRequestTimeout,
			Usage: "The time allowed for a single oracle request.",
		},
	}
	app.Commands = []cli.Command{
		templateHashCommand,
		getSignerCommand,
		signCommand,
		confirmKeyCommand,
	}

	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}
