package main

import (
	"fmt"
	"os"

	"github.com/rigado/shieldlink"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "shieldlinkd"
	app.Usage = "bridge a BLE Shield to the desktop media player"
	app.Version = "0.1.0"
	app.Flags = globalFlags()
	app.Before = func(c *cli.Context) error {
		if err := shieldlink.SetLogFormat(c.GlobalString("log-format")); err != nil {
			return err
		}
		if c.GlobalBool("debug") {
			shieldlink.SetLogLevelMax()
			return nil
		}
		return shieldlink.SetLogLevel(c.GlobalString("log-level"))
	}
	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "connect to the shield and serve until interrupted",
			ArgsUsage: "[peer]",
			Action:    runDaemon,
		},
		{
			Name:   "forget",
			Usage:  "clear the remembered shield",
			Action: forget,
		},
		{
			Name:      "encode",
			Usage:     "print the wire frames for the default state, or for text",
			ArgsUsage: "[text]",
			Action:    encode,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
