package main

import (
	"github.com/urfave/cli"
)

var (
	cfgPath string

	globalFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "config, c",
			Usage:       "path to config file (.json, .yaml)",
			Value:       "./config.json",
			EnvVar:      "CTRLBOT_CONFIG",
			Destination: &cfgPath,
		},
	}
)

func newCLI() *cli.App {
	app := cli.NewApp()
	app.Name = "ctrlbot"
	app.HelpName = "ctrlbot"
	app.Usage = "Telegram channel helper with an adaptive task scheduler"
	app.UsageText = "ctrlbot [--config FILE] <command> [arguments...]"
	app.Version = version
	app.Flags = globalFlags
	app.Action = run
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run the daemon (default)",
			Action: run,
		},
		{
			Name:        "post",
			Aliases:     []string{"p"},
			Usage:       "schedule a post to a channel",
			Description: "Schedules a text post (--text) or a copy of an existing message (--from-chat + --message-id).\n\n" + timeHelp,
			Action:      post,
			Flags:       postFlags,
		},
		{
			Name:        "destruct",
			Aliases:     []string{"d"},
			Usage:       "schedule deletion of a message",
			Description: timeHelp,
			Action:      destruct,
			Flags:       destructFlags,
		},
		{
			Name:    "pending",
			Aliases: []string{"ls"},
			Usage:   "list tasks",
			Action:  pending,
			Flags:   pendingFlags,
		},
		{
			Name:   "cleanup",
			Usage:  "purge finished tasks older than the retention now",
			Action: purge,
		},
	}
	return app
}
