package main

import (
	"fmt"
	"strconv"

	"github.com/mattn/go-runewidth"
	"github.com/urfave/cli/v2"

	"github.com/tchow-twistedxcom/termbridge/internal/config"
	"github.com/tchow-twistedxcom/termbridge/internal/history"
)

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "show commands recorded by the host",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "search", Aliases: []string{"s"}, Usage: "only commands containing `TEXT`"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "number of entries", Value: 20},
			&cli.StringFlag{Name: "db", Usage: "history database (default from config)"},
		},
		Action: func(c *cli.Context) error {
			dbPath := c.String("db")
			if dbPath == "" {
				cfg, err := config.Load()
				if err != nil {
					cfg = config.Default()
				}
				if !cfg.History.HistoryEnabled() {
					return cli.Exit("history is disabled in config", 1)
				}
				dbPath = cfg.History.DBPath
			}
			store, err := history.Open(dbPath)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer store.Close()

			var entries []history.Entry
			if q := c.String("search"); q != "" {
				entries, err = store.Search(c.Context, q, c.Int("limit"))
			} else {
				entries, err = store.Recent(c.Context, c.Int("limit"))
			}
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if ok, err := printStructured(c, entries); ok {
				return err
			}
			printHistory(c, entries)
			return nil
		},
	}
}

// printHistory lists entries oldest first, the way shells print history.
func printHistory(c *cli.Context, entries []history.Entry) {
	w := c.App.Writer
	if len(entries) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no history"))
		return
	}
	cmdWidth := 0
	for _, e := range entries {
		cmdWidth = max(cmdWidth, runewidth.StringWidth(e.Command))
	}
	cmdWidth = min(cmdWidth, 60)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		status := successStyle.Render(strconv.Itoa(int(e.ExitCode)))
		if e.ExitCode != 0 {
			status = errorStyle.Render(strconv.Itoa(int(e.ExitCode)))
		}
		cmd := runewidth.Truncate(e.Command, cmdWidth, "...")
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			dimStyle.Render(e.CreatedAt.Local().Format("2006-01-02 15:04:05")),
			padRight(cmd, cmdWidth), status, dimStyle.Render(e.Cwd))
	}
}
