package main

import (
	"embed"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	app := &cli.App{
		Name:  "resolver",
		Usage: "quote and settle bundle orders against the coordinator",
		Commands: []*cli.Command{
			serveCommand(),
			bidCommand(),
			settleCommand(),
			walletCommand(),
			pricesCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
