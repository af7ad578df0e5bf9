// Command spotbot runs the spot-trading daemon: ingestion, signal
// evaluation, order placement, position monitoring, and FIFO ledger
// replay, all wired together by internal/bootstrap.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/MrDenfish/BotTrader-sub001/internal/bootstrap"
	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

var (
	version = "dev"
)

func main() {
	configPath := flag.String("config", "configs/spotbot.yaml", "path to YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("spotbot", version)
		return
	}

	app, err := bootstrap.NewApp(context.Background(), *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spotbot: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(context.Background()); err != nil {
		app.Logger.Error("spotbot: fatal", core.F("error", err.Error()))
		os.Exit(1)
	}
}
