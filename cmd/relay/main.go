package main

import (
	"context"
	"log"
	"os"

	"github.com/tallysync/tally/internal/buildinfo"
	"github.com/tallysync/tally/internal/relay/app"
	"github.com/tallysync/tally/internal/relay/config"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()
	a, err := app.NewApp(cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	a.Run(ctx)

}
