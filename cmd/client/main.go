package main

import (
	"context"
	"log"

	"github.com/loopflowstudio/cadenza/internal/client/agent"
	"github.com/loopflowstudio/cadenza/internal/client/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := agent.NewApp(cfg)

	if err != nil {
		log.Fatalf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}

}
