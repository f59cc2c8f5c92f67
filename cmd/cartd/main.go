package main

import (
	"context"
	"time"

	"github.com/niksmo/cartsync/config"
	"github.com/niksmo/cartsync/internal/app"
	"github.com/niksmo/cartsync/pkg/sigctx"
)

const closeTimeout = 5 * time.Second

func main() {
	sigCtx, closeApp := sigctx.NotifyContext(context.Background())
	defer closeApp()

	cfg := config.Load()
	cfg.Print()

	cartService := app.New(sigCtx, cfg)

	cartService.Run(closeApp)

	<-sigCtx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	cartService.Close(ctx)
}
