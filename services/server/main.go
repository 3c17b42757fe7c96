package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/lnbits/nostrrelay/lib/config"
	"github.com/lnbits/nostrrelay/lib/logging"
	"github.com/lnbits/nostrrelay/lib/payments"
	"github.com/lnbits/nostrrelay/lib/stores/relaydb"
	"github.com/lnbits/nostrrelay/lib/transports/websocket"
	"github.com/lnbits/nostrrelay/lib/web"
)

func main() {
	if err := config.InitConfig(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logging.InitLogger(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	store, err := relaydb.InitStore(viper.GetString("database.path"))
	if err != nil {
		logging.Fatalf("Failed to open database: %v", err)
	}

	manager := websocket.NewManager(store)
	listener := payments.NewListener(store, viper.GetInt("payments.queue_size"))

	app := websocket.BuildServer(store, manager)
	web.Register(app, store, manager, listener, payments.LocalProvider{})

	ctx, cancel := context.WithCancel(context.Background())
	go listener.Run(ctx)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		logging.Infof("Shutting down")
		cancel()
		manager.StopAll()
		if err := app.Shutdown(); err != nil {
			logging.Errorf("Error during shutdown: %v", err)
		}
	}()

	if err := websocket.StartServer(app); err != nil {
		logging.Fatalf("Server stopped: %v", err)
	}
}
