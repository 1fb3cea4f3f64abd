package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"

	"peer-call/pkg/log"
	"peer-call/pkg/relay"

	"github.com/spf13/pflag"
)

func main() {
	log.SetupLogger()

	var (
		addr   string
		apiKey string
	)

	pflag.StringVarP(&addr, "listen", "l", ":8443", "Address to serve the relay websocket on")
	pflag.StringVarP(&apiKey, "apikey", "a", "", "If set, clients must present this API key")
	pflag.Parse()

	ctx, cancel := context.WithCancel(context.Background())

	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()

	server := relay.NewServer(relay.ServerConfig{
		Addr:   addr,
		APIKey: apiKey,
	})

	if err := server.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
