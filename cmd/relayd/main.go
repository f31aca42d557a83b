package main

import (
	"flag"
	"net/http"
	"os"

	"go.uber.org/zap"

	"walletmesh/internal/relay/relaytest"
)

func main() {
	listen := flag.String("listen", ":7070", "listen address")
	audience := flag.String("audience", "", "require auth tokens addressed to this audience")
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	srv := relaytest.NewServer(relaytest.ServerConfig{
		Audience: *audience,
		Logger:   log,
	})

	log.Info("relay listening", zap.String("addr", *listen))
	if err := http.ListenAndServe(*listen, srv); err != nil {
		log.Fatal("relay stopped", zap.Error(err))
	}
}
