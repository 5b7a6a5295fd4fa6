package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bridge.linelead.io/api"
	"bridge.linelead.io/app"
	"bridge.linelead.io/graph"
)

const drainDeadline = 30 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := app.OptionsFromEnv()

	var querier graph.Querier
	if opts.Neo4jURI != "" {
		q, err := graph.NewNeo4jQuerier(ctx, opts.Neo4jURI, opts.Neo4jUser, opts.Neo4jPass)
		if err != nil {
			// Start anyway: the circuit breaker and local queue carry the
			// service until the graph database comes up.
			log.Printf("warning: graph database unavailable at startup: %v", err)
		} else {
			querier = q
			defer q.Close(context.Background())
		}
	}

	application, err := app.New(ctx, opts, querier)
	if err != nil {
		log.Fatalf("failed to assemble service: %v", err)
	}
	application.Start()

	serverCfg := api.DefaultServerConfig()
	serverCfg.Port = opts.HTTPPort
	server := api.NewServer(serverCfg, application.APIHandlers())

	go func() {
		addr := fmt.Sprintf(":%d", serverCfg.Port)
		if err := server.Start(addr); err != nil {
			log.Printf("http server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down")
	if err := api.Shutdown(server, drainDeadline); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	application.Stop(drainDeadline)
}
