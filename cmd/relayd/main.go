// Command relayd runs the central forwarding relay.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	"meeple/relayd"
	"meeple/store"
)

func main() {
	var (
		listenAddr = flag.String("addr", ":8090", "listen address")
		dbPath     = flag.String("db", "relayd.db", "sqlite database path (empty disables store-and-forward)")
		debug      = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var st *store.Store
	if *dbPath != "" {
		var err error
		st, err = store.New(*dbPath)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer st.Close()
	}

	srv := relayd.New(st)
	if err := srv.Start(*listenAddr); err != nil {
		log.Fatalf("relayd: %v", err)
	}
}
