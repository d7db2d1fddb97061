package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"modchat/internal/app"
)

func main() {
	flagSet := flag.NewFlagSet("modchat", flag.ExitOnError)
	configDir := flagSet.String("config", envOrDefault("MODCHAT_CONFIG", ""), "directory containing modchat.yaml")
	apiURL := flagSet.String("api-url", "", "backend base URL")
	pusherKey := flagSet.String("pusher-key", "", "realtime application key")
	pusherCluster := flagSet.String("pusher-cluster", "", "realtime cluster")
	pusherHost := flagSet.String("pusher-host", "", "realtime host override, e.g. ws://127.0.0.1:6001")
	token := flagSet.String("token", "", "moderator access token")
	db := flagSet.String("db", "", "journal database path (\"off\" disables the journal)")
	logFile := flagSet.String("log-file", "", "write logs to this file")
	logLevel := flagSet.String("log-level", "", "log level (debug, info, warn, error)")
	limit := flagSet.Int("limit", 0, "number of backlog messages to load")
	showVersion := flagSet.Bool("version", false, "print the version and exit")
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "usage: modchat [flags] ROOM_ID\n")
		flagSet.PrintDefaults()
	}
	flagSet.Parse(os.Args[1:])
	if *showVersion {
		fmt.Println("modchat", app.Version)
		return
	}

	cfg, err := app.Load(*configDir)
	if err != nil {
		fail(err)
	}

	// Explicit flags win over the config file and environment.
	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api-url":
			cfg.API.URL = *apiURL
		case "pusher-key":
			cfg.Realtime.Key = *pusherKey
		case "pusher-cluster":
			cfg.Realtime.Cluster = *pusherCluster
		case "pusher-host":
			cfg.Realtime.Host = *pusherHost
		case "token":
			cfg.API.Token = *token
		case "db":
			cfg.Journal.Path = *db
		case "log-file":
			cfg.Log.File = *logFile
		case "log-level":
			cfg.Log.Level = *logLevel
		case "limit":
			cfg.API.BacklogLimit = *limit
		}
	})
	if cfg.Journal.Path == "off" {
		cfg.Journal.Path = ""
	}

	if remaining := flagSet.Args(); len(remaining) > 0 {
		roomID, err := strconv.ParseInt(remaining[0], 10, 64)
		if err != nil || roomID <= 0 {
			fail(fmt.Errorf("invalid room id %q", remaining[0]))
		}
		cfg.RoomID = roomID
	}
	if cfg.RoomID == 0 {
		flagSet.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunConsole(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "modchat: %v\n", err)
	os.Exit(1)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
