package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"pairboard/auth"
	"pairboard/board"
	"pairboard/server"
	"pairboard/storage"
)

type Flags struct {
	Addr          string
	SnapshotEvery int64
	Debug         bool
}

func parseFlags() Flags {
	addr := flag.String("addr", ":8080", "Server's network address")

	snapshotEvery := flag.Int64("snapshot-every", 200, "Compact the op log into a snapshot every N ops (0 disables)")

	enableDebug := flag.Bool("debug", false, "Enable debugging mode to show more verbose logs")

	flag.Parse()

	return Flags{
		Addr:          *addr,
		SnapshotEvery: *snapshotEvery,
		Debug:         *enableDebug,
	}
}

func main() {
	flags := parseFlags()

	logger := logrus.New()
	if flags.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	secret := os.Getenv("PAIRBOARD_JWT_SECRET")
	if secret == "" {
		color.Red("PAIRBOARD_JWT_SECRET is not set, exiting.")
		os.Exit(1)
	}
	issuer := auth.NewIssuer(secret)

	var store storage.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		pg, err := storage.NewPostgres(ctx, dsn)
		if err != nil {
			cancel()
			color.Red("Error connecting to postgres, exiting: %s", err)
			os.Exit(1)
		}
		if err := pg.Migrate(ctx); err != nil {
			cancel()
			color.Red("Error running migrations, exiting: %s", err)
			os.Exit(1)
		}
		cancel()
		defer pg.Close()
		store = pg
		color.Blue("using postgres op log")
	} else {
		store = storage.NewMemory()
		color.Yellow("DATABASE_URL not set, using in-memory op log (state is lost on restart)")
	}

	srv := server.New(store, issuer, logger, board.WithSnapshotEvery(flags.SnapshotEvery))

	httpServer := &http.Server{
		Addr:         flags.Addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      srv.Router(),
	}

	color.Green("Starting server on %s", flags.Addr)
	if err := httpServer.ListenAndServe(); err != nil {
		color.Red("Error starting server, exiting: %s", err)
		os.Exit(1)
	}
}
