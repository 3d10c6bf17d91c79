// Command spacetimedb boots one database engine node: loads config,
// recovers the WAL, loads the published module, and serves the
// WebSocket session endpoint (spec §1 OVERVIEW, §4).
//
// Build / run with:
//
//	go run ./cmd/spacetimedb --schema schema.json --module module.wasm
package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/scheduler"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/store"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/subscribe"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/txn"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/wasmhost"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/wsproto"
	"github.com/clockworklabs/SpacetimeDB-sub014/pkg/config"
)

func main() {
	schemaPath := flag.String("schema", "", "path to the published schema file (overrides config database.schema_file)")
	modulePath := flag.String("module", "", "path to the compiled reducer module (overrides config vm.module_path)")
	listen := flag.String("listen", "", "websocket listen address (overrides config websocket.listen_addr)")
	flag.Parse()

	logrus.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.WithError(err).Fatal("spacetimedb: load config")
	}
	applyLogLevel(cfg.Logging.Level)

	if *schemaPath != "" {
		cfg.Database.SchemaFile = *schemaPath
	}
	if *modulePath != "" {
		cfg.VM.ModulePath = *modulePath
	}
	if *listen != "" {
		cfg.WebSocket.ListenAddr = *listen
	}

	schema, found, err := store.LoadSchema(cfg.Database.SchemaFile)
	if err != nil {
		logrus.WithError(err).Fatal("spacetimedb: load schema")
	}
	if !found {
		logrus.WithField("path", cfg.Database.SchemaFile).Fatal("spacetimedb: no published schema; publish one before starting")
	}

	db, err := store.Apply(schema)
	if err != nil {
		logrus.WithError(err).Fatal("spacetimedb: apply schema")
	}

	schemaBytes, err := os.ReadFile(cfg.Database.SchemaFile)
	if err != nil {
		logrus.WithError(err).Fatal("spacetimedb: read schema file for hashing")
	}
	mgr, err := txn.Open(db, cfg.Database.WALPath, blake3.Sum256(schemaBytes))
	if err != nil {
		logrus.WithError(err).Fatal("spacetimedb: open WAL")
	}

	moduleBytes, err := os.ReadFile(cfg.VM.ModulePath)
	if err != nil {
		logrus.WithError(err).Fatal("spacetimedb: read module")
	}

	host := wasmhost.NewHost()
	module, err := wasmhost.LoadModule(host.Engine(), moduleBytes)
	if err != nil {
		logrus.WithError(err).Fatal("spacetimedb: load module")
	}

	energy := cfg.VM.EnergyBudget
	if energy == 0 {
		energy = scheduler.DefaultEnergyBudget
	}
	dispatcher := scheduler.NewDispatcher(db, mgr, host, module, energy)
	for _, t := range schema.Tables {
		if t.ScheduleRef == nil {
			continue
		}
		tbl, ok := db.TableByName(t.Name)
		if !ok {
			continue
		}
		dispatcher.RegisterScheduledTable(scheduler.ScheduledTable{
			TableID:     tbl.ID,
			ReducerName: t.ScheduleRef.ReducerName,
			IDCol:       t.ScheduleRef.IDCol,
			ScheduleCol: t.ScheduleRef.ScheduleCol,
			ArgsCol:     t.ScheduleRef.ArgsCol,
		})
	}

	if _, err := dispatcher.RunInit(false, false); err != nil {
		logrus.WithError(err).Fatal("spacetimedb: __init__ failed")
	}

	distributor := subscribe.NewDistributor(db)
	go dispatcher.Run()
	go distributor.Run(dispatcher.Updates())

	auth := wsproto.NewHMACAuthenticator([]byte(authSecret()), "spacetimedb", 30*24*time.Hour)
	server := wsproto.NewServer(cfg.WebSocket.ListenAddr, auth, cfg.WebSocket.RateLimitPerSec, cfg.WebSocket.RateLimitBurst)
	server.Mount("/database", func(conn *websocket.Conn, profile string) *wsproto.Session {
		return wsproto.NewSession(conn, profile, db, dispatcher, distributor)
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("spacetimedb: server exited")
		}
	case sig := <-sigCh:
		logrus.WithField("signal", sig.String()).Info("spacetimedb: shutting down")
		dispatcher.Stop()
	}
}

func applyLogLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

func authSecret() string {
	if s := os.Getenv("STDB_AUTH_SECRET"); s != "" {
		return s
	}
	logrus.Warn("spacetimedb: STDB_AUTH_SECRET unset, using an ephemeral development secret")
	return "dev-only-insecure-secret"
}
