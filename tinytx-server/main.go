package main

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap-incubator/tinytx/config"
	"github.com/pingcap-incubator/tinytx/manager"
	"github.com/pingcap-incubator/tinytx/server/api"
	"github.com/pingcap-incubator/tinytx/storage"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "config file path")
	dataDir    = flag.String("data-dir", "", "directory of snapshots and transaction logs")
	statusAddr = flag.String("status-addr", "", "status address")
)

var (
	gitHash = "None"
)

const shutdownTimeout = 5 * time.Second

func main() {
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config failed", zap.String("path", *configPath), zap.Error(err))
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}
	if err = cfg.SetupLogger(); err != nil {
		log.Fatal("initialize logger error", zap.Error(err))
	}
	// Flushing any buffered log entries
	defer log.Sync()

	log.Info("Welcome to TinyTx", zap.String("git-hash", gitHash))
	log.Info("config", zap.Reflect("config", cfg))

	codecs, err := storage.NewCodecProvider(cfg.SnapshotCodec, cfg.SnapshotCodecs)
	if err != nil {
		log.Fatal("invalid snapshot codec config", zap.Error(err))
	}
	if err = os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal("create data dir failed", zap.String("dir", cfg.DataDir), zap.Error(err))
	}
	st, err := storage.New(cfg.StorageEngine, cfg.DataDir, codecs)
	if err != nil {
		log.Fatal("create state storage failed", zap.Error(err))
	}
	if err = st.Start(); err != nil {
		log.Fatal("start state storage failed", zap.Error(err))
	}

	mgr := manager.NewTransactionManager(cfg, st)
	if err = mgr.Start(); err != nil {
		log.Fatal("start transaction manager failed", zap.Error(err))
	}

	info := api.ServerInfo{
		GitHash:        gitHash,
		Storage:        st.Location(),
		StartTimestamp: time.Now().Unix(),
	}
	mux := http.NewServeMux()
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	mux.Handle("/", api.NewHandler(mgr, info))
	statusServer := &http.Server{Addr: cfg.StatusAddr, Handler: mux}
	go func() {
		log.Info("status server listening", zap.String("addr", cfg.StatusAddr))
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("status server failed", zap.Error(err))
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	sig := <-sc
	log.Info("Got signal to exit", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err = statusServer.Shutdown(ctx); err != nil {
		log.Warn("shutdown status server failed", zap.Error(err))
	}
	cancel()
	code := 0
	if err = mgr.Stop(); err != nil {
		log.Error("stop transaction manager failed", zap.Error(err))
		code = 1
	}
	if err = st.Stop(); err != nil {
		log.Error("stop state storage failed", zap.Error(err))
		code = 1
	}
	log.Info("Server stopped.")
	exit(code)
}

func exit(code int) {
	log.Sync()
	os.Exit(code)
}
