package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jinzhu/gorm/dialects/mysql"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/quanhengzhuang/tcc"
	"go.uber.org/zap"
)

func main() {
	cfg := tcc.NewConfig()
	err := cfg.Parse(os.Args[1:])
	if errors.Cause(err) == flag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal("parse config failed", zap.Error(err))
	}

	lg, props, err := log.InitLogger(&cfg.Log)
	if err != nil {
		log.Fatal("init logger failed", zap.Error(err))
	}
	log.ReplaceGlobals(lg, props)
	log.Info("config", zap.Stringer("config", cfg))

	storage, err := tcc.OpenStorage(&cfg.Storage)
	if err != nil {
		log.Fatal("open storage failed", zap.Error(err))
	}

	manager := tcc.NewTxManager(cfg, storage, tcc.NewHTTPInvoker(nil))
	if err := manager.Load(); err != nil {
		log.Fatal("load transactions failed", zap.Error(err))
	}
	manager.Start()

	ctx, cancel := context.WithCancel(context.Background())
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: tcc.NewServer(tcc.NewCoordinator(manager)).Handler(),
	}
	go func() {
		sig := <-sc
		log.Info("got signal to exit", zap.String("signal", sig.String()))
		cancel()
		server.Close()
	}()

	// No request is served before the previous instance's transactions are re-driven.
	code := 0
	if err := manager.Recover(ctx); err != nil {
		log.Error("recover interrupted", zap.Error(err))
		code = 1
	} else {
		manager.StartExpire()
		log.Info("recovery finished, serving", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("serve failed", zap.Error(err))
			code = 1
		}
	}

	manager.Stop()
	if err := storage.Close(); err != nil {
		log.Error("close storage failed", zap.Error(err))
		code = 1
	}
	log.Info("tccd stopped", zap.Int("code", code))
	_ = log.L().Sync()
	os.Exit(code)
}
