// cmd/coordinator is the entrypoint for a coordinator process: it watches
// membership, maintains the RPC connection pool and placement table, and
// serves the primary client surface over net/rpc (put/delete/get/search,
// register_node/list_nodes) plus a separate Gin HTTP surface carrying only
// operational endpoints (health, debug state, cluster admin) — never the
// vector data plane. Adapted from ppriyankuu-godkv/cmd/server/main.go's
// flag-parsing and graceful-shutdown structure.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"distributed-vdb/internal/adminapi"
	"distributed-vdb/internal/config"
	"distributed-vdb/internal/coordinator"
	"distributed-vdb/internal/logx"
	"distributed-vdb/internal/membership"
	"distributed-vdb/internal/rpcpool"
)

func main() {
	fs := pflag.NewFlagSet("coordinator", pflag.ExitOnError)
	cfg, err := config.ParseCoordinatorFlags(fs, os.Args[1:])
	if err != nil {
		logx.WithComponent("coordinator").Fatal().Err(err).Msg("parse flags")
	}

	logx.Init(logx.Config{Level: logx.InfoLevel})
	log := logx.WithComponent("coordinator")

	store, err := membership.DialZK(cfg.ZKServers, time.Duration(cfg.ZKSessionTimeoutMS)*time.Millisecond)
	if err != nil {
		log.Fatal().Err(err).Msg("dial membership store")
	}
	cache, err := membership.NewCache(store, cfg.ZKBasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("build membership cache")
	}
	defer cache.Close()

	pool := rpcpool.New(cache, cfg.RPCPoolSize,
		time.Duration(cfg.RPCTimeoutMS)*time.Millisecond,
		time.Duration(cfg.RPCPoolIdleTimeoutMS)*time.Millisecond)
	defer pool.CloseAll()

	coord := coordinator.New(coordinator.Config{
		ShardCount:   cfg.ShardCount,
		ReplicaCount: cfg.ReplicaCount,
		RPCTimeout:   time.Duration(cfg.RPCTimeoutMS) * time.Millisecond,
	}, cache, pool)

	rpcLn, err := coordinator.Serve(coord, cfg.RPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("start coordinator rpc server")
	}
	defer rpcLn.Close()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			coord.Rebalance()
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(adminapi.Logger(), adminapi.Recovery())
	adminapi.NewCoordinatorHandler(coord).Register(router)

	srv := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.AdminAddr).Msg("coordinator http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("coordinator http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down coordinator")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}
}
