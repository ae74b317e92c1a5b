// cmd/datanode is the entrypoint for one data node process: it opens the
// WAL/KV/HNSW handler, registers itself in membership, and serves the
// net/rpc surface for the coordinator plus a Gin admin/health surface.
// Periodic snapshotting is driven by operation count inside Handler.Put
// itself, not by a wall-clock loop here. Structure (flag parsing,
// signal-driven graceful shutdown with a final snapshot) is adapted from
// ppriyankuu-godkv/cmd/server/main.go.
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
	"distributed-vdb/internal/datanode"
	"distributed-vdb/internal/logx"
	"distributed-vdb/internal/membership"
)

func main() {
	fs := pflag.NewFlagSet("datanode", pflag.ExitOnError)
	cfg, err := config.ParseDataNodeFlags(fs, os.Args[1:])
	if err != nil {
		logx.WithComponent("datanode").Fatal().Err(err).Msg("parse flags")
	}

	logx.Init(logx.Config{Level: logx.InfoLevel})
	log := logx.WithComponent("datanode")

	h, err := datanode.Open(datanode.Config{
		NodeID:             cfg.NodeID,
		DataDir:            cfg.DataDir,
		VectorDim:          cfg.VectorDim,
		HNSWM:              cfg.HNSWM,
		HNSWEfConstruction: cfg.HNSWEfConstruction,
		HNSWEfSearch:       cfg.HNSWEfSearch,
		HNSWMaxElements:    cfg.HNSWMaxElements,
		WALRotateSize:      cfg.WALRotateSize,
		WALMaxLogAge:       cfg.WALMaxLogAge,
		SnapshotInterval:   cfg.SnapshotInterval,
		RebuildInterval:    cfg.RebuildInterval,
		CheckpointKeep:     cfg.CheckpointKeep,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("open data node handler")
	}

	ln, err := datanode.Serve(h, cfg.Addr)
	if err != nil {
		log.Fatal().Err(err).Msg("start rpc server")
	}
	defer ln.Close()

	store, err := membership.DialZK(cfg.ZKServers, time.Duration(cfg.ZKSessionTimeoutMS)*time.Millisecond)
	if err != nil {
		log.Fatal().Err(err).Msg("dial membership store")
	}
	cache, err := membership.NewCache(store, cfg.ZKBasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("build membership cache")
	}
	defer cache.Close()

	if err := cache.RegisterNode(cfg.NodeID, cfg.Addr); err != nil {
		log.Fatal().Err(err).Msg("register node in membership")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(adminapi.Logger(), adminapi.Recovery())
	adminapi.NewDataNodeHandler(h).Register(router)

	srv := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.AdminAddr).Msg("admin http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin http server error")
		}
	}()

	// Periodic snapshotting is driven by operation count from inside
	// Handler.Put (cfg.SnapshotInterval ops between snapshots), not by a
	// wall-clock ticker here.

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Str("node_id", cfg.NodeID).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("admin http server shutdown error")
	}
	if err := h.Close(); err != nil {
		log.Warn().Err(err).Msg("handler close error")
	}
}
