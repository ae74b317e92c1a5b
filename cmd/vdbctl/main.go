// cmd/vdbctl is the operator CLI: cluster membership admin and per-node
// health/rebuild/snapshot triggers against the operational HTTP surfaces in
// internal/adminapi. It intentionally has no vector put/get/delete/search
// command — that data-plane surface is reached only over net/rpc
// (internal/coordinator's RPCServer), since the storage engine scopes
// "HTTP/CLI front-ends as the primary client surface" out. Narrowed from
// ppriyankuu-godkv/cmd/client/main.go's command tree to the cluster/admin
// subset that still applies.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"distributed-vdb/internal/vdbclient"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "vdbctl",
		Short: "Operator CLI for the distributed vector database",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8091", "target process's admin HTTP address (coordinator or data node)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(healthCmd(), debugStateCmd(), rebuildCmd(), snapshotCmd(), clusterCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check a process's health status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := vdbclient.New(serverAddr, timeout)
			out, err := c.Healthz(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(out)
			return nil
		},
	}
}

func debugStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "debug-state",
		Short: "Dump a process's debug status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := vdbclient.New(serverAddr, timeout)
			out, err := c.DebugState(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(out)
			return nil
		},
	}
}

func rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Trigger a data node's HNSW index rebuild",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := vdbclient.New(serverAddr, timeout)
			if err := c.Rebuild(context.Background()); err != nil {
				return err
			}
			fmt.Println("rebuild triggered")
			return nil
		},
	}
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Trigger a data node's on-demand snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := vdbclient.New(serverAddr, timeout)
			if err := c.Snapshot(context.Background()); err != nil {
				return err
			}
			fmt.Println("snapshot triggered")
			return nil
		},
	}
}

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster membership commands (against a coordinator)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "nodes",
		Short: "List all live data nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := vdbclient.New(serverAddr, timeout)
			nodes, err := c.ListNodes(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(nodes)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "register <nodeID> <address>",
		Short: "Register a data node with the coordinator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := vdbclient.New(serverAddr, timeout)
			return c.RegisterNode(context.Background(), args[0], args[1])
		},
	})

	return cmd
}

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
