// Command shadowmesh-client runs the connecting side of the protocol: it
// loads a driver configuration, pins the server's RSA public key, drives the
// Connect handshake, then keeps a heartbeat loop (and, if configured, a
// TUN-backed tunnel loop) running until the connection is torn down.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shadowmesh/shadowmesh/pkg/config"
	"github.com/shadowmesh/shadowmesh/pkg/driver"
	"github.com/shadowmesh/shadowmesh/pkg/logging"
	"github.com/shadowmesh/shadowmesh/pkg/tunnel"
	"github.com/shadowmesh/shadowmesh/pkg/wire"
)

func main() {
	var (
		configPath   string
		connectAddr  string
		serverKeyPEM string
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a shadowmesh-server and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(configPath, connectAddr, serverKeyPEM)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML driver configuration file")
	runCmd.Flags().StringVar(&connectAddr, "connect", "", "UDP address to connect to, overriding transport.server_address")
	runCmd.Flags().StringVar(&serverKeyPEM, "server-key", "", "path to the server's pinned RSA public key PEM")
	runCmd.MarkFlagRequired("server-key")

	rootCmd := &cobra.Command{
		Use:   "shadowmesh-client",
		Short: "shadowmesh-client runs the connecting side of the secure datagram protocol",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runClient(configPath, connectAddr, serverKeyPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("shadowmesh-client: %w", err)
		}
		cfg = loaded
	}
	if connectAddr != "" {
		cfg.Transport.ServerAddress = connectAddr
	}
	if cfg.Transport.ServerAddress == "" {
		return fmt.Errorf("shadowmesh-client: no server address configured (pass --connect or transport.server_address)")
	}

	log, err := logging.NewLogger("client", logging.ParseLevel(cfg.Logging.Level), cfg.Logging.OutputFile)
	if err != nil {
		return fmt.Errorf("shadowmesh-client: init logger: %w", err)
	}

	serverKeyData, err := os.ReadFile(serverKeyPath)
	if err != nil {
		return fmt.Errorf("shadowmesh-client: read server key: %w", err)
	}
	serverKey, err := wire.ParseRSAPublicPEM(serverKeyData)
	if err != nil {
		return fmt.Errorf("shadowmesh-client: parse server key: %w", err)
	}

	cli, err := driver.NewClient(driver.ClientConfig{
		ServerAddress:     cfg.Transport.ServerAddress,
		ServerKey:         serverKey,
		HeartbeatInterval: cfg.Driver.HeartbeatPeriod,
		ConnectTimeout:    cfg.Driver.ConnectTimeout,
		LivenessTimeout:   cfg.Driver.LivenessTimeout,
		NumWorkers:        cfg.Driver.NumWorkerThreads,
		WorkerQueueSize:   cfg.Driver.DispatcherSize,
		Logger:            log,
	})
	if err != nil {
		return fmt.Errorf("shadowmesh-client: %w", err)
	}

	var tun *tunnel.Tunnel
	if cfg.Tunnel.Enabled {
		tun, err = tunnel.New(tunnel.Config{Name: cfg.Tunnel.DeviceName, Logger: log})
		if err != nil {
			return fmt.Errorf("shadowmesh-client: %w", err)
		}
		defer tun.Close()
		cli.SetTunnel(tun)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cli.Start(ctx); err != nil {
		return fmt.Errorf("shadowmesh-client: %w", err)
	}
	defer cli.Stop()

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.Driver.ConnectTimeout+5*time.Second)
	defer connectCancel()
	if err := cli.Connect(connectCtx); err != nil {
		return fmt.Errorf("shadowmesh-client: %w", err)
	}
	log.Infof("connected to %s", cfg.Transport.ServerAddress)

	go cli.RunHeartbeatLoop(ctx)
	if tun != nil {
		go cli.RunTunnelLoop(ctx)
	}

	go func() {
		for ev := range cli.Events() {
			log.Debugf("event: %s", ev.Kind)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Infof("shutdown signal received")
	return nil
}
