// Command shadowmesh-server runs the listening side of the protocol: it
// loads a driver configuration, brings up a ServerDriver bound to it, and
// optionally layers the read-only status API and a TUN-backed tunnel on
// top, per the configuration file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shadowmesh/shadowmesh/pkg/config"
	"github.com/shadowmesh/shadowmesh/pkg/driver"
	"github.com/shadowmesh/shadowmesh/pkg/logging"
	"github.com/shadowmesh/shadowmesh/pkg/server"
	"github.com/shadowmesh/shadowmesh/pkg/statusapi"
	"github.com/shadowmesh/shadowmesh/pkg/tunnel"
	"github.com/shadowmesh/shadowmesh/pkg/wire"
)

func main() {
	var (
		configPath string
		listenAddr string
		keyFile    string
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the server driver and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, listenAddr, keyFile)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML driver configuration file")
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "UDP address to bind, overriding transport.bind_address")
	runCmd.Flags().StringVar(&keyFile, "key-file", "", "path to this server's RSA private key PEM, generated on first run if absent")

	rootCmd := &cobra.Command{
		Use:   "shadowmesh-server",
		Short: "shadowmesh-server runs the listening side of the secure datagram protocol",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(configPath, listenAddr, keyFile string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("shadowmesh-server: %w", err)
		}
		cfg = loaded
	}
	if listenAddr != "" {
		cfg.Transport.BindAddress = listenAddr
	}

	log, err := logging.NewLogger("server", logging.ParseLevel(cfg.Logging.Level), cfg.Logging.OutputFile)
	if err != nil {
		return fmt.Errorf("shadowmesh-server: init logger: %w", err)
	}

	key, err := loadOrCreateServerKey(keyFile)
	if err != nil {
		return fmt.Errorf("shadowmesh-server: %w", err)
	}

	srv, err := driver.NewServer(driver.ServerConfig{
		BindAddress:     cfg.Transport.BindAddress,
		Key:             key,
		MaxConnections:  cfg.Driver.MaxConnections,
		LivenessTimeout: cfg.Driver.LivenessTimeout,
		SweepInterval:   cfg.Driver.SweepInterval,
		NumWorkers:      cfg.Driver.NumWorkerThreads,
		WorkerQueueSize: cfg.Driver.DispatcherSize,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("shadowmesh-server: %w", err)
	}

	if cfg.ReplayCache.Backend == "redis" {
		ctx := context.Background()
		rc, err := server.NewRedisReplayCache(ctx, server.RedisReplayCacheConfig{
			Addr:      cfg.ReplayCache.Redis.Addr,
			Password:  cfg.ReplayCache.Redis.Password,
			DB:        cfg.ReplayCache.Redis.DB,
			KeyPrefix: cfg.ReplayCache.Redis.KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("shadowmesh-server: %w", err)
		}
		srv.SetReplayCache(rc)
	}

	var tun *tunnel.Tunnel
	if cfg.Tunnel.Enabled {
		tun, err = tunnel.New(tunnel.Config{Name: cfg.Tunnel.DeviceName, Logger: log})
		if err != nil {
			return fmt.Errorf("shadowmesh-server: %w", err)
		}
		defer tun.Close()
		srv.SetTunnel(tun)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("shadowmesh-server: %w", err)
	}
	defer srv.Stop()
	log.Infof("server listening on %s", cfg.Transport.BindAddress)

	var hub *statusapi.Hub
	var statusSrv *dualHTTPServer
	if cfg.StatusAPI.Enabled {
		hub = statusapi.NewHub(srv.Table(), log)
		go hub.Run(ctx, cfg.StatusAPI.PushInterval)
		statusSrv = newStatusHTTPServer(cfg.StatusAPI.ListenAddress, hub)
		go statusSrv.run(log)
		defer hub.Stop()
		defer statusSrv.shutdown()
	}

	go func() {
		for ev := range srv.Events() {
			log.Debugf("event: %s connection=%d", ev.Kind, ev.ConnectionID)
			if hub != nil {
				hub.PublishEvent(ev)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Infof("shutdown signal received")
	return nil
}

func loadOrCreateServerKey(path string) (wire.RSAKey, error) {
	if path == "" {
		return wire.GenerateRSAKey()
	}
	if data, err := os.ReadFile(path); err == nil {
		return wire.ParseRSAPrivatePEM(data)
	}
	key, err := wire.GenerateRSAKey()
	if err != nil {
		return wire.RSAKey{}, err
	}
	pem, err := key.PrivatePEM()
	if err != nil {
		return wire.RSAKey{}, err
	}
	if err := os.WriteFile(path, pem, 0o600); err != nil {
		return wire.RSAKey{}, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}
