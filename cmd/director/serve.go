package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jbweber/homelab/director/internal/allocator"
	"github.com/jbweber/homelab/director/internal/api"
	"github.com/jbweber/homelab/director/internal/blob"
	"github.com/jbweber/homelab/director/internal/clock"
	"github.com/jbweber/homelab/director/internal/config"
	"github.com/jbweber/homelab/director/internal/datastore"
	"github.com/jbweber/homelab/director/internal/dhcp"
	"github.com/jbweber/homelab/director/internal/events"
	"github.com/jbweber/homelab/director/internal/ipmi"
	"github.com/jbweber/homelab/director/internal/lifecycle"
	"github.com/jbweber/homelab/director/internal/metrics"
	"github.com/jbweber/homelab/director/internal/netboot"
	"github.com/jbweber/homelab/director/internal/registry"
	"github.com/jbweber/homelab/director/internal/repository"
	"github.com/jbweber/homelab/director/internal/tftp"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the DHCP, TFTP and HTTP services",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := loadConfig(cmd.Flags(), map[string]string{
			"http.listen":  "listen",
			"dhcp.enabled": "dhcp",
			"tftp.enabled": "tftp",
			"ipmi.driver":  "ipmi-driver",
		})
		if err != nil {
			return err
		}
		logger, err := config.NewLogger(c.Logging)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, c, logger)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "HTTP listen address")
	serveCmd.Flags().Bool("dhcp", false, "enable the DHCP server")
	serveCmd.Flags().Bool("tftp", false, "enable the TFTP server")
	serveCmd.Flags().String("ipmi-driver", "", "BMC driver: ipmi, redfish or noop")
}

func serve(ctx context.Context, c *config.Config, logger *zap.Logger) error {
	logger.Info("director starting", zap.String("version", version))

	db, err := c.InitializeDatabase()
	if err != nil {
		return err
	}
	ds := datastore.New(db)
	defer ds.Close()
	logger.Info("database initialized", zap.String("path", c.Database.Path))

	subnets, err := c.DomainSubnets()
	if err != nil {
		return err
	}
	if err := config.SyncSubnets(ctx, ds, subnets, logger); err != nil {
		return err
	}

	blobs, err := openStorage(ctx, c, logger)
	if err != nil {
		return err
	}
	catalog, err := loadCatalog(ctx, c, blobs, logger)
	if err != nil {
		return err
	}

	transport, err := newTransport(c.IPMI, logger)
	if err != nil {
		return err
	}
	exec := ipmi.NewExecutor(transport, c.IPMI.Timeout, ipmi.Credentials{
		Username: c.IPMI.DefaultUsername,
		Password: c.IPMI.DefaultPassword,
	}, logger)

	clk := clock.Real()
	bus := events.NewBus(logger)
	reg := registry.New(ds, clk, logger)
	alloc := allocator.New(ds, clk, logger, c.DHCP.DefaultSubnet)
	machine := lifecycle.New(ds, alloc, exec, netboot.NewSelector(catalog), bus, clk, lifecycle.Config{
		Credentials:       ipmi.Credentials{Username: c.IPMI.Username, Password: c.IPMI.Password},
		MaxAttempts:       c.IPMI.MaxAttempts,
		BackoffBase:       c.IPMI.BackoffBase,
		BackoffMax:        c.IPMI.BackoffMax,
		ParkRetry:         c.IPMI.ParkRetry,
		PowerCycleOnReady: c.IPMI.PowerCycleOnReady,
	}, logger)
	defer machine.Close()

	if err := machine.Recover(ctx); err != nil {
		return fmt.Errorf("recover in-flight devices: %w", err)
	}

	sweeper := allocator.NewSweeper(alloc, clk, c.Leases.SweepInterval, logger)
	sweeper.Start()
	defer sweeper.Stop()

	prometheus.MustRegister(metrics.NewDeviceStateCollector(repository.NewDeviceRepository(ds.DB), logger))

	publicURL := c.HTTP.PublicURL
	if publicURL == "" && c.DHCP.ServerIP != "" {
		_, port, err := net.SplitHostPort(c.HTTP.Listen)
		if err != nil {
			return fmt.Errorf("http.listen %q: %w", c.HTTP.Listen, err)
		}
		publicURL = "http://" + net.JoinHostPort(c.DHCP.ServerIP, port)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if c.DHCP.Enabled {
		handler := dhcp.NewHandler(dhcp.Config{
			ServerIP:         net.ParseIP(c.DHCP.ServerIP),
			BootURL:          publicURL,
			BMCVendorClasses: c.DHCP.BMCVendorClasses,
			BMCMACPrefixes:   c.DHCP.BMCMACPrefixes,
			RateLimit:        rate.Limit(c.DHCP.RateLimit),
			RateBurst:        c.DHCP.RateBurst,
		}, reg, machine, alloc, ds, clk, logger)
		srv := dhcp.NewServer(c.DHCP.Listen, handler, logger)
		run("dhcp", func() error { return srv.ListenAndServe(ctx) })
	}

	if c.TFTP.Enabled {
		srv := tftp.NewServer(blobs, c.TFTP.Timeout, logger)
		run("tftp", func() error { return srv.ListenAndServe(ctx, c.TFTP.Listen) })
	}

	a := api.NewAPI(api.Config{
		PublicURL: publicURL,
		JWTSecret: []byte(c.HTTP.JWTSecret),
	}, ds, reg, machine, alloc, blobs, bus, clk, logger)
	defer a.Close()

	httpSrv := &http.Server{
		Addr:              c.HTTP.Listen,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	run("http", func() error {
		logger.Info("http server listening", zap.String("addr", c.HTTP.Listen), zap.String("public_url", publicURL))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	logger.Info("director ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("service failed", zap.Error(runErr))
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	wg.Wait()
	return runErr
}

func openStorage(ctx context.Context, c *config.Config, logger *zap.Logger) (blob.Storage, error) {
	switch c.Storage.Driver {
	case "s3":
		return blob.NewS3(ctx, blob.S3Config{
			Endpoint:  c.Storage.Endpoint,
			Bucket:    c.Storage.Bucket,
			AccessKey: c.Storage.AccessKey,
			SecretKey: c.Storage.SecretKey,
			UseSSL:    c.Storage.UseSSL,
		}, logger)
	default:
		return blob.NewFilesystem(c.StoragePath())
	}
}

// loadCatalog prefers a manifest stored alongside the artifacts and falls
// back to reading it from disk.
func loadCatalog(ctx context.Context, c *config.Config, blobs blob.Storage, logger *zap.Logger) (netboot.Catalog, error) {
	if c.Netboot.Manifest == "" {
		return netboot.DefaultCatalog(), nil
	}

	if key, err := blob.CleanKey(c.Netboot.Manifest); err == nil {
		catalog, err := netboot.FetchCatalog(ctx, blobs, key)
		switch {
		case err == nil:
			logger.Info("netboot manifest loaded", zap.String("key", key))
			return catalog, nil
		case !errors.Is(err, blob.ErrNotFound):
			return netboot.Catalog{}, err
		}
	}

	catalog, err := netboot.LoadCatalog(c.Netboot.Manifest)
	if err != nil {
		return netboot.Catalog{}, err
	}
	logger.Info("netboot manifest loaded", zap.String("path", c.Netboot.Manifest))
	return catalog, nil
}

func newTransport(c config.IPMIConfig, logger *zap.Logger) (ipmi.Transport, error) {
	switch c.Driver {
	case "ipmi":
		return ipmi.NewLANTransport(c.Binary, c.Channel, c.UserID, logger), nil
	case "redfish":
		return ipmi.NewRedfishTransport(c.Insecure, logger), nil
	case "noop":
		return ipmi.NewNoopTransport(logger), nil
	default:
		return nil, fmt.Errorf("unknown ipmi driver %q", c.Driver)
	}
}
