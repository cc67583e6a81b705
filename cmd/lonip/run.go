package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sambigeara/lonip/pkg/channel"
	"github.com/sambigeara/lonip/pkg/config"
	"github.com/sambigeara/lonip/pkg/failsafe"
	"github.com/sambigeara/lonip/pkg/lre"
	"github.com/sambigeara/lonip/pkg/metrics"
	"github.com/sambigeara/lonip/pkg/observability/logging"
	"github.com/sambigeara/lonip/pkg/scheduler"
	"github.com/sambigeara/lonip/pkg/transport"
	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/workspace"
)

var errReboot = errors.New("reboot requested")

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the channel master",
		Args:  cobra.NoArgs,
		Run:   runChannel,
	}
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func runChannel(cmd *cobra.Command, _ []string) {
	level, _ := cmd.Flags().GetString("log-level")
	logging.Init(level)
	defer zap.S().Sync() //nolint:errcheck

	logger := zap.S()
	logger.Infow("starting lonip...", "version", version)

	dir, _ := cmd.Flags().GetString("dir")
	dir, err := workspace.EnsureDir(dir)
	if err != nil {
		logger.Fatal(err)
	}

	ctx, stopFunc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopFunc()

	for {
		err := serve(ctx, dir)
		if errors.Is(err, errReboot) {
			logger.Infow("restarting channel master")
			continue
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal(err)
		}
		return
	}
}

// serve runs one channel master until ctx is done or a reboot is requested,
// in which case it returns errReboot.
func serve(parent context.Context, dir string) error {
	log := zap.S().Named("lonip")

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	entities, err := cfg.Entities()
	if err != nil {
		return err
	}

	local, err := bindAddr(cfg)
	if err != nil {
		return err
	}
	tr, err := listen(parent, local)
	if err != nil {
		return err
	}

	seed, err := cfg.Seed(tr.LocalAddr())
	if err != nil {
		_ = tr.Close()
		return err
	}

	fs, err := failsafe.NewOSFS(dir)
	if err != nil {
		_ = tr.Close()
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	web := newWebServer(cfg.MetricsAddr, reg)
	static := lre.NewStatic(entities)
	engine, err := channel.New(channel.Config{
		Transport:   tr,
		Routing:     static,
		Store:       failsafe.New(fs),
		Seed:        seed,
		Controller:  &controller{web: web, reboot: func() { cancel(errReboot) }},
		Metrics:     metrics.New(reg),
		Version:     version,
		StateFile:   workspace.StateFile(),
		MaxDatagram: cfg.Datagram(),
	})
	if err != nil {
		_ = tr.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return web.Run(gctx) })
	g.Go(func() error {
		reloadOnHangup(gctx, dir, static, engine)
		return nil
	})

	err = g.Wait()
	if errors.Is(context.Cause(ctx), errReboot) {
		return errReboot
	}
	if err != nil {
		log.Errorw("channel master exited", "err", err)
	}
	return err
}

// bindAddr is the configured local address, or the first usable interface
// address on the configured port.
func bindAddr(cfg *config.Config) (types.Endpoint, error) {
	local, err := cfg.Local()
	if err != nil {
		return types.Endpoint{}, err
	}
	if !local.IsZero() {
		return local, nil
	}
	ip, err := transport.LocalIPv4()
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("no localAddr configured: %w", err)
	}
	return types.EndpointFrom(netip.AddrPortFrom(ip, cfg.Port())), nil
}

// listen binds local, retrying under the request backoff until it succeeds
// or ctx is done.
func listen(ctx context.Context, local types.Endpoint) (*transport.UDP, error) {
	log := zap.S().Named("lonip")
	for n := 1; ; n++ {
		tr, err := transport.Listen(local)
		if err == nil {
			return tr, nil
		}
		wait := scheduler.Interval(n)
		log.Warnw("cannot bind channel socket, retrying", "local", local, "in", wait, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// reloadOnHangup re-reads the local entities from config.yaml on SIGHUP.
func reloadOnHangup(ctx context.Context, dir string, static *lre.Static, engine *channel.Engine) {
	log := zap.S().Named("lonip")
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		cfg, err := config.Load(dir)
		if err != nil {
			log.Warnw("reload failed, keeping current entities", "err", err)
			continue
		}
		entities, err := cfg.Entities()
		if err != nil {
			log.Warnw("reload failed, keeping current entities", "err", err)
			continue
		}
		static.SetEntities(entities)
		engine.LocalChanged()
		log.Infow("reloaded local entities", "count", len(entities))
	}
}

// controller carries out the configuration server's vendor control
// operations for this process.
type controller struct {
	web    *webServer
	reboot func()
}

var _ channel.Controller = (*controller)(nil)

func (c *controller) Reboot() error {
	c.reboot()
	return nil
}

func (c *controller) StartWebServer() error {
	return c.web.Start()
}

func (c *controller) StopWebServer() error {
	return c.web.Stop()
}
