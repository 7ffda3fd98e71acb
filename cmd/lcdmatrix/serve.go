package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"lcdmatrix/internal/command"
	"lcdmatrix/internal/config"
	"lcdmatrix/internal/discovery"
	"lcdmatrix/internal/lcd"
	"lcdmatrix/internal/listener"
	appLog "lcdmatrix/internal/log"
	"lcdmatrix/internal/matrix"
	"lcdmatrix/internal/metrics"
	"lcdmatrix/internal/model"
	"lcdmatrix/internal/schedule"
	"lcdmatrix/internal/web"
)

// serveFlags holds CLI overrides applied on top of the config file.
type serveFlags struct {
	configPath string
	listen     string
	httpListen string
	dryRun     bool
}

func serveCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Drive the displays and accept commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().StringVar(&flags.listen, "listen", "", "Command listen address (overrides config if set)")
	cmd.Flags().StringVar(&flags.httpListen, "http-listen", "", "HTTP listen address (overrides config if set)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Use in-memory displays; do not touch the I2C bus")
	return cmd
}

func runServe(parent context.Context, flags serveFlags) error {
	appLog.Info("lcdmatrix starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return err
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.httpListen != "" {
		conf.HTTP.Listen = flags.httpListen
	}
	if flags.dryRun {
		conf.Driver = config.DriverMock
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", flags.configPath, err)
	}
	level, _ := appLog.ParseLevel(conf.LogLevel)
	appLog.SetLevel(level)

	appLog.Info("effective config",
		"listen", conf.Listen,
		"http_listen", conf.HTTP.Listen,
		"driver", conf.Driver,
		"bus", conf.Bus,
		"displays", len(conf.Displays),
		"schedules", len(conf.Schedules),
		"mdns", conf.MDNS.Enabled,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := newApp(conf)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		a.shutdown()
		return err
	}

	<-ctx.Done()
	a.shutdown()
	appLog.Info("lcdmatrix exiting")
	return nil
}

// app is one running receiver: the matrix plus every input feeding it.
type app struct {
	conf     *config.Config
	opener   lcd.Opener
	closer   func() error
	registry *prometheus.Registry
	metrics  *metrics.Collector

	matrix     *matrix.Matrix
	router     *command.Router
	listener   *listener.Server
	web        *web.Server
	scheduler  *schedule.Scheduler
	advertiser *discovery.Advertiser

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newApp(conf *config.Config) (*app, error) {
	a := &app{conf: conf, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	switch conf.Driver {
	case config.DriverMock:
		a.opener = lcd.NewMemory()
		appLog.Info("using in-memory displays")
	default:
		bus, err := lcd.OpenI2C(conf.Bus)
		if err != nil {
			return nil, fmt.Errorf("open i2c bus %q: %w", conf.Bus, err)
		}
		a.opener = bus
		a.closer = bus.Close
	}

	mx, err := matrix.New(a.opener, conf.Entries(), matrix.Options{
		StopTimeout:     conf.StopTimeout,
		Observer:        a.metrics,
		DisplayObserver: a.metrics,
	})
	if err != nil {
		a.closeBus()
		return nil, err
	}
	a.matrix = mx
	a.router = command.NewRouter(mx, a.metrics)

	a.listener, err = listener.New(listener.Config{
		Address:        conf.Listen,
		MaxMessageSize: conf.MaxMessageSize,
		IdleTimeout:    conf.IdleTimeout,
		Handler:        a.router,
		OnConnect:      a.metrics.ConnOpened,
		OnDisconnect:   a.metrics.ConnClosed,
	})
	if err != nil {
		a.powerOff()
		return nil, err
	}

	if len(conf.Schedules) > 0 {
		a.scheduler, err = schedule.New(conf.Schedules, a.router, schedule.WithFired(a.metrics.ScheduleFired))
		if err != nil {
			a.powerOff()
			return nil, err
		}
	}

	if conf.HTTP.Listen != "" {
		a.web = web.NewServer(conf.HTTP, conf.MaxMessageSize, mx, a.router, a.registry)
	}
	if conf.MDNS.Enabled {
		a.advertiser = discovery.NewAdvertiser(conf.MDNS.Interface, 0)
	}
	return a, nil
}

func (a *app) start(ctx context.Context) error {
	if err := a.listener.Start(ctx); err != nil {
		return err
	}
	listen := a.listenAddr()

	if a.conf.AnnounceEnabled() {
		a.matrix.DisplayOnNext(model.Text("Receiver Ready", discovery.DisplayAddr(listen, a.conf.MDNS.Interface)), "service")
	}

	if a.web != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.web.Start(ctx); err != nil {
				appLog.Error("HTTP server failed", err, "listen", a.conf.HTTP.Listen)
			}
		}()
	}

	if a.scheduler != nil {
		a.scheduler.Start()
	}

	if a.advertiser != nil {
		port := 0
		if tcp, ok := a.listener.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
		err := a.advertiser.Advertise(discovery.Info{
			Instance: a.conf.MDNS.Instance,
			Port:     port,
			Version:  version,
			Displays: len(a.matrix.Units()),
		})
		if err != nil {
			// The receiver still works when multicast is unavailable.
			appLog.Warn("mdns advertisement failed", "error", err)
		}
	}
	return nil
}

// listenAddr is the bound command address, or the configured one before
// the listener has started.
func (a *app) listenAddr() string {
	if addr := a.listener.Addr(); addr != nil {
		return addr.String()
	}
	return a.conf.Listen
}

// shutdown stops every input first so nothing reaches the matrix while its
// displays power off.
func (a *app) shutdown() {
	a.stopOnce.Do(func() {
		if a.advertiser != nil {
			a.advertiser.Stop()
		}
		if a.scheduler != nil {
			a.scheduler.Stop()
		}
		if err := a.listener.Stop(); err != nil {
			appLog.Error("failed to stop command listener", err)
		}
		a.wg.Wait()
		a.powerOff()
	})
}

func (a *app) powerOff() {
	if err := a.matrix.Exit(); err != nil {
		appLog.Error("failed to power off displays", err)
	}
	a.closeBus()
}

func (a *app) closeBus() {
	if a.closer == nil {
		return
	}
	if err := a.closer(); err != nil {
		appLog.Error("failed to close i2c bus", err)
	}
	a.closer = nil
}
