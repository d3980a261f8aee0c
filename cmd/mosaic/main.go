package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mosaic/internal/api"
	"github.com/zsiec/mosaic/internal/certs"
	"github.com/zsiec/mosaic/internal/config"
	"github.com/zsiec/mosaic/internal/engine"
	"github.com/zsiec/mosaic/internal/events"
	"github.com/zsiec/mosaic/internal/ingest"
	srtingest "github.com/zsiec/mosaic/internal/ingest/srt"
	"github.com/zsiec/mosaic/internal/metrics"
	"github.com/zsiec/mosaic/internal/output"
	"github.com/zsiec/mosaic/internal/render"
	"github.com/zsiec/mosaic/internal/webrender"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "settings file (default: mosaic.yaml in . or /etc/mosaic)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mosaic: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "mosaic: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("mosaic exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.Level()
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.LoggerFormat {
	case "pretty":
		opts.AddSource = true
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	case "compact":
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	default:
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
}

type app struct {
	engine   *engine.Engine
	ring     *events.Ring
	mqtt     *events.MQTTEmitter
	registry *ingest.Registry
	caller   *srtingest.Caller
}

func run(ctx context.Context, cfg *config.Config) error {
	framerate, _ := cfg.Framerate()

	text, err := loadText(cfg.FontFile)
	if err != nil {
		return err
	}

	a := &app{ring: events.NewRing(512)}
	m := metrics.New()
	bus := events.NewBus(time.Now)
	bus.Subscribe(events.NewLogger(slog.Default()))
	bus.Subscribe(a.ring)

	if cfg.MQTTBroker != "" {
		a.mqtt = events.NewMQTTEmitter(events.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: fmt.Sprintf("mosaic-%d", os.Getpid()),
			Topic:    cfg.MQTTTopic,
		}, nil)
		if err := a.mqtt.Connect(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		bus.Subscribe(a.mqtt)
	}

	var rasterizer webrender.Rasterizer
	if cfg.WebRendererEndpoint != "" {
		rasterizer = &webrender.HTTPRasterizer{
			Endpoint: cfg.WebRendererEndpoint,
			Client:   &http.Client{Timeout: 30 * time.Second},
		}
	}
	web := webrender.NewCache(rasterizer, webrender.Options{
		Enabled: cfg.WebRendererEnable,
		GPU:     cfg.WebRendererGPUEnable,
	})

	a.engine = engine.New(engine.Config{
		Framerate:       framerate,
		Health:          cfg.Health(),
		VideoQueueDepth: cfg.QueueDepth,
		AudioQueueDepth: cfg.AudioQueueDepth,
		Device:          render.NewSoftwareDevice(render.SoftwareOptions{MaxDimension: cfg.MaxTextureDimension}),
		Text:            text,
		Web:             web,
		Bus:             bus,
		Metrics:         m,
	})
	defer a.engine.Close()

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(certs.Options{})
	if err != nil {
		return fmt.Errorf("generating certificate: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	g, ctx := errgroup.WithContext(ctx)

	// The registry and caller are built after the errgroup so pulls end with
	// it.
	a.registry = ingest.NewRegistry(a.engine, nil)
	a.caller = srtingest.NewCaller(a.registry, nil)
	srtSrv := srtingest.NewServer(cfg.SRTAddr, a.registry, nil)
	egress := output.NewListener(cfg.EgressAddr, a.engine.Relay, nil)

	apiCfg := api.Config{
		Addr:    cfg.APIAddr(),
		H3Addr:  cfg.H3Addr,
		Cert:    cert,
		Engine:  a.engine,
		Events:  a.ring,
		Metrics: m,
		Ingest:  a.registry.Stats,
		Pulls:   a.caller,
	}
	if a.mqtt != nil {
		apiCfg.MQTT = a.mqtt.Stats
	}
	apiSrv, err := api.New(apiCfg)
	if err != nil {
		return err
	}

	slog.Info("mosaic starting",
		"version", version,
		"api", cfg.APIAddr(),
		"h3", cfg.H3Addr,
		"srt", cfg.SRTAddr,
		"egress", cfg.EgressAddr,
		"framerate", framerate.String(),
		"cert_hash", cert.FingerprintBase64(),
	)

	if cfg.BootstrapFile != "" {
		b, err := config.LoadBootstrap(cfg.BootstrapFile)
		if err != nil {
			return err
		}
		if err := b.Apply(ctx, a.engine, nil); err != nil {
			return fmt.Errorf("bootstrap %s: %w", cfg.BootstrapFile, err)
		}
	}

	g.Go(func() error { return srtSrv.Start(ctx) })
	g.Go(func() error { return egress.Start(ctx) })
	g.Go(func() error { return apiSrv.Start(ctx) })
	if a.mqtt != nil {
		g.Go(func() error { return a.mqtt.Run(ctx) })
	}

	err = g.Wait()
	slog.Info("shutting down")
	if cerr := a.engine.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func loadText(fontFile string) (*render.TextRasterizer, error) {
	var ttf []byte
	if fontFile != "" {
		data, err := os.ReadFile(fontFile)
		if err != nil {
			return nil, fmt.Errorf("font_file: %w", err)
		}
		ttf = data
	}
	text, err := render.NewTextRasterizer(ttf)
	if err != nil {
		return nil, fmt.Errorf("font_file %s: %w", fontFile, err)
	}
	return text, nil
}
