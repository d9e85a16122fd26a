package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lorawan-server/poc-gateway/internal/api"
	"github.com/lorawan-server/poc-gateway/internal/artifact"
	"github.com/lorawan-server/poc-gateway/internal/beacon"
	"github.com/lorawan-server/poc-gateway/internal/config"
	"github.com/lorawan-server/poc-gateway/internal/engine"
	"github.com/lorawan-server/poc-gateway/internal/events"
	"github.com/lorawan-server/poc-gateway/internal/filter"
	"github.com/lorawan-server/poc-gateway/internal/gateway"
	"github.com/lorawan-server/poc-gateway/internal/integration"
	"github.com/lorawan-server/poc-gateway/internal/region"
	"github.com/lorawan-server/poc-gateway/internal/router"
	"github.com/lorawan-server/poc-gateway/internal/signer"
	"github.com/lorawan-server/poc-gateway/internal/storage"
)

const artifactTimeout = 30 * time.Second

func newRunCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setupLogging(cfg.Log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "/etc/gatewayd/gatewayd.toml", "configuration file (.toml or .yml)")
	return cmd
}

// loadSigner 按配置选择软件密钥或安全芯片
func loadSigner(cfg config.IdentityConfig) (signer.Signer, error) {
	switch cfg.Type {
	case "secure_element":
		return signer.DialSecureElement(cfg.DBusService, cfg.DBusPath, cfg.Timeout.Duration)
	default:
		return signer.LoadKeyFile(cfg.KeyFile)
	}
}

// run wires every component and blocks until ctx is done. Only startup
// failures are returned.
func run(ctx context.Context, cfg *config.Config) error {
	id, err := loadSigner(cfg.Identity)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	pk := id.PublicKey()
	gatewayID := pk.String()
	log.Info().Str("identity", gatewayID).Str("type", cfg.Identity.Type).Msg("gateway identity loaded")

	// 可选存储
	var store storage.Store
	if cfg.Storage.Driver != "" {
		s, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer s.Close()
		store = s
	}

	// 事件总线与外部 sink
	var sinks []events.Sink
	if store != nil {
		sinks = append(sinks, storage.EventSink{Store: store})
	}
	if cfg.Events.NATS.URL != "" {
		ns, err := integration.DialNATS(cfg.Events.NATS, gatewayID)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer ns.Close()
		sinks = append(sinks, ns)
	}
	if cfg.Events.MQTT.Broker != "" {
		ms, err := integration.DialMQTT(cfg.Events.MQTT, gatewayID)
		if err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer ms.Close()
		sinks = append(sinks, ms)
	}
	bus := events.NewBus(cfg.Events.Buffer, sinks...)

	// 区域与设备过滤器
	var regionSource artifact.Fetcher
	if cfg.Region.URL != "" {
		regionSource = artifact.NewHTTPSource(cfg.Region.URL, artifactTimeout)
	}
	regions, err := region.NewCache(cfg.Region.Override, regionSource)
	if err != nil {
		return fmt.Errorf("region: %w", err)
	}

	var filterSource artifact.Fetcher
	if cfg.Filter.URL != "" {
		filterSource = artifact.NewHTTPSource(cfg.Filter.URL, artifactTimeout)
	}
	devices := filter.New(filterSource)

	link, err := gateway.NewUDPPacketForwarder(gateway.ConfigFrom(cfg.Gateway))
	if err != nil {
		return fmt.Errorf("bind concentrator link: %w", err)
	}

	routerCfg := router.ConfigFrom(cfg.Router)
	routerCfg.Region = func() string {
		if p := regions.Current(); p != nil {
			return p.Region
		}
		return ""
	}
	session, err := router.NewSession(routerCfg, id, bus)
	if err != nil {
		return fmt.Errorf("router session: %w", err)
	}

	// 下行与信标共用同一占空比账本
	throttle := region.NewThrottle()

	proc := engine.NewProcessor(engine.ConfigFrom(cfg.Routing), engine.Deps{
		Link:     link,
		Router:   session,
		Filter:   devices,
		Regions:  regions,
		Throttle: throttle,
		Events:   bus,
	})

	var sched *beacon.Scheduler
	if cfg.Beacon.Enabled {
		deps := beacon.Deps{
			Link:     link,
			Regions:  regions,
			Throttle: throttle,
			Signer:   id,
			Events:   bus,
		}
		if store != nil {
			deps.Store = store
		}
		sched = beacon.New(beacon.ConfigFrom(cfg.Beacon), deps)
	}

	apiDeps := api.Deps{
		Identity: pk,
		Session:  session,
		Link:     link,
		Regions:  regions,
		Filter:   devices,
		Engine:   proc,
		Store:    store,
	}
	if sched != nil {
		apiDeps.Beacons = sched
	}
	srv := api.NewRESTServer(cfg.API, apiDeps)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return link.Run(gctx) })
	g.Go(func() error { return session.Run(gctx) })
	g.Go(func() error { return proc.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if regionSource != nil && !regions.Pinned() {
		r := &artifact.Refresher{Name: "region", Interval: cfg.Region.RefreshInterval.Duration, Refresh: regions.Refresh}
		g.Go(func() error { return r.Run(gctx) })
	}
	if filterSource != nil {
		r := &artifact.Refresher{Name: "filter", Interval: cfg.Filter.RefreshInterval.Duration, Refresh: devices.Sync}
		g.Go(func() error { return r.Run(gctx) })
	}
	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}

	log.Info().
		Str("udp", cfg.Gateway.UDPBind).
		Str("router", cfg.Router.URL).
		Str("api", cfg.API.Bind).
		Bool("beacon", cfg.Beacon.Enabled).
		Msg("gateway started")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("gateway stopped with error")
		return err
	}
	log.Info().Msg("gateway stopped")
	return nil
}
