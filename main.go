package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradegate/config"
	"tradegate/gateway"
	"tradegate/internal/metrics"
	"tradegate/internal/stream"
	"tradegate/logger"
	"tradegate/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": cfg.Env(),
	}).Info("starting tradegate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init()
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
		// Counters are summed and sent to CloudWatch in interval batches;
		// gauges stay in Prometheus.
		go logger.RunCounterFlush(ctx)
		id := metrics.RegisterMetricHandler(func(m metrics.Metric) {
			v, ok := m.Float()
			if !ok || m.Type != "counter" {
				return
			}
			dims := make(map[string]string)
			for k, f := range m.Fields {
				if s, ok := f.(string); ok {
					dims[k] = s
				}
			}
			logger.AddCounter(ctx, m.Component, m.Name, v, dims)
		})
		defer metrics.UnregisterMetricHandler(id)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}
	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Listen, log); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	gw, err := gateway.New(cfg, gateway.WithLogger(log))
	if err != nil {
		log.WithError(err).Error("failed to create gateway")
		os.Exit(1)
	}

	gw.OnStreamStateChange(func(c stream.StateChange) {
		entry := log.WithComponent("main").WithFields(logger.Fields{
			"stream": c.Stream,
			"from":   c.From.String(),
			"to":     c.To.String(),
		})
		if c.Err != nil {
			entry = entry.WithError(c.Err)
		}
		entry.Info("stream state changed")
	})
	gw.OnOrderUpdate(func(o models.Order) {
		log.WithComponent("main").WithFields(logger.Fields{
			"client_order_id": o.ClientOrderID,
			"symbol":          o.Symbol,
			"status":          o.Status.String(),
			"executed":        o.ExecutedQty.String(),
		}).Info("order updated")
	})

	for _, symbol := range cfg.Exchange.Symbols {
		topic := stream.TradeTopic(symbol)
		err := gw.Subscribe(topic, func(msg models.StreamMessage) {
			ev, err := models.DecodeTrade(msg.Data)
			if err != nil {
				return
			}
			log.WithComponent("main").WithFields(logger.Fields{
				"symbol": ev.Symbol,
				"price":  ev.Price.String(),
			}).Debug("trade")
		})
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"topic": topic}).Warn("failed to subscribe")
		}
	}

	if err := gw.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start gateway")
		os.Exit(1)
	}

	if acct, err := gw.GetAccount(ctx); err != nil {
		log.WithError(err).Warn("failed to load account")
	} else {
		log.WithFields(logger.Fields{
			"balances":  len(acct.Balances),
			"can_trade": acct.CanTrade,
			"paper":     acct.Paper,
		}).Info("account loaded")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	done := make(chan struct{})
	go func() {
		gw.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}
	cancel()

	log.Info("tradegate stopped")
}
