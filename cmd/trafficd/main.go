// v3
// cmd/trafficd/main.go
//
// trafficd is the adaptive signal controller for one intersection:
// camera telemetry in, signal phases and events out.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/analysis"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/api"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/config"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/emergency"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/events"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/logging"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/metrics"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/scheduler"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/telemetry"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/timing"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	lg, logFile := logging.New(cfg.LogDir, "trafficd.log")
	defer logFile.Close()
	lg.Info("trafficd starting", "intersection", cfg.Intersection.ID, "bind", cfg.HTTPBind, "telemetry", cfg.TelemetrySource)

	met := metrics.New()

	caps, err := analysis.NewCapacities(cfg.Capacities, cfg.CapacityMin, cfg.CapacityMax)
	if err != nil {
		lg.Error("capacity calibration invalid", "error", err)
		os.Exit(1)
	}
	analyzer := analysis.NewAnalyzer(caps, cfg.StalenessWindow)
	health := analysis.NewHealth(cfg.Intersection.Directions, cfg.StaleStrikes, cfg.DropoutTimeout)

	journal, err := events.NewJournal(cfg.JournalPath, lg)
	if err != nil {
		lg.Error("event journal open failed", "path", cfg.JournalPath, "error", err)
		os.Exit(1)
	}
	defer journal.Close()
	sinks := []events.Recorder{journal}
	var publisher *events.KafkaRecorder
	if cfg.EventsTopic != "" && len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaRecorder(cfg.KafkaBrokers, cfg.EventsTopic, lg)
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}
	recorder := events.NewMulti(lg, sinks...)

	coord := emergency.NewCoordinator(emergency.Config{
		ConfidenceThreshold: cfg.EmergencyConfidence,
		OverrideDuration:    cfg.EmergencyGreen,
		ClearBuffer:         cfg.ClearBuffer,
	}, lg.With("component", "emergency"))

	var ingestor *telemetry.Ingestor
	sched := scheduler.New(scheduler.Options{
		Intersection:  cfg.Intersection,
		Calculator:    timing.NewCalculator(lg.With("component", "timing")),
		Coordinator:   coord,
		Analyzer:      analyzer,
		Health:        health,
		Recorder:      recorder,
		Metrics:       met,
		AlertCooldown: cfg.AlertCooldown,
		Tick:          cfg.TickInterval,
		OnReconfigure: func(ix model.Intersection) {
			if ingestor != nil {
				ingestor.Reset(ix.Directions)
			}
		},
	}, lg.With("component", "scheduler"))
	ingestor = telemetry.NewIngestor(cfg.Intersection.Directions, sched, met, lg.With("component", "ingest"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	switch cfg.TelemetrySource {
	case "kafka":
		source, err := telemetry.NewKafkaSource(cfg.KafkaBrokers, cfg.TelemetryTopic, cfg.Intersection.Directions, ingestor, lg)
		if err != nil {
			lg.Error("kafka telemetry setup failed", "error", err)
			os.Exit(1)
		}
		defer source.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			source.Run(ctx)
		}()
	case "mqtt":
		source, err := telemetry.NewMQTTSource(cfg.MQTTBroker, "trafficd-"+cfg.Intersection.ID, cfg.MQTTTopicPrefix, cfg.Intersection.Directions, ingestor, lg)
		if err != nil {
			lg.Error("mqtt telemetry setup failed", "error", err)
			os.Exit(1)
		}
		defer source.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			source.Run(ctx)
		}()
	case "none":
		lg.Warn("no telemetry source configured; samples only via in-process ingest")
	}

	reload := func() error {
		ix, err := cfg.ReloadProperties()
		if err != nil {
			return err
		}
		if err := caps.Replace(cfg.Capacities, cfg.CapacityMin, cfg.CapacityMax); err != nil {
			return err
		}
		return sched.Reconfigure(ix)
	}
	server := api.NewServer(sched, caps, met, reload, lg.With("component", "api"))
	httpSrv := &http.Server{Addr: cfg.HTTPBind, Handler: server.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		lg.Info("http listening", "bind", cfg.HTTPBind)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	lg.Info("shutdown requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("http shutdown", "error", err)
	}
	wg.Wait()
	lg.Info("trafficd stopped")
}
