package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"github.com/alepar/aranet/alert"
	"github.com/alepar/aranet/aranet"
	"github.com/alepar/aranet/aranet/aranet4"
	"github.com/alepar/aranet/aranet/bluez"
	"github.com/alepar/aranet/aranet/hci"
	"github.com/alepar/aranet/aranet/pin"
	"github.com/alepar/aranet/config"
	"github.com/alepar/aranet/metrics"
	"github.com/alepar/aranet/poller"
	"github.com/alepar/aranet/report"
	"github.com/alepar/aranet/supervisor"
)

// CLI args, override the environment when set
var (
	listenAddr  = flag.String("listen-address", "", "The address to listen on for HTTP requests (default $METRICS_ADDR or :8080).")
	logLevel    = flag.String("log-level", "", "log level (default $LOG_LEVEL or info)")
	backend     = flag.String("backend", "", "BLE backend: hci or bluez (default $BLE_BACKEND or hci)")
	readTimeout = flag.Duration("read-timeout", 0, "deadline for one reading attempt (default $READ_TIMEOUT or 60s)")
	once        = flag.Bool("once", false, "take a single reading and exit")
	showVersion = flag.Bool("version", false, "print version information and exit")
)

const shutdownGrace = time.Second

func init() {
	//logging
	formatter := &log.TextFormatter{
		FullTimestamp: true,
	}
	log.SetFormatter(formatter)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Print("aranet4-reporter"))
		return
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("invalid configuration: %s", err)
	}
	if err := applyFlags(&cfg); err != nil {
		log.Fatalf("invalid flags: %s", err)
	}
	log.SetLevel(cfg.LogLevel)
	log.Infof("starting aranet4-reporter %s for device %s (backend %s)", version.Info(), cfg.DeviceID, cfg.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, resetter, cleanup, err := openAdapter(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open ble: %s", err)
	}

	// otelhttp's client metrics end up on /metrics next to ours
	meters, err := metrics.NewMeterProvider(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("failed to set up otel metrics: %s", err)
	}
	otel.SetMeterProvider(meters)

	reporter, mq := buildReporter(ctx, cfg)

	var mailer alert.Mailer = alert.LogMailer{}
	if cfg.SendGridAPIKey != "" {
		mailer = alert.NewSendGrid(cfg.SendGridAPIKey)
	} else {
		log.Warn("SENDGRID_API_KEY not set, alerts will only be logged")
	}
	alerter := alert.New(mailer, cfg.DeviceID, cfg.EmailTo, cfg.EmailFrom, cfg.AlertMinInterval)
	if cfg.TestEmail {
		if err := alerter.SelfTest(ctx); err != nil {
			log.Errorf("test email failed: %s", err)
		} else {
			log.Infof("test email sent to %s", cfg.EmailTo)
		}
	}

	if cfg.MetricsAddr != "" {
		go func() {
			// Expose the registered metrics via HTTP; polling goes on without it.
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Errorf("metrics unavailable: %s", err)
			}
		}()
	}

	reader := aranet4.NewReader(adapter, cfg.DeviceNameFilter, cfg.SettleDelay)
	if resetter != nil {
		reader.Watcher.Recover = resetter.Reset
	}
	p := &poller.Poller{
		Supervisor:         supervisor.New(reader),
		Reporter:           reporter,
		Alerter:            alerter,
		DeviceID:           cfg.DeviceID,
		PollingInterval:    cfg.PollingInterval,
		TickInterval:       cfg.TickInterval,
		ReadTimeout:        cfg.ReadTimeout,
		ResetAfterFailures: cfg.ResetAfterFailures,
	}
	if resetter != nil {
		p.Resetter = resetter
	}

	exitCode := 0
	if *once {
		if err := p.Once(ctx); err != nil {
			exitCode = 1
		}
	} else {
		_ = p.Run(ctx)
		log.Info("shutting down")
	}

	shutdown(cleanup, mq)
	if err := meters.Shutdown(context.Background()); err != nil {
		log.Warnf("otel shutdown: %s", err)
	}
	os.Exit(exitCode)
}

func applyFlags(cfg *config.Config) error {
	if flag.CommandLine.Changed("listen-address") {
		cfg.MetricsAddr = *listenAddr
	}
	if flag.CommandLine.Changed("log-level") {
		lvl, err := config.ParseLogLevel(*logLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = lvl
	}
	if flag.CommandLine.Changed("backend") {
		switch *backend {
		case config.BackendHCI, config.BackendBlueZ:
			cfg.Backend = *backend
		default:
			return fmt.Errorf("invalid --backend %q (allowed: hci, bluez)", *backend)
		}
	}
	if flag.CommandLine.Changed("read-timeout") {
		if *readTimeout <= 0 {
			return fmt.Errorf("--read-timeout must be positive, got %s", *readTimeout)
		}
		cfg.ReadTimeout = *readTimeout
	}
	return nil
}

// openAdapter returns the configured backend, a resetter when the backend can
// be reset, and a cleanup func releasing everything it opened.
func openAdapter(ctx context.Context, cfg config.Config) (aranet.Adapter, *hci.Adapter, func(), error) {
	switch cfg.Backend {
	case config.BackendBlueZ:
		var pins aranet.PINSource
		var prompt *pin.Prompt
		if cfg.PairingPIN != nil {
			pins = pin.Static(*cfg.PairingPIN)
		} else {
			prompt = pin.NewPrompt(os.Stdin, os.Stdout)
			pins = prompt
		}
		a, err := bluez.Open(cfg.BLEDevice, pins)
		if err != nil {
			return nil, nil, nil, err
		}
		return a, nil, func() {
			a.Close()
			if prompt != nil {
				_ = prompt.Close()
			}
		}, nil
	default:
		id, err := cfg.HCIDeviceID()
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.PairingPIN != nil {
			log.Warn("PAIRING_PIN is ignored by the hci backend, pair the sensor with bluetoothctl first")
		}
		a, err := hci.Open(ctx, id)
		if err != nil {
			return nil, nil, nil, err
		}
		return a, a, a.Close, nil
	}
}

func buildReporter(ctx context.Context, cfg config.Config) (report.Reporter, *report.MQTT) {
	httpReporter := report.NewHTTP(cfg.APIEndpoint, cfg.APIKey)
	if cfg.MQTTBroker == "" {
		return httpReporter, nil
	}

	mq := report.NewMQTT(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopicPrefix)
	go func() {
		if err := mq.Connect(ctx); err != nil {
			log.Warnf("mqtt: %s", err)
		}
	}()
	return report.Multi{httpReporter, mq}, mq
}

// shutdown releases the adapter, forcing the exit if the BLE stack hangs.
func shutdown(cleanup func(), mq *report.MQTT) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		cleanup()
		if mq != nil {
			mq.Disconnect()
		}
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warnf("cleanup did not finish within %s, exiting", shutdownGrace)
		os.Exit(1)
	}
}
