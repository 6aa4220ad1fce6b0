package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neakasa/neakasa-go/internal/log"
	"github.com/neakasa/neakasa-go/internal/telemetry"
	"github.com/neakasa/neakasa-go/pkg/account"
	"github.com/neakasa/neakasa-go/pkg/bridge"
	"github.com/neakasa/neakasa-go/pkg/cli"
	"github.com/neakasa/neakasa-go/pkg/coordinator"
	"github.com/neakasa/neakasa-go/pkg/poller"
	"github.com/neakasa/neakasa-go/pkg/registry"
	"github.com/neakasa/neakasa-go/pkg/server"
)

const (
	appName         = "neakasa-bridge"
	shutdownTimeout = 10 * time.Second
)

const (
	EnvListen  = "NEAKASA_HTTP_LISTEN"
	EnvVerbose = "NEAKASA_VERBOSE"
)

const nonLocalhostWarning = `
Do not expose the status API on a network interface without configuring a token secret. Without
one, the command endpoints are disabled but device state is readable by anyone who can connect.`

type BridgeConfig struct {
	verbose bool
	listen  string
}

var (
	bridgeConfig = &BridgeConfig{}
)

func init() {
	flag.BoolVar(&bridgeConfig.verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&bridgeConfig.listen, "listen", "", "Status API `address` (host:port). Overrides server.listen.")
}

func Usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [OPTION...]\n", os.Args[0])
	fmt.Fprintf(out, "\nA daemon that polls Neakasa litter boxes and mirrors their state to MQTT, InfluxDB and a REST API")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, nonLocalhostWarning)
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	flag.PrintDefaults()
}

// readFromEnvironment applies configuration from environment variables.
// Values are not overwritten.
func readFromEnvironment() {
	if bridgeConfig.listen == "" {
		bridgeConfig.listen = os.Getenv(EnvListen)
	}
	if !bridgeConfig.verbose {
		if verbose, ok := os.LookupEnv(EnvVerbose); ok {
			bridgeConfig.verbose = verbose != "false" && verbose != "0"
		}
	}
}

// applyListen lets -listen enable or move the status API.
func applyListen(config *cli.Config) {
	if bridgeConfig.listen == "" {
		return
	}
	if config.File.Server == nil {
		config.File.Server = &cli.ServerConfig{}
	}
	config.File.Server.Listen = bridgeConfig.listen
}

// buildCoordinators creates one coordinator per configured device, retaining the account session
// of each.
func buildCoordinators(accounts []cli.AccountConfig, sessions *registry.Registry[*account.Account]) ([]*coordinator.Coordinator, error) {
	provider := coordinator.FromRegistry(sessions)
	var coordinators []*coordinator.Coordinator
	for _, a := range accounts {
		creds := a.Credentials()
		for _, d := range a.Devices {
			if err := sessions.Retain(creds); err != nil {
				return nil, err
			}
			coordinators = append(coordinators, coordinator.New(coordinator.Config{
				DeviceID:    d.ID,
				Name:        d.Name,
				Credentials: creds,
			}, provider))
		}
	}
	return coordinators, nil
}

func serve(ctx context.Context, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info("Listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Server stopped: %s", err)
	}
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %s\n", err)
		return
	}
	flag.Usage = Usage
	config.RegisterCommandLineFlags()
	flag.Parse()
	readFromEnvironment()
	config.ReadFromEnvironment()
	if err := config.LoadFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %s\n", err)
		return
	}
	applyListen(config)
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return
	}

	log.SetLevel(config.Level())
	if bridgeConfig.verbose {
		log.SetLevel(log.LevelDebug)
	}

	accounts, err := config.Accounts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading credentials: %s\n", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions := registry.New(account.Dialer(config.AccountOptions(appName)...))
	defer sessions.Close()
	coordinators, err := buildCoordinators(accounts, sessions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return
	}
	defer func() {
		for _, c := range coordinators {
			sessions.Release(c.Credentials())
		}
	}()

	devices := make([]poller.Device, 0, len(coordinators))
	bridgeDevices := make([]bridge.Device, 0, len(coordinators))
	serverDevices := make([]server.Device, 0, len(coordinators))
	for _, c := range coordinators {
		devices = append(devices, c)
		bridgeDevices = append(bridgeDevices, c)
		serverDevices = append(serverDevices, c)
	}
	p := poller.New(devices)
	p.Interval = config.File.PollInterval

	if mqttConfig := config.File.MQTT; mqttConfig != nil {
		client, err := bridge.Dial(*mqttConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			return
		}
		defer client.Close()
		b := bridge.New(client, bridge.Topics{Prefix: mqttConfig.Prefix}, bridgeDevices...)
		if err := b.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			return
		}
		p.AddSink(b)
	}

	if influxConfig := config.File.InfluxDB; influxConfig != nil {
		sink, err := telemetry.Connect(ctx, *influxConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			return
		}
		defer sink.Close()
		p.AddSink(sink)
	}

	if serverConfig := config.File.Server; serverConfig != nil {
		if serverConfig.TokenSecret == "" {
			log.Warning(nonLocalhostWarning)
		}
		go serve(ctx, serverConfig.Listen, server.New([]byte(serverConfig.TokenSecret), serverDevices...))
	}

	log.Info("Polling %d device(s) every %s", len(coordinators), p.Interval)
	p.Run(ctx)
	log.Info("Shutting down")
	status = 0
}
