package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/proxybridge/proxybridge-srv/config"
	"github.com/codefionn/proxybridge/proxybridge-srv/logger"
	"github.com/codefionn/proxybridge/proxybridge-srv/proxy"
	"github.com/codefionn/proxybridge/proxybridge-srv/stats"
)

var version string

func main() {
	cfg, configPath := parseFlagsAndConfig()
	runProxy(cfg, configPath)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (.json, .hcl, .toml, .yaml)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	logLevel := flag.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("proxybridge version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if *logLevel != "" {
		logger.SetLevel(logger.GetLevelFromString(*logLevel))
	}
	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting proxybridge")
	logger.Debug("Using configuration file: %s", *configPathPtr)

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	logger.Debug("Configuration loaded successfully")
	logger.Debug("Listen address: %s", cfg.ListenAddress)
	for i, up := range cfg.Chain() {
		logger.Debug("Upstream level %d: %s", i, up)
	}
	logger.Debug("Client timeout: %d seconds, upstream timeout: %d seconds", cfg.ClientTimeoutSeconds, cfg.UpstreamTimeoutSeconds)
	logger.Debug("Max connections: %d", cfg.MaxConcurrentConnections)

	return cfg, *configPathPtr
}

// instance is one running server together with its statistics backend.
type instance struct {
	server    *proxy.Server
	collector stats.Collector
	metrics   *stats.MetricsServer
	done      chan struct{}
}

func startInstance(cfg *config.Config) *instance {
	collector, err := stats.CreateCollector(&cfg.Statistics)
	if err != nil {
		logger.Error("Failed to create stats collector: %v (statistics disabled)", err)
		collector = stats.NewDummyCollector()
	}

	metrics, err := stats.StartMetricsServer(cfg.Statistics.MetricsAddress, collector)
	if err != nil {
		logger.Error("Failed to start metrics endpoint: %v", err)
	}

	server, err := proxy.NewServer(cfg, collector)
	if err != nil {
		logger.Fatal("Failed to create proxy server: %v", err)
	}

	inst := &instance{
		server:    server,
		collector: collector,
		metrics:   metrics,
		done:      make(chan struct{}),
	}
	go func() {
		defer close(inst.done)
		logger.Info("Starting proxy server...")
		if err := server.Start(); err != nil {
			logger.Fatal("Proxy server error: %v", err)
		}
	}()
	return inst
}

// stop waits for every connection to finish and releases the statistics backend.
func (inst *instance) stop() {
	if err := inst.server.Stop(); err != nil {
		logger.Error("Error stopping proxy server: %v", err)
	}
	<-inst.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if overview, err := inst.collector.GetOverviewStats(ctx); err == nil {
		logger.Info("Served %d connections (%d requests, %d errors, %d upstream failures, %d bytes in, %d bytes out)",
			overview.TotalConnections, overview.TotalRequests, overview.TotalErrors,
			overview.UpstreamFailures, overview.TotalBytesIn, overview.TotalBytesOut)
	}

	if inst.metrics != nil {
		if err := inst.metrics.Shutdown(ctx); err != nil {
			logger.Error("Error stopping metrics endpoint: %v", err)
		}
	}
	if err := inst.collector.Close(); err != nil {
		logger.Error("Error closing stats collector: %v", err)
	}
}

// runProxy starts and manages the proxy server, including signal handling and reloads.
func runProxy(cfg *config.Config, configPath string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	closeChan := make(chan struct{})
	go watchConsole(os.Stdin, closeChan)

	current := startInstance(cfg)
	currentCfg := cfg

	for {
		select {
		case <-closeChan:
			logger.Info("Received close command, shutting down proxy server...")
			current.stop()
			logger.Info("Proxy server shutdown complete")
			return
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				newCfg, err := config.LoadConfig(configPath)
				if err != nil {
					logger.Error("Failed to reload config: %v (keeping current config)", err)
					continue
				}
				if !config.HasChanged(currentCfg, newCfg) {
					logger.Info("Config unchanged after reload; not restarting proxy.")
					continue
				}
				logger.Info("Config changed. Restarting proxy...")
				current.stop()
				current = startInstance(newCfg)
				currentCfg = newCfg
				logger.Info("Proxy restarted with new configuration.")
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down proxy server...", sig)
				current.stop()
				logger.Info("Proxy server shutdown complete")
				return
			}
		}
	}
}

// watchConsole signals closeChan once a line reading "close" arrives on r.
func watchConsole(r io.Reader, closeChan chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if strings.EqualFold(strings.TrimSpace(scanner.Text()), "close") {
			close(closeChan)
			return
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
