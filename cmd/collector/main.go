package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/EagleD3v/slither-bot/collector"
	"github.com/EagleD3v/slither-bot/collector/directory"
	"github.com/EagleD3v/slither-bot/collector/geo"
	"github.com/EagleD3v/slither-bot/collector/proxypool"
	"github.com/EagleD3v/slither-bot/pkg/webapi"
	"github.com/couchbase/gocbcorex/contrib/buildversion"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var buildVersion string = buildversion.GetVersion("github.com/EagleD3v/slither-bot")

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "slither-collector",
	Short: "Collects live leaderboard and minimap stats from slither.io servers",

	Run: func(cmd *cobra.Command, args []string) {
		if autoRestart && !autoRestartProc {
			startCollectorWatchdog()
			return
		}

		startCollector()
	},
}

var cfgFile string
var watchCfgFile bool
var autoRestart bool
var autoRestartProc bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")
	rootCmd.Flags().BoolVar(&autoRestart, "auto-restart", false, "in auto-restart mode, we run in a child process to auto-restart on failure")
	rootCmd.Flags().BoolVar(&autoRestartProc, "auto-restart-proc", false, "in auto-restart mode, indicates we are the child process")
	_ = rootCmd.Flags().MarkHidden("auto-restart-proc")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("web-port", 9091, "the web metrics/health port")
	configFlags.Duration("refresh-interval", collector.DefaultRefreshInterval, "how often every server is collected")
	configFlags.Duration("session-timeout", 15*time.Second, "how long a single server session may take")
	configFlags.Int("proxy-attempts", collector.DefaultProxyAttempts, "proxies tried per server before giving up")
	configFlags.String("proxies-file", "proxies.txt", "file listing one proxy per line")
	configFlags.String("proxies-aws-id", "", "id of secret in aws sm storing the proxy list")
	configFlags.String("proxies-aws-region", "", "region of proxies-aws-id secret")
	configFlags.String("proxies-azure-id", "", "id of secret in azure kv storing the proxy list")
	configFlags.String("proxies-azure-vault-name", "", "name of key vault storing proxies-azure-id")
	configFlags.String("proxies-gcp-id", "", "id of secret in gcp sm storing the proxy list")
	configFlags.String("proxies-gcp-project-id", "", "id of project containing proxies-gcp-id")
	configFlags.String("directory-url", directory.DefaultFeedURL, "the server directory feed")
	configFlags.String("servers-file", "servers.json", "seed server list used when the feed is unavailable")
	configFlags.String("geoip-db", "", "path to a maxmind city database for server locations")
	configFlags.Bool("test-mode", false, "only collect the first server of each cycle")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of all components")
	configFlags.String("cpuprofile", "", "write cpu profile to a file")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("slc")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
	enableTraces bool,
	enableMetrics bool,
	traceEverything bool,
) (
	*sdktrace.TracerProvider,
	*sdkmetric.MeterProvider,
	error,
) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("slither-collector"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	meterOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	}
	if enableMetrics && otlpEndpoint != "" {
		metricExp, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(otlpEndpoint))
		if err != nil {
			return nil, nil, err
		}

		meterOpts = append(meterOpts,
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	}
	meterProvider := sdkmetric.NewMeterProvider(meterOpts...)

	var tracerProvider *sdktrace.TracerProvider
	if enableTraces && otlpEndpoint != "" {
		traceClient := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(otlpEndpoint))
		traceExp, err := otlptrace.New(ctx, traceClient)
		if err != nil {
			return nil, nil, err
		}

		baseTracing := sdktrace.NeverSample()
		if traceEverything {
			baseTracing = sdktrace.AlwaysSample()
		}

		bsp := sdktrace.NewBatchSpanProcessor(traceExp)
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(baseTracing)),
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(bsp),
		)
	}

	return tracerProvider, meterProvider, nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

type config struct {
	logLevelStr           string
	bindAddress           string
	webPort               int
	refreshInterval       time.Duration
	sessionTimeout        time.Duration
	proxyAttempts         int
	proxiesFile           string
	proxiesAwsId          string
	proxiesAwsRegion      string
	proxiesAzureId        string
	proxiesAzureVaultName string
	proxiesGcpId          string
	proxiesGcpProjectId   string
	directoryURL          string
	serversFile           string
	geoipDb               string
	testMode              bool
	otlpEndpoint          string
	disableOtlpTraces     bool
	disableOtlpMetrics    bool
	traceEverything       bool
	cpuprofile            string
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:           viper.GetString("log-level"),
		bindAddress:           viper.GetString("bind-address"),
		webPort:               viper.GetInt("web-port"),
		refreshInterval:       viper.GetDuration("refresh-interval"),
		sessionTimeout:        viper.GetDuration("session-timeout"),
		proxyAttempts:         viper.GetInt("proxy-attempts"),
		proxiesFile:           viper.GetString("proxies-file"),
		proxiesAwsId:          viper.GetString("proxies-aws-id"),
		proxiesAwsRegion:      viper.GetString("proxies-aws-region"),
		proxiesAzureId:        viper.GetString("proxies-azure-id"),
		proxiesAzureVaultName: viper.GetString("proxies-azure-vault-name"),
		proxiesGcpId:          viper.GetString("proxies-gcp-id"),
		proxiesGcpProjectId:   viper.GetString("proxies-gcp-project-id"),
		directoryURL:          viper.GetString("directory-url"),
		serversFile:           viper.GetString("servers-file"),
		geoipDb:               viper.GetString("geoip-db"),
		testMode:              viper.GetBool("test-mode"),
		otlpEndpoint:          viper.GetString("otlp-endpoint"),
		disableOtlpTraces:     viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics:    viper.GetBool("disable-otlp-metrics"),
		traceEverything:       viper.GetBool("trace-everything"),
		cpuprofile:            viper.GetString("cpuprofile"),
	}

	logger.Info("parsed collector configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("webPort", config.webPort),
		zap.Duration("refreshInterval", config.refreshInterval),
		zap.Duration("sessionTimeout", config.sessionTimeout),
		zap.Int("proxyAttempts", config.proxyAttempts),
		zap.String("proxiesFile", config.proxiesFile),
		zap.String("proxiesAwsId", config.proxiesAwsId),
		zap.String("proxiesAwsRegion", config.proxiesAwsRegion),
		zap.String("proxiesAzureId", config.proxiesAzureId),
		zap.String("proxiesAzureVaultName", config.proxiesAzureVaultName),
		zap.String("proxiesGcpId", config.proxiesGcpId),
		zap.String("proxiesGcpProjectId", config.proxiesGcpProjectId),
		zap.String("directoryURL", config.directoryURL),
		zap.String("serversFile", config.serversFile),
		zap.String("geoipDb", config.geoipDb),
		zap.Bool("testMode", config.testMode),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything),
		zap.String("cpuprofile", config.cpuprofile))

	return config
}

func (c *config) collectorConfig() collector.Config {
	return collector.Config{
		RefreshInterval: c.refreshInterval,
		SessionTimeout:  c.sessionTimeout,
		ProxyAttempts:   c.proxyAttempts,
		TestMode:        c.testMode,
	}
}

// proxySource picks where the proxy list is read from.  At most one cloud
// secret may be configured, otherwise the local file is used.
func (c *config) proxySource(logger *zap.Logger) proxypool.Source {
	configured := 0
	for _, id := range []string{c.proxiesAwsId, c.proxiesAzureId, c.proxiesGcpId} {
		if id != "" {
			configured++
		}
	}
	if configured > 1 {
		logger.Error("only one of proxies-aws-id, proxies-azure-id or proxies-gcp-id may be specified")
		os.Exit(1)
	}

	if c.proxiesAwsId != "" {
		if c.proxiesAwsRegion == "" {
			logger.Error("must specify region and id when fetching proxies from aws")
			os.Exit(1)
		}

		logger.Info("reading proxies from aws secrets manager")
		return proxypool.AWSSecretSource{SecretID: c.proxiesAwsId, Region: c.proxiesAwsRegion}
	}

	if c.proxiesAzureId != "" {
		if c.proxiesAzureVaultName == "" {
			logger.Error("must specify key vault name and id when fetching proxies from azure")
			os.Exit(1)
		}

		logger.Info("reading proxies from azure key vault")
		return proxypool.AzureSecretSource{SecretID: c.proxiesAzureId, VaultName: c.proxiesAzureVaultName}
	}

	if c.proxiesGcpId != "" {
		if c.proxiesGcpProjectId == "" {
			logger.Error("must specify project and secret ids when fetching proxies from gcp")
			os.Exit(1)
		}

		logger.Info("reading proxies from gcp secrets manager")
		return proxypool.GcpSecretSource{SecretID: c.proxiesGcpId, ProjectID: c.proxiesGcpProjectId}
	}

	return proxypool.FileSource{Path: c.proxiesFile}
}

func startCollector() {
	// initialize the logger
	logLevel, logger := getLogger()

	// signal that we are starting
	logger.Info("starting slither-collector", zap.String("version", buildVersion))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config := readConfig(logger)

	parsedLogLevel, err := zapcore.ParseLevel(config.logLevelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	// setup profiling
	if config.cpuprofile != "" {
		f, err := os.Create(config.cpuprofile)
		if err != nil {
			logger.Error("failed to create cpu profile file", zap.Error(err))
			os.Exit(1)
		}

		err = pprof.StartCPUProfile(f)
		if err != nil {
			logger.Error("failed to start cpu profiling", zap.Error(err))
			os.Exit(1)
		}

		defer pprof.StopCPUProfile()
	}

	// setup tracing
	otlpTracerProvider, otlpMeterProvider, err :=
		initTelemetry(context.Background(),
			logger,
			config.otlpEndpoint,
			!config.disableOtlpTraces,
			!config.disableOtlpMetrics,
			config.traceEverything)
	if err != nil {
		logger.Error("failed to initialize opentelemetry tracing", zap.Error(err))
		os.Exit(1)
	}

	if otlpTracerProvider != nil {
		otel.SetTracerProvider(otlpTracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if otlpMeterProvider != nil {
		otel.SetMeterProvider(otlpMeterProvider)
	}

	// setup the web service
	webListenAddress := fmt.Sprintf("%s:%v", config.bindAddress, config.webPort)
	webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger,
		LogLevel:      &logLevel,
		ListenAddress: webListenAddress,
	})

	var locator *geo.Locator
	if config.geoipDb != "" {
		locator, err = geo.Open(config.geoipDb, logger.Named("geo"))
		if err != nil {
			// locations are optional, collection carries on without them
			logger.Warn("failed to load geoip database", zap.Error(err))
		} else {
			defer locator.Close()
		}
	}

	provider := directory.NewProvider(directory.ProviderOptions{
		Logger: logger.Named("directory"),
		Source: directory.NewFetcher(directory.FetcherOptions{
			Logger: logger.Named("fetcher"),
			URL:    config.directoryURL,
		}),
		SeedsPath: config.serversFile,
	})

	c := collector.NewCollector(collector.Options{
		Logger:  logger.Named("collector"),
		Servers: provider,
		Proxies: config.proxySource(logger),
		Geo:     locator,
		Config:  config.collectorConfig(),
	})

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			logger.Warn("failed to parse configuration file",
				zap.Error(err))
		}

		newConfig := readConfig(logger)

		if newConfig.bindAddress != config.bindAddress ||
			newConfig.webPort != config.webPort {
			logger.Warn("config changes for bindAddress or webPort require a restart")
		}

		if newConfig.proxiesFile != config.proxiesFile ||
			newConfig.proxiesAwsId != config.proxiesAwsId ||
			newConfig.proxiesAzureId != config.proxiesAzureId ||
			newConfig.proxiesGcpId != config.proxiesGcpId {
			logger.Warn("config changes for the proxy source require a restart")
		}

		if newConfig.directoryURL != config.directoryURL ||
			newConfig.serversFile != config.serversFile ||
			newConfig.geoipDb != config.geoipDb {
			logger.Warn("config changes for directoryURL, serversFile, or geoipDb require a restart")
		}

		if newConfig.otlpEndpoint != config.otlpEndpoint ||
			newConfig.disableOtlpTraces != config.disableOtlpTraces ||
			newConfig.disableOtlpMetrics != config.disableOtlpMetrics ||
			newConfig.traceEverything != config.traceEverything {
			logger.Warn("config changes for otlpEndpoint, disableOtlpTraces, disableOtlpMetrics, or traceEverything require a restart")
		}

		if newConfig.cpuprofile != config.cpuprofile {
			logger.Warn("config changes for cpuprofile require a restart")
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newParsedLogLevel, err := zapcore.ParseLevel(newConfig.logLevelStr)
			if err != nil {
				logger.Warn("invalid log level specified, using INFO instead")
				newParsedLogLevel = zapcore.InfoLevel
			}

			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		if newConfig.collectorConfig() != config.collectorConfig() {
			c.Reconfigure(newConfig.collectorConfig())
			logger.Info("updated collector configuration")
		}

		config = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		beginGracefulShutdown := func() {
			webapi.MarkSystemUnhealthy()
			c.Shutdown()
		}

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, attempting graceful shutdown...")
					hasReceivedSigInt = true
					go beginGracefulShutdown()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				go beginGracefulShutdown()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	webapi.MarkSystemHealthy()

	err = c.Run(context.Background())
	if err != nil {
		logger.Error("failed to run the collector", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("collector shutdown gracefully")
}

func startCollectorWatchdog() {
	_, logger := getLogger()
	logger = logger.Named("watchdog")

	execProc := os.Args[0]
	execArgs := append([]string{"--auto-restart-proc"}, os.Args[1:]...)

	hasReceivedSigInt := false
	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("received sigint a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("received sigint, waiting for graceful shutdown...")
					hasReceivedSigInt = true
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("received sigterm, waiting for graceful shutdown...")
			}
		}
	}()

	for {
		logger.Info("starting sub-process")

		cmd := exec.Command(execProc, execArgs...)
		cmd.Stderr = os.Stderr
		cmd.Stdout = os.Stdout

		err := cmd.Start()
		if err != nil {
			logger.Info("failed to start sub-process", zap.Error(err))
		}

		err = cmd.Wait()
		if err != nil {
			logger.Info("sub-process exited with error", zap.Error(err))
		}

		if hasReceivedSigInt {
			break
		}

		delayTime := 1 * time.Second
		logger.Info("crash detected, restarting", zap.Duration("delay", delayTime))
		time.Sleep(delayTime)
	}
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
