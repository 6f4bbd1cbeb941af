// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yandex/outlet/components/engine/static"
	"github.com/yandex/outlet/components/server"
	"github.com/yandex/outlet/core"
	"github.com/yandex/outlet/core/config"
	"github.com/yandex/outlet/core/storage"
	"github.com/yandex/outlet/core/tagcache"
	"github.com/yandex/outlet/lib/errutil"
	"github.com/yandex/outlet/lib/netutil"
	"github.com/yandex/outlet/lib/zaputil"
)

const Version = "0.1.0"
const defaultConfigFile = "outlet"

var configSearchDirs = []string{"./", "./config", "/etc/outlet"}

type cliConfig struct {
	Listen string `config:"listen" validate:"endpoint"`
	// ShutdownTimeout is time given to in flight requests on shutdown.
	ShutdownTimeout time.Duration    `config:"shutdown-timeout" validate:"min-time=0s"`
	Log             zaputil.Config   `config:"log"`
	Engine          static.Config    `config:"engine"`
	Storage         storage.Config   `config:"storage"`
	Cache           tagcache.Config  `config:"cache"`
	Server          server.Config    `config:"server"`
	Monitoring      monitoringConfig `config:"monitoring"`
}

type monitoringConfig struct {
	Expvar     expvarConfig `config:"expvar"`
	CPUProfile string       `config:"cpu-profile"`
	MemProfile string       `config:"mem-profile"`
	// Report period of metrics log. Zero disables report.
	Report time.Duration `config:"report"`
}

type expvarConfig struct {
	Enabled bool   `config:"enabled"`
	Listen  string `config:"listen" validate:"endpoint"`
}

func defaultConfig() cliConfig {
	return cliConfig{
		Listen:          ":8080",
		ShutdownTimeout: 5 * time.Second,
		Log:             zaputil.DefaultConfig(),
		Engine:          static.DefaultConfig(),
		Storage:         storage.DefaultConfig(),
		Cache:           tagcache.DefaultConfig(),
		Server:          server.DefaultConfig(),
		Monitoring: monitoringConfig{
			Expvar: expvarConfig{Listen: ":1234"},
		},
	}
}

func Run() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of outlet: outlet [<config_filename>]\n"+"<config_filename> is './%s.(yaml|json|...)' by default\n", defaultConfigFile)
		flag.PrintDefaults()
	}
	var (
		example bool
		expvar  bool
	)
	flag.BoolVar(&example, "example", false, "print example config to STDOUT and exit")
	flag.BoolVar(&expvar, "expvar", false, "start HTTP server with monitoring variables")
	flag.Parse()

	if example {
		fmt.Print(exampleConfig)
		return
	}

	log, conf := readConfig(flag.Args())
	defer func() { _ = log.Sync() }()
	if expvar {
		conf.Monitoring.Expvar.Enabled = true
	}
	closeMonitoring := startMonitoring(log, conf.Monitoring)
	defer closeMonitoring()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(log, cancel)

	err := serve(ctx, log, conf, afero.NewOsFs())
	if err != nil {
		log.Error("Server failed", zap.Error(err))
		closeMonitoring()
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("Server stopped")
}

func readConfig(args []string) (*zap.Logger, cliConfig) {
	bootLog, err := zaputil.NewLogger(zaputil.DefaultConfig(), zapcore.Lock(os.Stderr))
	if err != nil {
		panic(err)
	}
	bootLog.Info("Outlet started", zap.String("version", Version))

	v := newViper()
	if len(args) > 0 {
		v.SetConfigFile(args[0])
	}
	err = v.ReadInConfig()
	bootLog.Info("Reading config", zap.String("file", v.ConfigFileUsed()))
	if err != nil {
		bootLog.Fatal("Config read failed", zap.Error(err))
	}
	conf, err := decodeConfig(v.AllSettings())
	if err != nil {
		bootLog.Fatal("Config decode failed", zap.Error(err))
	}
	log, err := zaputil.NewLogger(conf.Log, zapcore.Lock(os.Stderr))
	if err != nil {
		bootLog.Fatal("Logger create failed", zap.Error(err))
	}
	zap.ReplaceGlobals(log)
	zap.RedirectStdLog(log)
	return log, conf
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName(defaultConfigFile)
	for _, dir := range configSearchDirs {
		v.AddConfigPath(dir)
	}
	v.SetEnvPrefix("OUTLET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func decodeConfig(settings map[string]interface{}) (cliConfig, error) {
	conf := defaultConfig()
	err := config.DecodeAndValidate(settings, &conf)
	return conf, err
}

// newServer composes render endpoint from config.
func newServer(log *zap.Logger, conf cliConfig, fs afero.Fs) (*server.Server, error) {
	renderer := static.New(log.Named("engine"), afero.NewReadOnlyFs(fs), conf.Engine)
	st, err := storage.New(fs, conf.Storage)
	if err != nil {
		return nil, errors.WithMessage(err, "storage create")
	}
	cache, err := tagcache.New(log.Named("cache"), st, conf.Cache)
	if err != nil {
		return nil, errors.WithMessage(err, "cache create")
	}
	client, err := netutil.NewClient(conf.Server.Client)
	if err != nil {
		return nil, errors.WithMessage(err, "remote outlets client create")
	}
	return server.New(log.Named("server"), conf.Server, server.Params{
		Renderer: renderer,
		Cache:    cache,
		Client:   client,
		Actions:  server.NewActions(),
		Errors:   core.ErrorResponderFunc(errorResponse),
		Metrics:  newServerMetrics(),
	}), nil
}

// errorResponse responds 404 on missing page fixture. Other errors are left to server default.
func errorResponse(ctx context.Context, req *core.RenderRequest, err error) *core.Response {
	if errors.Cause(err) != static.ErrNotFound {
		return nil
	}
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &core.Response{
		Status: http.StatusNotFound,
		Header: h,
		Body:   io.NopCloser(strings.NewReader(http.StatusText(http.StatusNotFound) + "\n")),
	}
}

// serve serves until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, log *zap.Logger, conf cliConfig, fs afero.Fs) error {
	handler, err := newServer(log, conf, fs)
	if err != nil {
		return err
	}
	if conf.Monitoring.Report > 0 {
		startReport(ctx, log, handler.Metrics(), conf.Monitoring.Report)
	}
	srv := &http.Server{
		Addr:     conf.Listen,
		Handler:  handler,
		ErrorLog: zap.NewStdLog(log.Named("http")),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("Listening", zap.String("addr", conf.Listen))
		serveErr <- srv.ListenAndServe()
	}()
	select {
	case err := <-serveErr:
		return errors.WithStack(err)
	case <-ctx.Done():
	}
	log.Info("Shutting down", zap.Duration("timeout", conf.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if err != nil && !errutil.IsCtxError(shutdownCtx, err) {
		return errors.WithStack(err)
	}
	if err != nil {
		log.Warn("Shutdown timeout exceeded. Closing connections.")
		return errors.WithStack(srv.Close())
	}
	return nil
}

func handleSignals(log *zap.Logger, interrupt func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info("Signal received. Stopping gracefully.", zap.Stringer("signal", sig))
	interrupt()
	sig = <-sigs
	log.Fatal("Another signal received. Quiting.", zap.Stringer("signal", sig))
}

func startMonitoring(log *zap.Logger, conf monitoringConfig) (stop func()) {
	if conf.Expvar.Enabled {
		go func() {
			// expvar registers its handler in http.DefaultServeMux.
			err := http.ListenAndServe(conf.Expvar.Listen, nil)
			log.Fatal("Monitoring server failed", zap.Error(err))
		}()
	}
	var stops []func()
	if conf.CPUProfile != "" {
		f, err := os.Create(conf.CPUProfile)
		if err != nil {
			log.Fatal("CPU profile file create fail", zap.Error(err))
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("CPU profile start fail", zap.Error(err))
		}
		stops = append(stops, func() {
			pprof.StopCPUProfile()
			_ = f.Close()
		})
	}
	if conf.MemProfile != "" {
		f, err := os.Create(conf.MemProfile)
		if err != nil {
			log.Fatal("Memory profile file create fail", zap.Error(err))
		}
		stops = append(stops, func() {
			_ = pprof.WriteHeapProfile(f)
			_ = f.Close()
		})
	}
	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		for _, s := range stops {
			s()
		}
	}
}
