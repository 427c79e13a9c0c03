package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/desertwitch/helperd/internal/configuration"
	"github.com/desertwitch/helperd/internal/diskarb"
	"github.com/lmittmann/tint"
)

const (
	stackTraceBufMax = 1 << 24

	defaultConfigPath = "/etc/helperd.conf"
	defaultMountBase  = "/run/helperd"
)

//nolint:gochecknoglobals
var (
	ExitCode = 0
	Version  string

	updateRoot = flag.String("u", "", "one-shot update of the given volume's helper partitions")
	force      = flag.Bool("f", false, "force updates regardless of staleness")
	configPath = flag.String("config", defaultConfigPath, "path to the configuration file")
)

func setupLogging() {
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.Kitchen,
		}),
	))
}

func setupSignalHandlers(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigChan
		cancel()
	}()

	sigChan2 := make(chan os.Signal, 1)
	signal.Notify(sigChan2, syscall.SIGUSR1)
	go func() {
		for range sigChan2 {
			buf := make([]byte, stackTraceBufMax)
			stacklen := runtime.Stack(buf, true)
			os.Stderr.Write(buf[:stacklen])
		}
	}()
}

func loadSettings(configHandler *configuration.Handler, path string) Settings {
	settings := Settings{
		SettleTime: 0, // controller default
		MountBase:  defaultMountBase,
	}

	envMap, err := configHandler.ReadGeneric(path)
	if err != nil {
		slog.Warn("No usable configuration file; using defaults", "path", path, "err", err)

		return settings
	}

	if secs := configHandler.MapKeyToInt(envMap, configuration.SettingSettleSeconds); secs > 0 {
		settings.SettleTime = time.Duration(secs) * time.Second
	}
	settings.BuilderPath = configHandler.MapKeyToString(envMap, configuration.SettingBuilderPath)
	if base := configHandler.MapKeyToString(envMap, configuration.SettingMountBase); base != "" {
		settings.MountBase = base
	}
	settings.DiskTable = configHandler.MapKeyToString(envMap, configuration.SettingDiskTable)

	return settings
}

func main() {
	defer func() {
		os.Exit(ExitCode)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flag.Parse()
	setupLogging()
	setupSignalHandlers(cancel)

	slog.Info("helperd starting", "version", Version)

	configHandler := configuration.NewHandler(&configuration.GodotenvProvider{})
	settings := loadSettings(configHandler, *configPath)

	session := &diskarb.ExecSession{MountBase: settings.MountBase}
	if settings.DiskTable != "" {
		table, err := diskarb.LoadTable(settings.DiskTable)
		if err != nil {
			slog.Error("Failed to load disk table", "err", err)
			ExitCode = 1

			return
		}
		session.Table = table
	}

	app := NewApp(settings, session)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		if *updateRoot != "" {
			if err := app.UpdateOnce(ctx, *updateRoot, *force); err != nil {
				slog.Error("Helper update failed", "volume", *updateRoot, "err", err)
				ExitCode = 1
			}
			cancel()

			return
		}

		if err := app.Watch(ctx); err != nil {
			slog.Error("Volume watch failed", "err", err)
			ExitCode = 1
		}
	}()

	wg.Wait()
}
