package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/desertwitch/helperd/internal/arbiter"
	"github.com/desertwitch/helperd/internal/bless"
	"github.com/desertwitch/helperd/internal/bootcaches"
	"github.com/desertwitch/helperd/internal/builder"
	"github.com/desertwitch/helperd/internal/diskarb"
	"github.com/desertwitch/helperd/internal/safepath"
	"github.com/desertwitch/helperd/internal/schema"
	"github.com/desertwitch/helperd/internal/updater"
	"github.com/desertwitch/helperd/internal/watcher"
)

// Settings holds the resolved daemon configuration.
type Settings struct {
	SettleTime  time.Duration
	BuilderPath string
	MountBase   string
	DiskTable   string
}

// App bundles the wired handlers of the daemon.
type App struct {
	settings Settings

	cachesHandler *bootcaches.Handler
	updateHandler *updater.Handler
	buildHandler  *builder.Handler
	controller    *watcher.Controller
	lockHandler   *arbiter.Handler
}

// NewApp returns a pointer to a new [App] with all handlers wired up.
func NewApp(settings Settings, session diskarb.Session) *App {
	osHandler := &schema.OS{}
	unixHandler := &schema.Unix{}

	safeHandler := safepath.NewHandler(osHandler, unixHandler)
	cachesHandler := bootcaches.NewHandler(osHandler, unixHandler, safeHandler, session)
	blessHandler := bless.NewHandler(unixHandler)
	updateHandler := updater.NewHandler(osHandler, unixHandler, safeHandler, blessHandler, session, cachesHandler)
	buildHandler := builder.NewHandler(settings.BuilderPath)

	controller := watcher.NewController(session, cachesHandler, buildHandler,
		unixHandler, &watcher.FSNotify{}, settings.SettleTime)

	lockHandler := arbiter.NewHandler(&volumeSource{controller: controller})
	controller.SetLockHandler(lockHandler)

	return &App{
		settings:      settings,
		cachesHandler: cachesHandler,
		updateHandler: updateHandler,
		buildHandler:  buildHandler,
		controller:    controller,
		lockHandler:   lockHandler,
	}
}

// Watch runs the volume watch loop until the context is canceled.
func (app *App) Watch(ctx context.Context) error {
	if err := app.controller.Watch(ctx); err != nil {
		return fmt.Errorf("(app) %w", err)
	}

	return nil
}

// UpdateOnce performs a one-shot helper-partition update of the given
// volume: a stale extension cache is rebuilt first (synchronously), then
// every helper partition is brought up to date.
func (app *App) UpdateOnce(ctx context.Context, volRoot string, force bool) error {
	caches, err := app.cachesHandler.ReadCaches(volRoot)
	if err != nil {
		return fmt.Errorf("(app) %w", err)
	}
	if caches == nil {
		// no descriptor, we don't care about this volume
		slog.Info("No boot cache descriptor; nothing to update", "volume", volRoot)

		return nil
	}
	defer caches.Close()

	if app.cachesHandler.CheckMkext(caches) {
		if _, err := app.buildHandler.RebuildMkext(ctx, caches, true); err != nil {
			return fmt.Errorf("(app) couldn't rebuild stale extension cache: %w", err)
		}
	}

	if err := app.updateHandler.UpdateHelpers(ctx, caches, force); err != nil {
		return fmt.Errorf("(app) %w", err)
	}

	return nil
}
