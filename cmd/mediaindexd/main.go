// Command mediaindexd is the service entrypoint: it loads configuration,
// wires the plugin registry, extraction pool, DB sync layer and
// orchestrator together, then serves the HTTP API until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/arborio/mediaindex/pkg/api"
	"github.com/arborio/mediaindex/pkg/cache"
	"github.com/arborio/mediaindex/pkg/config"
	"github.com/arborio/mediaindex/pkg/configurator"
	"github.com/arborio/mediaindex/pkg/dbsync"
	"github.com/arborio/mediaindex/pkg/device"
	"github.com/arborio/mediaindex/pkg/extract"
	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/arborio/mediaindex/pkg/orchestrator"
	"github.com/arborio/mediaindex/pkg/persistence"
	"github.com/arborio/mediaindex/pkg/plugin"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"gopkg.in/natefinch/lumberjack.v2"
)

const appName = "mediaindex"

func main() {
	asDaemon := flag.Bool("daemon", false, "run without a pretty-printed console logger")
	port := flag.Int("port", 8980, "http api port")
	flag.Parse()

	configDir := filepath.Join(xdg.ConfigHome, appName)
	dataDir := filepath.Join(xdg.DataHome, appName)

	if err := initLogging(dataDir, *asDaemon); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to init logging: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.NewConfig(configDir)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	if err := run(cfg, dataDir, *port); err != nil {
		log.Error().Err(err).Msg("fatal error")
		os.Exit(1)
	}
}

func initLogging(dataDir string, daemon bool) error {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	writers := []io.Writer{&lumberjack.Logger{
		Filename: filepath.Join(dataDir, appName+".log"),
		MaxSize: 10,
		MaxBackups: 3,
	}}
	if !daemon {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		writers = append(writers, os.Stderr)
	}

	log.Logger = log.Output(io.MultiWriter(writers...))
	return nil
}

func run(cfg *config.Instance, dataDir string, port int) error {
	fs := afero.NewOsFs()

	extCfg, err := configurator.Load(cfg.ExtensionFile())
	if err != nil {
		return fmt.Errorf("failed to load extension config: %w", err)
	}

	caches := cache.NewManager(fs, cfg.CacheRoot())
	thumbRoot := cfg.ThumbnailRoot()
	if err := fs.MkdirAll(thumbRoot, 0o750); err != nil {
		return fmt.Errorf("failed to create thumbnail root: %w", err)
	}

	store, err := persistence.Open(cfg.DeviceDBPath())
	if err != nil {
		return fmt.Errorf("failed to open persistence store: %w", err)
	}
	defer func() { _ = store.Close() }()

	dbURI, dbName := cfg.DocumentDB()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := dbsync.DialMongo(ctx, dbURI, dbName, 10*time.Second)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to document db: %w", err)
	}

	pool := extract.NewPool(cfg.NParallelMeta(), extractorFactories(fs, thumbRoot, extCfg.ForceSWDecoders), sharedOK())

	orch := orchestrator.New(db, pool, store, fs, thumbRoot)

	registry, err := buildRegistry(cfg, orch, extCfg, caches, thumbRoot)
	if err != nil {
		return fmt.Errorf("failed to build plugin registry: %w", err)
	}
	orchestrator.SetDeviceLookup(func(uri string) (*device.Device, bool) {
		p, ok := registry.ByURI(uri)
		if !ok {
			return nil, false
		}
		for _, d := range p.Devices() {
			if d.URI == uri {
				return d, true
			}
		}
		return nil, false
	})

	reinjectKnownDevices(store, registry)

	startCtx := context.Background()
	if err := registry.StartAll(startCtx); err != nil {
		return fmt.Errorf("failed to start plugins: %w", err)
	}
	defer registry.StopAll()

	srv := api.NewServer(db, registry)
	handler := srv.Router([]string{
		fmt.Sprintf("http://localhost:%d", port),
		fmt.Sprintf("http://127.0.0.1:%d", port),
	})

	go func() {
		if err := api.ListenAndServe(port, handler); err != nil {
			log.Error().Err(err).Msg("api server exited")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info().Msg("shutting down")
	pool.Close()
	return nil
}

func extractorFactories(fs afero.Fs, thumbRoot string, forceSW bool) map[mediaitem.ExtractorKind]extract.Factory {
	return map[mediaitem.ExtractorKind]extract.Factory{
		mediaitem.TagKind: extract.NewTagExtractor(fs, thumbRoot),
		mediaitem.PipelineKind: extract.NewPipelineExtractor(forceSW),
		mediaitem.ImageKind: extract.NewImageExtractor(),
	}
}

// sharedOK marks which extractor kinds produce goroutine-safe instances
// that the pool may cache once and share across every worker.
func sharedOK() map[mediaitem.ExtractorKind]bool {
	return map[mediaitem.ExtractorKind]bool{
		mediaitem.TagKind: true,
		mediaitem.PipelineKind: true,
		mediaitem.ImageKind: true,
	}
}

func buildRegistry(
	cfg *config.Instance, orch *orchestrator.Orchestrator, extCfg *configurator.Configurator,
	caches *cache.Manager, thumbRoot string,
) (*plugin.Registry, error) {
	plugins := cfg.Plugins()
	var ps []plugin.Plugin

	if plugins.UsbStorageEnabled {
		detector, err := plugin.NewMountDetector()
		if err != nil {
			log.Warn().Err(err).Msg("usb_storage mount detection unavailable, plugin disabled")
		} else {
			ps = append(ps, plugin.NewUsbStorage(orch, extCfg, caches, thumbRoot, detector))
		}
	}

	if plugins.LocalStorageDevs != "" {
		entries := plugin.ParseStaticEntries(plugins.LocalStorageDevs)
		ps = append(ps, plugin.NewLocalStorage(orch, extCfg, caches, thumbRoot, entries))
	}

	if plugins.MtpEnabled {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(plugins.MtpBrokerURL)
		opts.SetClientID(appName + "-" + uuid.New().String()[:8])
		opts.SetAutoReconnect(true)
		opts.SetConnectTimeout(10 * time.Second)
		client := mqtt.NewClient(opts)
		ps = append(ps, plugin.NewMtp(orch, extCfg, caches, thumbRoot, client, plugins.MtpTopic))
	}

	if plugins.UpnpEnabled {
		ps = append(ps, plugin.NewUpnp(orch, extCfg))
	}

	return plugin.NewRegistry(ps...), nil
}

// reinjectKnownDevices re-adds every previously-seen device so its
// persisted meta survives a restart.
func reinjectKnownDevices(store *persistence.Store, registry *plugin.Registry) {
	for _, id := range []string{plugin.UsbStorageID, plugin.LocalStorageID, plugin.MtpID, plugin.UpnpID} {
		p, ok := registry.ByID(id)
		if !ok {
			continue
		}
		recs, err := store.DevicesByPrefix(id + "://")
		if err != nil {
			log.Warn().Err(err).Str("plugin", id).Msg("failed to load persisted devices")
			continue
		}
		for _, rec := range recs {
			p.InjectDevice(rec.URI, rec.UUID, rec.Mountpoint, device.Meta{
				Name: rec.Name, Description: rec.Description, Icon: rec.Icon,
			})
		}
	}
}
