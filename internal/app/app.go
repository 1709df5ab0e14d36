// Package app wires the dwarf services together from the configuration and
// runs the API listeners.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"dwarf-go/internal/api"
	"dwarf-go/internal/command"
	"dwarf-go/internal/config"
	"dwarf-go/internal/database"
	"dwarf-go/internal/dwarf"
	"dwarf-go/internal/imagestore"
	"dwarf-go/internal/metadata"
	"dwarf-go/internal/notify"
	"dwarf-go/internal/scheduler"
	"dwarf-go/internal/virt"
	"dwarf-go/internal/virt/libvirtconn"
)

// shutdownTimeout bounds how long listeners get to finish in-flight
// requests.
const shutdownTimeout = 5 * time.Second

// DwarfApp is the application layer between the CLI and the dwarf services.
// It constructs all dependencies from config and releases them on Close.
type DwarfApp struct {
	cfg     *config.Config
	logger  dwarf.Logger
	logFile *os.File

	db       *database.SQLiteDatabase
	hv       *virt.Controller
	sched    *scheduler.Scheduler
	notifier notify.Notifier
	store    dwarf.ImageStore

	flavors  *dwarf.FlavorService
	images   *dwarf.ImageService
	keypairs *dwarf.KeypairService
	servers  *dwarf.ServerService

	traceFile       *os.File
	shutdownTracing func(context.Context) error
}

// NewDwarfApp creates a fully wired DwarfApp from the given config.
// The caller must call Close when done.
func NewDwarfApp(ctx context.Context, cfg *config.Config) (*DwarfApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	l, logFile, err := newLogger(cfg.LogFile, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &DwarfApp{cfg: cfg, logger: &slogAdapter{l: l}, logFile: logFile}

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *DwarfApp) build(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Tracing.Enabled {
		f, err := os.OpenFile(cfg.LogFile+".trace", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening trace file: %w", err)
		}
		a.traceFile = f
		if a.shutdownTracing, err = setupTracing(f); err != nil {
			return err
		}
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, a.logger)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.db = db

	store, err := imagestore.NewImageStoreFromConfig(ctx, cfg.ImageStore, cfg.ImagesDir, a.logger)
	if err != nil {
		return fmt.Errorf("creating image store: %w", err)
	}
	a.store = store

	notifier, err := notify.NewNotifierFromConfig(cfg.Notify, a.logger)
	if err != nil {
		return fmt.Errorf("creating notifier: %w", err)
	}
	a.notifier = notifier

	a.hv = virt.NewController(virt.Options{
		URI:              cfg.Libvirt.URI,
		DomainType:       cfg.Libvirt.DomainType,
		BridgeName:       cfg.Libvirt.BridgeName,
		BridgeIP:         cfg.Libvirt.BridgeIP,
		NetworkName:      cfg.Libvirt.NetworkName,
		InstancesDir:     cfg.InstancesDir,
		ForceConfigDrive: cfg.ForceConfigDrive,
	}, libvirtconn.Dial, a.logger)

	a.sched = scheduler.New(dwarf.RealClock{}, a.logger)
	runner := command.NewRunner(cfg.RunAsRoot, a.logger)

	opts := dwarf.DefaultServerOptions()
	opts.InstancesDir = cfg.InstancesDir
	opts.BaseImagesDir = cfg.InstancesBaseDir
	opts.ForceConfigDrive = cfg.ForceConfigDrive
	opts.SoftRebootTimeout = time.Duration(cfg.ServerSoftRebootTimeout) * time.Second

	a.flavors = dwarf.NewFlavorService(db, a.logger)
	a.images = dwarf.NewImageService(db, store, a.logger)
	a.keypairs = dwarf.NewKeypairService(db, a.logger)
	a.servers = dwarf.NewServerService(dwarf.ServerDeps{
		Database:   db,
		Hypervisor: a.hv,
		Scheduler:  a.sched,
		Metadata:   metadata.NewRegistry(runner, cfg.EC2MetadataPort, a.logger),
		Images:     store,
		Runner:     runner,
		Notifier:   notifier,
		Logger:     a.logger,
		Clock:      dwarf.RealClock{},
	}, opts)
	return nil
}

// Logger returns the application logger.
func (a *DwarfApp) Logger() dwarf.Logger { return a.logger }

// listener is one HTTP endpoint of the running service.
type listener struct {
	name    string
	addr    string
	handler http.Handler
}

func (a *DwarfApp) listeners() []listener {
	cfg := a.cfg
	endpoints := api.Endpoints{
		Host:         cfg.BindHost,
		ComputePort:  cfg.ComputeAPIPort,
		ImagePort:    cfg.ImageAPIPort,
		IdentityPort: cfg.IdentityAPIPort,
	}
	hostPort := func(host string, port int) string {
		return net.JoinHostPort(host, strconv.Itoa(port))
	}

	return []listener{
		{
			name:    "compute",
			addr:    hostPort(cfg.BindHost, cfg.ComputeAPIPort),
			handler: api.NewComputeAPI(a.flavors, a.images, a.keypairs, a.servers, endpoints, a.logger).Router(),
		},
		{
			name:    "image",
			addr:    hostPort(cfg.BindHost, cfg.ImageAPIPort),
			handler: api.NewImageAPI(a.images, endpoints, a.logger).Router(),
		},
		{
			name:    "identity",
			addr:    hostPort(cfg.BindHost, cfg.IdentityAPIPort),
			handler: api.NewIdentityAPI(endpoints, a.logger).Router(),
		},
		{
			name:    "database",
			addr:    hostPort("127.0.0.1", cfg.DatabaseAPIPort),
			handler: api.NewDatabaseAPI(a.db, a.logger).Router(),
		},
		{
			name:    "metadata",
			addr:    hostPort(cfg.Libvirt.BridgeIP, cfg.EC2MetadataPort),
			handler: metadata.NewHandler(a.db, a.logger).Router(),
		},
	}
}

// Serve prepares the database and the guest network, then runs every API
// listener until ctx is cancelled or one of them fails.
func (a *DwarfApp) Serve(ctx context.Context) error {
	a.logger.Info("starting dwarf")

	if err := a.db.Init(ctx); err != nil {
		return err
	}
	if err := a.hv.CreateNetwork(ctx); err != nil {
		return fmt.Errorf("creating guest network: %w", err)
	}
	if err := a.servers.Resume(ctx); err != nil {
		return fmt.Errorf("resuming servers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range a.listeners() {
		srv := &http.Server{
			Addr:              l.addr,
			Handler:           l.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("api listening", "service", l.name, "addr", l.addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s api on %s: %w", l.name, l.addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	a.logger.Info("stopping dwarf")
	a.sched.StopAll(true)
	return err
}

// InitDatabase migrates the schema and seeds the default flavors.
func (a *DwarfApp) InitDatabase(ctx context.Context) error {
	return a.db.Init(ctx)
}

// DeleteDatabase drops every resource table.
func (a *DwarfApp) DeleteDatabase(ctx context.Context) error {
	return a.db.Destroy(ctx)
}

// DumpTable returns every row of the named table, tombstones included.
func (a *DwarfApp) DumpTable(ctx context.Context, name string) ([]dwarf.Record, error) {
	if err := a.db.CheckMigrations(); err != nil {
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}
	tn, err := dwarf.ParseTableName(name)
	if err != nil {
		return nil, err
	}
	t, err := a.db.Table(tn)
	if err != nil {
		return nil, err
	}
	return t.Dump(ctx)
}

// CreateNetwork defines and starts the guest network.
func (a *DwarfApp) CreateNetwork(ctx context.Context) error {
	return a.hv.CreateNetwork(ctx)
}

// Close releases every resource the app holds.
func (a *DwarfApp) Close() error {
	var errs *multierror.Error

	if a.sched != nil {
		a.sched.StopAll(true)
	}
	if a.hv != nil {
		if err := a.hv.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing hypervisor connection: %w", err))
		}
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing notifier: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.shutdownTracing(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("flushing traces: %w", err))
		}
		cancel()
	}
	if a.traceFile != nil {
		a.traceFile.Close()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errs.ErrorOrNil()
}
