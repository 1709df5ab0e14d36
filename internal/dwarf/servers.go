package dwarf

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ServerOptions tunes the server lifecycle.
type ServerOptions struct {
	InstancesDir     string
	BaseImagesDir    string
	ForceConfigDrive bool

	// EphemeralSize is the size in GiB of the secondary disk.
	EphemeralSize int

	// LeaseInterval and LeaseAttempts bound the wait for a DHCP lease
	// after boot.
	LeaseInterval time.Duration
	LeaseAttempts int

	// SoftRebootTimeout bounds how long a graceful shutdown is given
	// before reboot falls back to a hard stop. RebootPollInterval is the
	// spacing of the state checks within that window.
	SoftRebootTimeout  time.Duration
	RebootPollInterval time.Duration
}

// DefaultServerOptions returns the stock lifecycle settings.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		InstancesDir:       "/var/lib/dwarf/instances",
		BaseImagesDir:      "/var/lib/dwarf/instances/_base",
		ForceConfigDrive:   true,
		EphemeralSize:      10,
		LeaseInterval:      2 * time.Second,
		LeaseAttempts:      30,
		SoftRebootTimeout:  30 * time.Second,
		RebootPollInterval: 2 * time.Second,
	}
}

// ServerDeps are the collaborators of ServerService.
type ServerDeps struct {
	Database   Database
	Hypervisor Hypervisor
	Scheduler  Scheduler
	Metadata   MetadataRegistry
	Images     ImageStore
	Runner     CommandRunner
	Notifier   Notifier
	Logger     Logger
	Clock      Clock
}

// BootRequest describes a server to boot.
type BootRequest struct {
	Name        string
	ImageID     string
	FlavorID    string
	KeyName     string
	ConfigDrive bool
}

// ServerService is the server lifecycle orchestrator. It composes the
// resource store, the hypervisor and the task scheduler.
type ServerService struct {
	db       Database
	hv       Hypervisor
	sched    Scheduler
	meta     MetadataRegistry
	images   ImageStore
	runner   CommandRunner
	notifier Notifier
	logger   Logger
	clock    Clock
	opts     ServerOptions
	tracer   trace.Tracer

	// baseMu serializes creation of shared base images.
	baseMu sync.Mutex
	// opMu holds one *sync.Mutex per server id.
	opMu sync.Map
}

func NewServerService(deps ServerDeps, opts ServerOptions) *ServerService {
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = NewNopLogger()
	}
	return &ServerService{
		db:       deps.Database,
		hv:       deps.Hypervisor,
		sched:    deps.Scheduler,
		meta:     deps.Metadata,
		images:   deps.Images,
		runner:   deps.Runner,
		notifier: deps.Notifier,
		logger:   deps.Logger.With("component", "servers"),
		clock:    deps.Clock,
		opts:     opts,
		tracer:   otel.Tracer("dwarf-go/internal/dwarf"),
	}
}

// Boot creates a server and starts its domain. Address assignment happens
// in the background; the returned view reflects the server before it has
// an IP. When any step after the row is created fails, the completed steps
// are undone in reverse order.
func (s *ServerService) Boot(ctx context.Context, req BootRequest) (row Record, err error) {
	ctx, span := s.tracer.Start(ctx, "ServerService.Boot", trace.WithAttributes(
		attribute.String("server.name", req.Name),
		attribute.String("image.id", req.ImageID),
		attribute.String("flavor.id", req.FlavorID),
	))
	defer func() {
		endSpan(span, err)
		observeBoot(err)
	}()

	s.logger.Info("boot server", "name", req.Name, "image", req.ImageID, "flavor", req.FlavorID, "key", req.KeyName)

	if req.Name == "" {
		return nil, Failure(http.StatusBadRequest, "server name is required")
	}

	imageRow, err := s.db.Images().Show(ctx, ByID(req.ImageID))
	if err != nil {
		return nil, err
	}
	image := ImageFromRecord(imageRow)
	if image.Status != ImageActive {
		return nil, Failure(http.StatusBadRequest, "image %s is not active", image.ID)
	}

	flavorRow, err := s.db.Flavors().Show(ctx, ByID(req.FlavorID))
	if err != nil {
		return nil, err
	}
	flavor, err := FlavorFromRecord(flavorRow)
	if err != nil {
		return nil, fmt.Errorf("parsing flavor %s: %w", req.FlavorID, err)
	}

	var keypair *Keypair
	if req.KeyName != "" {
		kpRow, err := s.db.Keypairs().Show(ctx, ByName(req.KeyName))
		if err != nil {
			return nil, err
		}
		kp := KeypairFromRecord(kpRow)
		keypair = &kp
	}

	var undo rollback
	defer func() {
		if err != nil {
			undo.run(context.WithoutCancel(ctx), s.logger)
		}
	}()

	servers := s.db.Servers()
	row, err = servers.Create(ctx, Record{
		"name":         req.Name,
		"status":       StatusBuilding,
		"image_id":     image.ID,
		"flavor_id":    flavor.ID,
		"key_name":     req.KeyName,
		"config_drive": FormatBool(req.ConfigDrive),
	})
	if err != nil {
		return nil, err
	}
	id := row[ColID]
	span.SetAttributes(attribute.String("server.id", id))
	undo.add("tombstone server row", func(ctx context.Context) error {
		return servers.Delete(ctx, ByID(id))
	})

	mac, err := s.newMACAddress(ctx)
	if err != nil {
		return nil, err
	}
	if row, err = servers.Update(ctx, id, Record{"mac_address": mac}); err != nil {
		return nil, err
	}
	server, err := ServerFromRecord(row)
	if err != nil {
		return nil, fmt.Errorf("parsing server %s: %w", id, err)
	}

	dir := s.instanceDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating instance directory: %w", err)
	}
	undo.add("remove instance directory", func(context.Context) error {
		return os.RemoveAll(dir)
	})

	if err := s.provisionDisks(ctx, server, image, flavor); err != nil {
		return nil, err
	}

	if s.opts.ForceConfigDrive || server.ConfigDrive {
		if err := s.createConfigDrive(ctx, server, keypair); err != nil {
			return nil, err
		}
	}

	if err := s.hv.CreateServer(ctx, server, flavor); err != nil {
		return nil, err
	}
	undo.add("delete domain", func(ctx context.Context) error {
		return s.hv.DeleteServer(ctx, server)
	})

	if row, err = servers.Update(ctx, id, Record{"status": StatusNetworking}); err != nil {
		return nil, err
	}

	s.sched.Start(id, s.opts.LeaseInterval, s.opts.LeaseAttempts, s.waitForLease(server))
	s.notify(ctx, EventBoot, server, StatusNetworking)

	return s.mergeStatus(ctx, row)
}

// waitForLease returns the background action that records the server's
// DHCP address and registers it with the metadata service.
func (s *ServerService) waitForLease(server Server) Action {
	return func(ctx context.Context) (bool, error) {
		ip, err := s.hv.DHCPLease(ctx, server)
		if err != nil {
			return false, fmt.Errorf("looking up DHCP lease: %w", err)
		}
		if ip == "" {
			return false, nil
		}

		s.logger.Info("server got address", "id", server.ID, "ip", ip)
		if _, err := s.db.Servers().Update(ctx, server.ID, Record{"ip": ip, "status": StatusActive}); err != nil {
			return false, fmt.Errorf("recording server address: %w", err)
		}

		server.IP = ip
		if err := s.meta.AddServer(ctx, server); err != nil {
			s.logger.Warn("metadata registration failed", "id", server.ID, "ip", ip, "error", err)
		}
		s.notify(ctx, EventActive, server, StatusActive)
		return true, nil
	}
}

// Resume restarts the address wait of servers that an earlier process left
// in status networking.
func (s *ServerService) Resume(ctx context.Context) error {
	rows, err := s.db.Servers().List(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row["status"] != StatusNetworking {
			continue
		}
		server, err := ServerFromRecord(row)
		if err != nil {
			return fmt.Errorf("parsing server %s: %w", row[ColID], err)
		}
		s.logger.Info("resume address wait", "id", server.ID, "mac", server.MACAddress)
		s.sched.Start(server.ID, s.opts.LeaseInterval, s.opts.LeaseAttempts, s.waitForLease(server))
	}
	return nil
}

// Delete stops the address wait, removes the domain and instance files,
// deregisters the server from the metadata service and tombstones the row.
func (s *ServerService) Delete(ctx context.Context, id string) (err error) {
	ctx, span := s.tracer.Start(ctx, "ServerService.Delete", trace.WithAttributes(attribute.String("server.id", id)))
	defer func() { endSpan(span, err) }()

	unlock := s.lock(id)
	defer unlock()

	s.logger.Info("delete server", "id", id)

	// The address wait may record an IP up to the moment it stops, so the
	// row is read only afterwards.
	s.sched.Stop(id)

	server, err := s.show(ctx, id)
	if err != nil {
		return err
	}

	if err := s.hv.DeleteServer(ctx, server); err != nil {
		return err
	}
	if err := os.RemoveAll(s.instanceDir(id)); err != nil {
		return fmt.Errorf("removing instance directory: %w", err)
	}
	if server.IP != "" {
		if err := s.meta.DeleteServer(ctx, server); err != nil {
			return err
		}
	}
	if err := s.db.Servers().Delete(ctx, ByID(id)); err != nil {
		return err
	}

	s.opMu.Delete(id)
	s.notify(ctx, EventDelete, server, "")
	return nil
}

// List returns every live server with its effective status.
func (s *ServerService) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.Servers().List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		merged, err := s.mergeStatus(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, merged)
	}
	return out, nil
}

// Show returns one server with its effective status.
func (s *ServerService) Show(ctx context.Context, id string) (Record, error) {
	row, err := s.db.Servers().Show(ctx, ByID(id))
	if err != nil {
		return nil, err
	}
	return s.mergeStatus(ctx, row)
}

func (s *ServerService) Start(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	s.logger.Info("start server", "id", id)
	server, err := s.show(ctx, id)
	if err != nil {
		return err
	}
	if err := s.hv.StartServer(ctx, server); err != nil {
		return err
	}
	s.notify(ctx, EventStart, server, "")
	return nil
}

func (s *ServerService) Stop(ctx context.Context, id string, hard bool) error {
	unlock := s.lock(id)
	defer unlock()

	s.logger.Info("stop server", "id", id, "hard", hard)
	server, err := s.show(ctx, id)
	if err != nil {
		return err
	}
	if err := s.hv.StopServer(ctx, server, hard); err != nil {
		return err
	}
	s.notify(ctx, EventStop, server, "")
	return nil
}

// Reboot stops and restarts the server. A soft reboot waits up to
// SoftRebootTimeout for the guest to shut down before forcing it off.
func (s *ServerService) Reboot(ctx context.Context, id string, hard bool) (err error) {
	ctx, span := s.tracer.Start(ctx, "ServerService.Reboot", trace.WithAttributes(
		attribute.String("server.id", id),
		attribute.Bool("hard", hard),
	))
	defer func() { endSpan(span, err) }()

	unlock := s.lock(id)
	defer unlock()

	s.logger.Info("reboot server", "id", id, "hard", hard)
	server, err := s.show(ctx, id)
	if err != nil {
		return err
	}

	if err := s.hv.StopServer(ctx, server, hard); err != nil {
		return err
	}

	if !hard {
		active, err := s.waitWhileActive(ctx, server)
		if err != nil {
			return err
		}
		if active {
			s.logger.Info("soft shutdown timed out, forcing stop", "id", id)
			if err := s.hv.StopServer(ctx, server, true); err != nil {
				return err
			}
			if err := s.sleep(ctx, s.opts.RebootPollInterval); err != nil {
				return err
			}
		}
	}

	if err := s.hv.StartServer(ctx, server); err != nil {
		return err
	}
	s.notify(ctx, EventReboot, server, "")
	return nil
}

// waitWhileActive polls the domain until it leaves the active state or the
// soft reboot window closes. It reports whether the domain is still active.
func (s *ServerService) waitWhileActive(ctx context.Context, server Server) (bool, error) {
	polls := 1
	if s.opts.RebootPollInterval > 0 {
		polls = int(s.opts.SoftRebootTimeout / s.opts.RebootPollInterval)
	}
	for i := 0; i < polls; i++ {
		info, err := s.hv.InfoServer(ctx, server)
		if err != nil {
			return false, err
		}
		if info == nil || info.Status != StatusActive {
			return false, nil
		}
		if err := s.sleep(ctx, s.opts.RebootPollInterval); err != nil {
			return false, err
		}
	}
	info, err := s.hv.InfoServer(ctx, server)
	if err != nil {
		return false, err
	}
	return info != nil && info.Status == StatusActive, nil
}

// ConsoleLog returns the server's console output. Undecodable bytes are
// dropped.
func (s *ServerService) ConsoleLog(ctx context.Context, id string) (string, error) {
	server, err := s.show(ctx, id)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.instanceDir(server.ID), "console.log")
	if _, err := s.runner.Run(ctx, true, "chown", strconv.Itoa(os.Getuid()), path); err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", NotFound("console log for server %s not found", id)
		}
		return "", fmt.Errorf("reading console log: %w", err)
	}
	return strings.ToValidUTF8(string(data), ""), nil
}

// mergeStatus overlays the live hypervisor status on a stored row. A server
// that is running but still waiting for its address reports networking.
func (s *ServerService) mergeStatus(ctx context.Context, row Record) (Record, error) {
	server, err := ServerFromRecord(row)
	if err != nil {
		return nil, fmt.Errorf("parsing server %s: %w", row[ColID], err)
	}
	info, err := s.hv.InfoServer(ctx, server)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return row, nil
	}

	out := row.Clone()
	out["status"] = info.Status
	if info.Status == StatusActive && row["status"] == StatusNetworking {
		out["status"] = StatusNetworking
	}
	return out, nil
}

func (s *ServerService) show(ctx context.Context, id string) (Server, error) {
	row, err := s.db.Servers().Show(ctx, ByID(id))
	if err != nil {
		return Server{}, err
	}
	return ServerFromRecord(row)
}

func (s *ServerService) instanceDir(id string) string {
	return filepath.Join(s.opts.InstancesDir, id)
}

// newMACAddress returns a locally administered QEMU style address that no
// live server uses yet.
func (s *ServerService) newMACAddress(ctx context.Context) (string, error) {
	rows, err := s.db.Servers().List(ctx)
	if err != nil {
		return "", err
	}
	used := make(map[string]bool, len(rows))
	for _, r := range rows {
		used[r["mac_address"]] = true
	}

	for i := 0; i < 32; i++ {
		var b [3]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", fmt.Errorf("generating mac address: %w", err)
		}
		mac := fmt.Sprintf("52:54:00:%02x:%02x:%02x", b[0], b[1], b[2])
		if !used[mac] {
			return mac, nil
		}
	}
	return "", Failure(http.StatusInternalServerError, "unable to allocate a unique mac address")
}

func (s *ServerService) lock(id string) func() {
	v, _ := s.opMu.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *ServerService) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-s.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ServerService) notify(ctx context.Context, typ string, server Server, status string) {
	ev := Event{
		Type:     typ,
		ServerID: server.ID,
		Name:     server.Name,
		Status:   status,
		IP:       server.IP,
		Time:     s.clock.Now().UTC(),
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Warn("failed to publish event", "event", typ, "id", server.ID, "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// rollback collects undo steps and runs them newest first.
type rollback struct {
	steps []undoStep
}

type undoStep struct {
	name string
	fn   func(ctx context.Context) error
}

func (r *rollback) add(name string, fn func(ctx context.Context) error) {
	r.steps = append(r.steps, undoStep{name: name, fn: fn})
}

func (r *rollback) run(ctx context.Context, logger Logger) {
	for i := len(r.steps) - 1; i >= 0; i-- {
		step := r.steps[i]
		if err := step.fn(ctx); err != nil {
			logger.Error("boot rollback step failed", "step", step.name, "error", err)
		}
	}
	r.steps = nil
}
