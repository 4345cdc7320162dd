package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/wapod/pkg/blobs"
	"github.com/cuemby/wapod/pkg/engine"
	"github.com/cuemby/wapod/pkg/events"
	"github.com/cuemby/wapod/pkg/instance"
	"github.com/cuemby/wapod/pkg/log"
	"github.com/cuemby/wapod/pkg/metrics"
	"github.com/cuemby/wapod/pkg/ocall"
	"github.com/cuemby/wapod/pkg/types"
)

// ErrResourceExhausted is returned when a deploy would exceed the
// global instance cap
var ErrResourceExhausted = errors.New("instance cap reached")

// ErrCodeNotFound is returned when a manifest's bytecode is not in the
// blob store
var ErrCodeNotFound = errors.New("bytecode not found in object store")

// SendError reports a failed command delivery with an HTTP-style code:
// 404 for an unknown address, 503 for a full or closed inbox.
type SendError struct {
	Code   int
	Reason string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Reason)
}

// Config controls the service
type Config struct {
	// MaxInstances caps concurrently deployed instances
	MaxInstances int
	// MaxMemoryPages is the per-instance linear memory cap applied when
	// a manifest does not set its own lower limit
	MaxMemoryPages uint32
	// EpochTick is the interval at which meters are observed
	EpochTick time.Duration
	// OutgoingBuffer bounds the outgoing channel
	OutgoingBuffer int
	// TCPAllow and TCPDeny govern outbound connects of all instances
	TCPAllow []string
	TCPDeny  []string

	NetTimeout time.Duration
}

const (
	DefaultMaxInstances = 8
	DefaultEpochTick    = 100 * time.Millisecond
)

// Service is the process-wide scheduler: it owns the address table, the
// outgoing channel, the epoch checker, and the instance cap.
type Service struct {
	cfg      Config
	engine   *engine.Engine
	store    *blobs.Store
	table    *Table
	outgoing *Outgoing
	broker   *events.Broker
	session  instance.SessionFunc
	acl      *ocall.ACL
	slots    *semaphore.Weighted
	logger   zerolog.Logger

	// deployMu serializes deploys so same-address races resolve in order
	deployMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates the service. The broker may be nil when no event sink is
// attached; the session function must not be.
func New(cfg Config, eng *engine.Engine, store *blobs.Store, broker *events.Broker, session instance.SessionFunc) (*Service, error) {
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = DefaultMaxInstances
	}
	if cfg.EpochTick <= 0 {
		cfg.EpochTick = DefaultEpochTick
	}
	if cfg.MaxMemoryPages == 0 {
		cfg.MaxMemoryPages = engine.DefaultMaxMemoryPages
	}

	acl, err := ocall.NewACL(cfg.TCPAllow, cfg.TCPDeny)
	if err != nil {
		return nil, fmt.Errorf("invalid tcp acl: %w", err)
	}

	return &Service{
		cfg:      cfg,
		engine:   eng,
		store:    store,
		table:    NewTable(),
		outgoing: NewOutgoing(cfg.OutgoingBuffer),
		broker:   broker,
		session:  session,
		acl:      acl,
		slots:    semaphore.NewWeighted(int64(cfg.MaxInstances)),
		logger:   log.WithComponent("service"),
	}, nil
}

// Start launches the epoch checker
func (s *Service) Start() {
	s.stopCh = make(chan struct{})
	go s.epochLoop()
}

// Shutdown stops every instance and the epoch checker, then closes the
// outgoing channel. Safe to call more than once.
func (s *Service) Shutdown() {
	s.stopOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
		}
		s.table.Visit(func(addr types.Address, inst *instance.Instance) {
			inst.Stop()
			inst.Join()
		})
		s.outgoing.Close()
	})
}

// Outgoing returns the front end's receiver half of the outgoing channel
func (s *Service) Outgoing() <-chan OutgoingMessage {
	return s.outgoing.Receiver()
}

// ObjectsDir returns the blob store directory served to the front end
func (s *Service) ObjectsDir() string {
	return s.store.Dir()
}

// epochLoop visits every running instance each tick and unwinds the ones
// whose meter is stopped or over quota.
func (s *Service) epochLoop() {
	ticker := time.NewTicker(s.cfg.EpochTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.table.Visit(func(addr types.Address, inst *instance.Instance) {
				inst.CheckQuota()
			})
		case <-s.stopCh:
			return
		}
	}
}

// Deploy resolves a manifest to a running instance. With replace unset,
// a live incumbent at the same address is returned as-is. With replace
// set (the upload-manifest path), the incumbent is stopped first, its
// exit awaited, and only then is the replacement installed; the table
// never holds two instances for one address.
func (s *Service) Deploy(manifest *types.Manifest, replace bool) (*instance.Instance, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	if manifest.ABIVersion > engine.CurrentABIVersion {
		return nil, engine.ErrABIUnsupported
	}

	address, err := manifest.Address()
	if err != nil {
		return nil, err
	}
	logger := s.logger.With().Str("address", address.ShortID()).Logger()

	// Concurrent deploys serialize; the second caller observes the
	// first's installed instance.
	s.deployMu.Lock()
	defer s.deployMu.Unlock()

	if incumbent := s.table.Get(address); incumbent != nil {
		if !replace {
			logger.Debug().Msg("Deploy found live incumbent")
			return incumbent, nil
		}
		logger.Info().Msg("Replacing incumbent instance")
		incumbent.Stop()
		incumbent.Join()
		// The exit path removes the table entry; make sure it is gone
		// before installing the replacement.
		s.table.TakeIf(address, incumbent)
	}

	code, err := s.store.Get(manifest.CodeHash, manifest.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	if code == nil {
		return nil, ErrCodeNotFound
	}

	module, err := s.engine.Compile(code)
	if err != nil {
		return nil, err
	}

	if !s.slots.TryAcquire(1) {
		metrics.DeploysRejected.WithLabelValues("cap").Inc()
		return nil, ErrResourceExhausted
	}

	limits := manifest.Limits
	if limits.MaxMemoryPages == 0 || limits.MaxMemoryPages > s.cfg.MaxMemoryPages {
		limits.MaxMemoryPages = s.cfg.MaxMemoryPages
	}
	effective := *manifest
	effective.Limits = limits

	var inst *instance.Instance
	inst = instance.New(address, &effective, s.engine, module, instance.Options{
		Session:      s.session,
		SendOutgoing: s.outgoing.SenderFor(address),
		ACL:          s.acl,
		NetTimeout:   s.cfg.NetTimeout,
		OnExit: func(reason instance.ExitReason) {
			s.slots.Release(1)
			s.table.TakeIf(address, inst)
			s.emit(events.EventInstanceExited, "instance exited", map[string]string{
				"address": address.Hex(),
				"reason":  string(reason.Kind),
			})
		},
	})

	if !s.table.InsertIfAbsent(address, inst) {
		// Lost a race with a concurrent deploy; yield to the winner
		s.slots.Release(1)
		return s.table.Get(address), nil
	}

	if err := inst.Start(); err != nil {
		s.table.TakeIf(address, inst)
		return nil, err
	}

	metrics.DeploysTotal.Inc()
	s.emit(events.EventInstanceCreated, "instance created", map[string]string{
		"address": address.Hex(),
	})
	logger.Info().Msg("Instance deployed")
	return inst, nil
}

// Send looks up the address and forwards a command. Unknown addresses
// and full inboxes are reported with HTTP-style codes.
func (s *Service) Send(addr types.Address, cmd instance.Command) error {
	inst := s.table.Get(addr)
	if inst == nil {
		return &SendError{Code: 404, Reason: "instance not found"}
	}
	if !inst.TrySend(cmd) {
		return &SendError{Code: 503, Reason: "instance inbox unavailable"}
	}
	return nil
}

// SenderFor returns the live instance, whose TrySend feeds its inbox; nil
// if the address is unknown.
func (s *Service) SenderFor(addr types.Address) *instance.Instance {
	return s.table.Get(addr)
}

// TakeHandle removes and returns the instance at an address
func (s *Service) TakeHandle(addr types.Address) *instance.Instance {
	return s.table.Take(addr)
}

// Stop stops the instance at an address and waits for its exit.
// Stopping an already-stopped or unknown address reports NotFound.
func (s *Service) Stop(addr types.Address) error {
	inst := s.table.Take(addr)
	if inst == nil {
		return &SendError{Code: 404, Reason: "instance not found"}
	}
	inst.Stop()
	reason := inst.Join()
	s.logger.Info().
		Str("address", addr.ShortID()).
		Str("reason", reason.String()).
		Msg("Instance stopped")
	return nil
}

// Remove tears down the instance at an address. Removing an unknown
// address is a no-op success.
func (s *Service) Remove(addr types.Address) {
	inst := s.table.Take(addr)
	if inst == nil {
		return
	}
	inst.Stop()
	inst.Join()
}

// StartInstance calls Start on the instance installed at an address; a
// running instance is left alone. Exited instances are removed from the
// table, so an exited or unknown address reports NotFound.
func (s *Service) StartInstance(addr types.Address) error {
	inst := s.table.Get(addr)
	if inst == nil {
		return &SendError{Code: 404, Reason: "instance not found"}
	}
	return inst.Start()
}

// Info summarizes the service state
type Info struct {
	Running  int `json:"running"`
	Deployed int `json:"deployed"`
}

// Info reports running and deployed instance counts
func (s *Service) Info() Info {
	info := Info{Deployed: s.table.Len()}
	s.table.Visit(func(addr types.Address, inst *instance.Instance) {
		if inst.State() == instance.StateRunning {
			info.Running++
		}
	})
	return info
}

// Metrics snapshots resource usage. With no addresses given, every
// deployed instance is included.
func (s *Service) Metrics(addresses ...types.Address) []types.AppMetrics {
	var snapshots []types.AppMetrics
	if len(addresses) == 0 {
		s.table.Visit(func(addr types.Address, inst *instance.Instance) {
			snapshots = append(snapshots, inst.Metrics())
		})
		return snapshots
	}
	for _, addr := range addresses {
		if inst := s.table.Get(addr); inst != nil {
			snapshots = append(snapshots, inst.Metrics())
		}
	}
	return snapshots
}

func (s *Service) emit(typ events.EventType, msg string, metadata map[string]string) {
	if s.broker != nil {
		s.broker.Publish(events.New(typ, msg, metadata))
	}
}
