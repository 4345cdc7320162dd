package instance

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/wapod/pkg/engine"
	"github.com/cuemby/wapod/pkg/log"
	"github.com/cuemby/wapod/pkg/meter"
	"github.com/cuemby/wapod/pkg/metrics"
	"github.com/cuemby/wapod/pkg/ocall"
	"github.com/cuemby/wapod/pkg/types"
)

// Command is an external request delivered to an instance's inbox
type Command interface {
	isCommand()
}

// PushQuery delivers a payload to the guest and waits for its reply
type PushQuery struct {
	Origin  *types.AccountID
	Payload []byte
	ReplyTx chan []byte
	// Cancel is closed when the caller stops waiting for the reply
	Cancel <-chan struct{}
}

// HTTPConnect opens a streaming bidirectional channel into the guest.
// Head is the serialized request head; GuestConn is the guest's end of
// the duplex pipe.
type HTTPConnect struct {
	Head      []byte
	GuestConn net.Conn
}

// Stop asks the instance to unwind cooperatively
type Stop struct{}

func (PushQuery) isCommand()   {}
func (HTTPConnect) isCommand() {}
func (Stop) isCommand()        {}

// State is the lifecycle position of an instance
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// ExitKind classifies why an instance left Running
type ExitKind string

const (
	ExitOK             ExitKind = "ok"
	ExitStopped        ExitKind = "stopped"
	ExitQuotaExhausted ExitKind = "quota-exhausted"
	ExitTrap           ExitKind = "trap"
	ExitHostError      ExitKind = "host-error"
)

// ExitReason carries the exit classification and any trap detail
type ExitReason struct {
	Kind   ExitKind
	Detail string
}

func (r ExitReason) String() string {
	if r.Detail == "" {
		return string(r.Kind)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Detail)
}

// SessionFunc derives a fresh session token for a start
type SessionFunc func(address types.Address, startCount uint64) types.Bytes32

// Options configures a new instance
type Options struct {
	// Session derives the per-start session token
	Session SessionFunc
	// SendOutgoing is the instance's tap into the process-wide
	// outgoing channel
	SendOutgoing func(msg []byte, cancel <-chan struct{}) ocall.Errno
	// ACL governs the instance's outbound connects
	ACL *ocall.ACL
	// OnExit is invoked exactly once per start after the run tears down
	OnExit func(reason ExitReason)

	NetTimeout time.Duration
	// InboxSize bounds the command inbox; 0 selects the default
	InboxSize int
}

const defaultInboxSize = 16

// Instance is one live sandboxed program: an address, a session, a
// meter, a handle table, and a command inbox driving the guest.
type Instance struct {
	address  types.Address
	manifest *types.Manifest
	module   *engine.Module
	engine   *engine.Engine
	opts     Options
	logger   zerolog.Logger

	cmdCh chan Command

	state   atomic.Int32
	starts  atomic.Uint64
	stopReq atomic.Bool

	mu        sync.Mutex
	session   types.Bytes32
	meter     *meter.Meter
	env       *ocall.Env
	startedAt time.Time
	unwind    func()
	exitedCh  chan struct{}
	reason    ExitReason
}

// New creates an instance in Created state; no execution happens yet
func New(address types.Address, manifest *types.Manifest, eng *engine.Engine, module *engine.Module, opts Options) *Instance {
	size := opts.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}
	return &Instance{
		address:  address,
		manifest: manifest,
		module:   module,
		engine:   eng,
		opts:     opts,
		logger:   log.WithInstance(address.ShortID()),
		cmdCh:    make(chan Command, size),
	}
}

// Address returns the instance address
func (i *Instance) Address() types.Address {
	return i.address
}

// Session returns the current run's session token
func (i *Instance) Session() types.Bytes32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.session
}

// Starts returns how many times the instance has been started
func (i *Instance) Starts() uint64 {
	return i.starts.Load()
}

// State returns the lifecycle state
func (i *Instance) State() State {
	return State(i.state.Load())
}

// CommandTx returns the inbox sender. Sends must not block; use TrySend.
func (i *Instance) CommandTx() chan<- Command {
	return i.cmdCh
}

// TrySend enqueues a command without blocking. It reports false when the
// inbox is full or the instance has exited.
func (i *Instance) TrySend(cmd Command) bool {
	if i.State() == StateExited {
		return false
	}
	select {
	case i.cmdCh <- cmd:
		return true
	default:
		return false
	}
}

// Start draws a fresh session, resets the meter, and schedules the guest
// entry point. A second Start while Running is a no-op.
func (i *Instance) Start() error {
	// Created and Exited may both transition to Running; a repeated
	// Start while Running is an idempotent no-op.
	if !i.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) &&
		!i.state.CompareAndSwap(int32(StateExited), int32(StateRunning)) {
		i.logger.Warn().Msg("Start ignored: instance already running")
		return nil
	}

	starts := i.starts.Add(1)
	i.stopReq.Store(false)

	m := meter.New()
	queries := make(chan *ocall.Query)
	httpConns := make(chan *ocall.HTTPRequest)
	done := make(chan struct{})

	env := &ocall.Env{
		Meter:        m,
		Handles:      ocall.NewHandleTable(),
		ACL:          i.opts.ACL,
		Logger:       i.logger,
		Queries:      queries,
		HTTPConns:    httpConns,
		SendOutgoing: i.opts.SendOutgoing,
		Done:         done,
		NetTimeout:   i.opts.NetTimeout,
	}

	var once sync.Once
	unwind := func() {
		once.Do(func() {
			m.Stop()
			close(done)
			env.Handles.CloseAll()
		})
	}

	i.mu.Lock()
	if i.opts.Session != nil {
		i.session = i.opts.Session(i.address, starts)
	}
	i.meter = m
	i.env = env
	i.startedAt = time.Now()
	i.unwind = unwind
	i.exitedCh = make(chan struct{})
	i.mu.Unlock()

	metrics.InstancesStarted.Inc()
	metrics.InstancesRunning.Inc()

	runtime, err := i.engine.Instantiate(i.module, env, engine.Config{
		MaxMemoryPages: i.manifest.Limits.MaxMemoryPages,
		ABIVersion:     i.manifest.ABIVersion,
		MaxGas:         i.manifest.Limits.MaxGasPerEpoch,
	})
	if err != nil {
		i.finish(ExitReason{Kind: ExitHostError, Detail: err.Error()})
		return fmt.Errorf("failed to instantiate: %w", err)
	}

	i.logger.Info().Uint64("starts", starts).Msg("Instance starting")

	go i.dispatch(queries, httpConns, done)
	go i.run(runtime)
	return nil
}

// dispatch routes inbox commands to the guest-facing channels. Delivery
// preserves the inbox FIFO order.
func (i *Instance) dispatch(queries chan *ocall.Query, httpConns chan *ocall.HTTPRequest, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case cmd := <-i.cmdCh:
			switch c := cmd.(type) {
			case PushQuery:
				query := &ocall.Query{
					Origin:  c.Origin,
					Payload: c.Payload,
					ReplyTx: c.ReplyTx,
					Cancel:  c.Cancel,
				}
				select {
				case queries <- query:
				case <-done:
					return
				}
			case HTTPConnect:
				req := &ocall.HTTPRequest{Head: c.Head, GuestConn: c.GuestConn}
				select {
				case httpConns <- req:
				case <-done:
					c.GuestConn.Close()
					return
				}
			case Stop:
				i.Stop()
				return
			}
		}
	}
}

// run executes the guest entry to completion and classifies the exit
func (i *Instance) run(runtime *engine.Runtime) {
	err := runtime.Start()
	stopped := i.stopReq.Load()

	// The stop flag is only raised by the quota paths and by unwinds;
	// an explicit Stop is distinguished via the stop-request flag.
	var reason ExitReason
	switch {
	case stopped:
		reason = ExitReason{Kind: ExitStopped}
	case i.meterStopped():
		reason = ExitReason{Kind: ExitQuotaExhausted}
	case err != nil:
		reason = ExitReason{Kind: ExitTrap, Detail: err.Error()}
	default:
		reason = ExitReason{Kind: ExitOK}
	}
	i.finish(reason)
}

func (i *Instance) meterStopped() bool {
	i.mu.Lock()
	m := i.meter
	i.mu.Unlock()
	return m != nil && m.Stopped()
}

// finish moves the instance to Exited, frees resources, and reports
func (i *Instance) finish(reason ExitReason) {
	i.state.Store(int32(StateExited))

	i.mu.Lock()
	unwind := i.unwind
	exitedCh := i.exitedCh
	i.reason = reason
	i.mu.Unlock()

	if unwind != nil {
		unwind()
	}

	metrics.InstancesExited.WithLabelValues(string(reason.Kind)).Inc()
	metrics.InstancesRunning.Dec()

	i.mu.Lock()
	m := i.meter
	i.mu.Unlock()
	if m != nil {
		usage := m.Snapshot()
		metrics.GasConsumed.Add(float64(usage.GasConsumed))
		metrics.NetIngressBytes.Add(float64(usage.NetIngress))
		metrics.NetEgressBytes.Add(float64(usage.NetEgress))
	}

	i.logger.Info().Str("reason", reason.String()).Msg("Instance exited")

	// The exit callback runs before joiners are released, so a caller
	// awaiting Join observes the scheduler bookkeeping already settled.
	if i.opts.OnExit != nil {
		i.opts.OnExit(reason)
	}
	if exitedCh != nil {
		close(exitedCh)
	}
}

// Stop asks the running guest to unwind cooperatively; pending host
// calls return Closed and the exit reason is Stopped. Stopping an
// instance that is not running is a no-op.
func (i *Instance) Stop() {
	i.stopReq.Store(true)
	i.mu.Lock()
	unwind := i.unwind
	i.mu.Unlock()
	if unwind != nil {
		unwind()
	}
}

// Meter returns the current run's meter, nil before the first start
func (i *Instance) Meter() *meter.Meter {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.meter
}

// Join blocks until the current run exits and returns the reason
func (i *Instance) Join() ExitReason {
	i.mu.Lock()
	exitedCh := i.exitedCh
	i.mu.Unlock()

	if exitedCh != nil {
		<-exitedCh
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reason
}

// Metrics snapshots the instance's resource usage
func (i *Instance) Metrics() types.AppMetrics {
	i.mu.Lock()
	m := i.meter
	session := i.session
	startedAt := i.startedAt
	i.mu.Unlock()

	snapshot := types.AppMetrics{
		Address: i.address,
		Session: session,
		Starts:  i.starts.Load(),
	}
	if m != nil {
		usage := m.Snapshot()
		snapshot.GasConsumed = usage.GasConsumed
		snapshot.NetIngress = usage.NetIngress
		snapshot.NetEgress = usage.NetEgress
		snapshot.StorageRead = usage.StorageRead
		snapshot.StorageWrite = usage.StorageWritten
	}
	if !startedAt.IsZero() {
		snapshot.RunningTimeMS = uint64(time.Since(startedAt).Milliseconds())
	}
	return snapshot
}

// CheckQuota is the epoch checker's visit: it trips the stop flag when
// any quota is exceeded and unwinds an already-stopped instance.
func (i *Instance) CheckQuota() {
	if i.State() != StateRunning {
		return
	}
	i.mu.Lock()
	m := i.meter
	unwind := i.unwind
	i.mu.Unlock()
	if m == nil {
		return
	}

	limits := i.manifest.Limits
	usage := m.Snapshot()
	exceeded := false
	if limits.MaxGasPerEpoch > 0 && usage.GasConsumed > limits.MaxGasPerEpoch {
		exceeded = true
	}
	if limits.MaxNetBytes > 0 && usage.NetIngress+usage.NetEgress > limits.MaxNetBytes {
		exceeded = true
	}
	if limits.MaxStorageBytes > 0 && usage.StorageRead+usage.StorageWritten > limits.MaxStorageBytes {
		exceeded = true
	}

	if exceeded {
		m.Stop()
	}
	if m.Stopped() && unwind != nil {
		unwind()
	}
}
