package ocall

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/wapod/pkg/meter"
	"github.com/cuemby/wapod/pkg/types"
)

// DefaultNetTimeout bounds outbound connects and TLS handshakes
const DefaultNetTimeout = 10 * time.Second

// Query is one pushed query awaiting the guest. It is allocated into the
// handle table so the guest can read the payload and reply by handle.
type Query struct {
	Origin  *types.AccountID
	Payload []byte
	ReplyTx chan []byte
	// Cancel is closed when the external caller gave up on the reply
	Cancel <-chan struct{}
}

func (q *Query) Close() error {
	return nil
}

// HTTPRequest is one streaming connection awaiting the guest. Head is the
// serialized request head; GuestConn is the guest's end of the duplex
// channel to the external client.
type HTTPRequest struct {
	Head      []byte
	GuestConn net.Conn
}

// HTTPConn is the guest-side resource of an accepted streaming
// connection: a metered stream plus the serialized request head.
type HTTPConn struct {
	*Stream
	Head []byte
}

// byteStream is any resource that moves bytes for the guest
type byteStream interface {
	Resource
	Read([]byte) (int, Errno)
	Write([]byte) (int, Errno)
	Shutdown() Errno
}

// Task is the join-handle resource of a spawned guest task
type Task struct {
	done chan struct{}
}

// Done is closed when the task's entry function returns
func (t *Task) Done() chan struct{} {
	return t.done
}

func (t *Task) Close() error {
	return nil
}

// Env is the host-call environment of one instance: the fixed set of
// operations the sandbox may invoke. Every call charges the instance
// meter in its own path; none of them takes a scheduler lock.
//
// Blocking calls release RunLock (the instance's execution lock) while
// parked so other guest tasks of the same instance can run; guest code
// itself never executes on two goroutines at once.
type Env struct {
	Meter   *meter.Meter
	Handles *HandleTable
	ACL     *ACL
	Logger  zerolog.Logger

	// Queries and HTTPConns feed external commands to the guest
	Queries   <-chan *Query
	HTTPConns <-chan *HTTPRequest

	// SendOutgoing enqueues a message on the process-wide outgoing
	// channel; it blocks cooperatively when the channel is full, giving
	// up when cancel is closed.
	SendOutgoing func(msg []byte, cancel <-chan struct{}) Errno

	// StartTask schedules a guest task entry; set by the runtime layer
	StartTask func(taskIdx int32, done func()) Errno

	// Done is closed when the instance is told to unwind
	Done <-chan struct{}

	// RunLock serializes guest execution within the instance
	RunLock sync.Locker

	// MaxGas is the gas quota, compared with the gas consumed since the
	// instance started; 0 means unlimited
	MaxGas uint64

	NetTimeout time.Duration

	mu           sync.Mutex
	sniListeners map[string]*sniShared
}

// block runs f with the instance execution lock released
func (e *Env) block(f func()) {
	if e.RunLock != nil {
		e.RunLock.Unlock()
		defer e.RunLock.Lock()
	}
	f()
}

func (e *Env) netTimeout() time.Duration {
	if e.NetTimeout > 0 {
		return e.NetTimeout
	}
	return DefaultNetTimeout
}

// stopped reports whether the instance should unwind instead of
// continuing the current call
func (e *Env) stopped() bool {
	select {
	case <-e.Done:
		return true
	default:
		return e.Meter.Stopped()
	}
}

// ChargeGas adds execution gas and reports quota exhaustion. The guest
// toolchain instruments compute loops with this call, so it doubles as
// the preemption point for pure computation.
func (e *Env) ChargeGas(gas uint64) Errno {
	e.Meter.RecordGas(gas)
	if e.Meter.Stopped() {
		return ErrnoQuotaExhausted
	}
	if e.MaxGas > 0 && e.Meter.GasConsumed() > e.MaxGas {
		e.Meter.Stop()
		return ErrnoQuotaExhausted
	}
	return ErrnoOK
}

// Close releases a resource handle
func (e *Env) Close(handle int32) Errno {
	return e.Handles.Close(handle)
}

// Listen binds a listener. With a nil TLS config the listener is plain
// TCP. With a TLS config, the listener is SNI-aware: a later Listen on
// the same address augments the server-name table, and a bind with an
// already-present server name replaces its certificate.
func (e *Env) Listen(addr string, cfg *TLSServerConfig) (int32, Errno) {
	if e.stopped() {
		return 0, ErrnoClosed
	}
	if addr == "" {
		return 0, ErrnoInvalidArgument
	}

	if cfg == nil {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			e.Logger.Debug().Err(err).Str("addr", addr).Msg("tcp listen failed")
			return 0, translateError(err)
		}
		return e.Handles.Alloc(&TCPListener{ln: ln}), ErrnoOK
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sniListeners == nil {
		e.sniListeners = make(map[string]*sniShared)
	}

	shared, ok := e.sniListeners[addr]
	if !ok {
		var err error
		shared, err = newSNIShared(addr)
		if err != nil {
			e.Logger.Debug().Err(err).Str("addr", addr).Msg("tls listen failed")
			return 0, translateError(err)
		}
		e.sniListeners[addr] = shared
	}
	if err := shared.setCert(cfg); err != nil {
		if shared.refs == 0 {
			shared.ln.Close()
			delete(e.sniListeners, addr)
		}
		return 0, ErrnoInvalidArgument
	}
	shared.refs++

	listener := &TLSListener{shared: shared, onClose: e.releaseSNI}
	return e.Handles.Alloc(listener), ErrnoOK
}

func (e *Env) releaseSNI(shared *sniShared) {
	e.mu.Lock()
	defer e.mu.Unlock()
	shared.refs--
	if shared.refs <= 0 {
		shared.ln.Close()
		delete(e.sniListeners, shared.addr)
	}
}

// Accept blocks for the next connection on a listener. The meter is
// charged the connect-done fee for the transport.
func (e *Env) Accept(handle int32) (int32, PeerInfo, Errno) {
	res, errno := e.Handles.Get(handle)
	if errno != ErrnoOK {
		return 0, PeerInfo{}, errno
	}

	var conn net.Conn
	var err error
	switch ln := res.(type) {
	case *TCPListener:
		e.block(func() { conn, err = ln.ln.Accept() })
		if err == nil {
			e.Meter.RecordTCPConnectDone()
		}
	case *TLSListener:
		e.block(func() { conn, err = ln.Accept() })
		if err == nil {
			e.Meter.RecordTLSConnectDone()
		}
	default:
		return 0, PeerInfo{}, ErrnoBadHandle
	}
	if err != nil {
		if e.stopped() {
			return 0, PeerInfo{}, ErrnoClosed
		}
		return 0, PeerInfo{}, translateError(err)
	}

	stream := NewStream(conn, e.Meter)
	return e.Handles.Alloc(stream), peerInfoFor(conn), ErrnoOK
}

// Connect opens an outbound TCP connection, optionally upgraded to TLS.
// The target must pass the instance ACL. The meter is charged
// connect-start before the dial and connect-done on success.
func (e *Env) Connect(host string, port uint16, useTLS bool, serverName string) (int32, Errno) {
	if e.stopped() {
		return 0, ErrnoClosed
	}
	if host == "" || port == 0 {
		return 0, ErrnoInvalidArgument
	}
	if !e.ACL.Permits(host, port) {
		e.Logger.Debug().Str("host", host).Uint16("port", port).Msg("connect denied by acl")
		return 0, ErrnoDenied
	}

	if useTLS {
		e.Meter.RecordTLSConnectStart()
	} else {
		e.Meter.RecordTCPConnectStart()
	}

	target := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	var conn net.Conn
	var err error
	e.block(func() {
		conn, err = net.DialTimeout("tcp", target, e.netTimeout())
		if err == nil && useTLS {
			name := serverName
			if name == "" {
				name = host
			}
			tlsConn := tls.Client(conn, &tls.Config{ServerName: name})
			tlsConn.SetDeadline(time.Now().Add(e.netTimeout()))
			if herr := tlsConn.Handshake(); herr != nil {
				conn.Close()
				err = herr
				return
			}
			tlsConn.SetDeadline(time.Time{})
			conn = tlsConn
		}
	})
	if err != nil {
		return 0, translateError(err)
	}

	if useTLS {
		e.Meter.RecordTLSConnectDone()
	} else {
		e.Meter.RecordTCPConnectDone()
	}
	return e.Handles.Alloc(NewStream(conn, e.Meter)), ErrnoOK
}

// Read reads up to max bytes from a stream
func (e *Env) Read(handle int32, max int32) ([]byte, Errno) {
	res, errno := e.Handles.Get(handle)
	if errno != ErrnoOK {
		return nil, errno
	}
	stream, ok := res.(byteStream)
	if !ok {
		return nil, ErrnoBadHandle
	}
	if max <= 0 {
		return nil, ErrnoInvalidArgument
	}

	buf := make([]byte, max)
	var n int
	e.block(func() { n, errno = stream.Read(buf) })
	if errno != ErrnoOK {
		if e.stopped() {
			return nil, ErrnoClosed
		}
		return nil, errno
	}
	return buf[:n], ErrnoOK
}

// Write writes data to a stream
func (e *Env) Write(handle int32, data []byte) (int32, Errno) {
	res, errno := e.Handles.Get(handle)
	if errno != ErrnoOK {
		return 0, errno
	}
	stream, ok := res.(byteStream)
	if !ok {
		return 0, ErrnoBadHandle
	}

	var n int
	e.block(func() { n, errno = stream.Write(data) })
	if errno != ErrnoOK && e.stopped() {
		return int32(n), ErrnoClosed
	}
	return int32(n), errno
}

// Shutdown closes the write half of a stream
func (e *Env) Shutdown(handle int32) Errno {
	res, errno := e.Handles.Get(handle)
	if errno != ErrnoOK {
		return errno
	}
	stream, ok := res.(byteStream)
	if !ok {
		return ErrnoBadHandle
	}
	return stream.Shutdown()
}

// Sleep parks the caller for ms milliseconds
func (e *Env) Sleep(ms int64) Errno {
	if ms < 0 {
		return ErrnoInvalidArgument
	}
	var errno Errno
	e.block(func() {
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
			errno = ErrnoOK
		case <-e.Done:
			errno = ErrnoClosed
		}
	})
	return errno
}

// NowMS returns the host wall clock in unix milliseconds
func (e *Env) NowMS() int64 {
	return time.Now().UnixMilli()
}

// Spawn schedules a new cooperative task inside the same instance and
// returns its join handle.
func (e *Env) Spawn(taskIdx int32) (int32, Errno) {
	if e.stopped() {
		return 0, ErrnoClosed
	}
	if e.StartTask == nil {
		return 0, ErrnoInternal
	}

	task := &Task{done: make(chan struct{})}
	handle := e.Handles.Alloc(task)
	errno := e.StartTask(taskIdx, func() { close(task.done) })
	if errno != ErrnoOK {
		e.Handles.Close(handle)
		return 0, errno
	}
	return handle, ErrnoOK
}

// Join blocks until a spawned task finishes
func (e *Env) Join(handle int32) Errno {
	res, errno := e.Handles.Get(handle)
	if errno != ErrnoOK {
		return errno
	}
	task, ok := res.(*Task)
	if !ok {
		return ErrnoBadHandle
	}

	e.block(func() {
		select {
		case <-task.Done():
		case <-e.Done:
			errno = ErrnoClosed
		}
	})
	return errno
}

// OutgoingSend enqueues a message for the front end. Back-pressured: the
// call blocks cooperatively while the outgoing channel is full.
func (e *Env) OutgoingSend(msg []byte) Errno {
	if e.stopped() {
		return ErrnoClosed
	}
	if e.SendOutgoing == nil {
		return ErrnoInternal
	}
	var errno Errno
	e.block(func() { errno = e.SendOutgoing(msg, e.Done) })
	return errno
}

// EmitLog records a guest log event attributed to the instance
func (e *Env) EmitLog(level int32, msg string) {
	event := e.Logger.Info()
	switch level {
	case 0:
		event = e.Logger.Debug()
	case 2:
		event = e.Logger.Warn()
	case 3:
		event = e.Logger.Error()
	}
	event.Str("origin", "guest").Msg(msg)
}

// NextQuery blocks for the next pushed query
func (e *Env) NextQuery() (*Query, Errno) {
	var query *Query
	var errno Errno
	e.block(func() {
		select {
		case q, ok := <-e.Queries:
			if !ok {
				errno = ErrnoClosed
				return
			}
			query = q
		case <-e.Done:
			errno = ErrnoClosed
		}
	})
	if errno != ErrnoOK {
		return nil, errno
	}
	e.Meter.RecordNetIngress(uint64(len(query.Payload)))
	return query, ErrnoOK
}

// ReplyQuery delivers the guest's reply for a query. If the external
// caller is gone the reply is dropped and PeerGone is reported.
func (e *Env) ReplyQuery(q *Query, reply []byte) Errno {
	e.Meter.RecordNetEgress(uint64(len(reply)))
	select {
	case <-q.Cancel:
		return ErrnoPeerGone
	case q.ReplyTx <- reply:
		return ErrnoOK
	}
}

// NextHTTP blocks for the next streaming connection. The returned handle
// refers to an HTTPConn resource carrying the request head; reads and
// writes on it move bytes to and from the external client.
func (e *Env) NextHTTP() (int32, Errno) {
	var req *HTTPRequest
	var errno Errno
	e.block(func() {
		select {
		case r, ok := <-e.HTTPConns:
			if !ok {
				errno = ErrnoClosed
				return
			}
			req = r
		case <-e.Done:
			errno = ErrnoClosed
		}
	})
	if errno != ErrnoOK {
		return 0, errno
	}
	conn := &HTTPConn{
		Stream: NewStream(req.GuestConn, e.Meter),
		Head:   req.Head,
	}
	return e.Handles.Alloc(conn), ErrnoOK
}
