// Package ctlplane implements the controller side of the enforcer control
// plane: a mutually-authenticated TLS listener carrying length-prefixed
// JSON RPC, plus the client used by enforcers to reach it.
package ctlplane

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"mudward.io/mudward/internal/clock"
	"mudward.io/mudward/internal/device"
	"mudward.io/mudward/internal/firewall"
	"mudward.io/mudward/internal/logging"
	"mudward.io/mudward/internal/metrics"
	"mudward.io/mudward/internal/profile"
	"mudward.io/mudward/internal/protocol"
	"mudward.io/mudward/internal/ratelimit"
	"mudward.io/mudward/internal/storage"
)

// Connection attempts allowed per peer IP per minute, checked before the
// TLS handshake so certificate grinding stays cheap to refuse.
const connAttemptsPerMinute = 30

// ServerOptions configures the control-plane listener.
type ServerOptions struct {
	ListenAddr    string
	TLSConfig     *tls.Config
	MaxSessions   int // concurrent enforcer channels; extras wait
	MaxFrameBytes int
	ACMEDomain    string
}

// Server accepts enforcer channels and serves the Controller RPC service.
type Server struct {
	opts    ServerOptions
	rpc     *rpc.Server
	limiter *ratelimit.Limiter
	log     *logging.Logger

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	slots chan struct{}

	// Idle rate-limit buckets are dropped after this long; the sweep runs
	// on the caller's scheduler.
	limiterIdleAfter time.Duration

	mu    sync.Mutex
	peers map[string]struct{}
	conns map[net.Conn]struct{}
}

// NewServer wires the RPC surface over the given services.
func NewServer(store *storage.Store, repo *device.Repository, cache *profile.Cache, devices *device.Service, opts ServerOptions) *Server {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 10
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:             opts,
		rpc:              rpc.NewServer(),
		limiter:          ratelimit.NewLimiter(),
		log:              logging.WithComponent("ctlplane"),
		ctx:              ctx,
		cancel:           cancel,
		slots:            make(chan struct{}, opts.MaxSessions),
		limiterIdleAfter: time.Hour,
		peers:            make(map[string]struct{}),
		conns:            make(map[net.Conn]struct{}),
	}

	ctrl := &Controller{
		ctx:        ctx,
		store:      store,
		repo:       repo,
		cache:      cache,
		devices:    devices,
		acmeDomain: opts.ACMEDomain,
		log:        s.log,
	}
	// RegisterName cannot fail for a type with conforming exported methods.
	_ = s.rpc.RegisterName("Controller", ctrl)
	return s
}

// Start opens the TLS listener and begins accepting enforcer channels.
func (s *Server) Start() error {
	if s.opts.TLSConfig == nil {
		return errors.New("ctlplane: TLS config is required")
	}
	ln, err := tls.Listen("tcp", s.opts.ListenAddr, s.opts.TLSConfig)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.ListenAddr, err)
	}
	return s.StartWithListener(ln)
}

// StartWithListener serves on an already-open listener. The listener must
// already speak TLS when client authentication is expected.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.ln = ln
	s.log.Info("control plane listening", "addr", ln.Addr().String(), "max_sessions", s.opts.MaxSessions)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener, tears down active enforcer channels, and waits
// for their goroutines to drain. Without the teardown a session parked in
// ServeCodec would hold Stop until the peer disconnected on its own.
func (s *Server) Stop() {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// SweepRateLimiter drops rate-limit state for peers with no recent
// connection attempts, bounding limiter memory over long uptimes. Run
// periodically by the scheduler.
func (s *Server) SweepRateLimiter(ctx context.Context) error {
	s.limiter.CleanupExpired(s.limiterIdleAfter)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn runs the admission policy for one enforcer channel: per-peer
// rate limit, one channel per peer IP, then the global session cap.
func (s *Server) handleConn(conn net.Conn) {
	m := metrics.Get()
	peer := peerHost(conn.RemoteAddr())
	session := uuid.NewString()
	log := s.log.WithFields(map[string]any{"peer": peer, "session": session})

	s.trackConn(conn)
	defer s.untrackConn(conn)

	if !s.limiter.Allow(peer, connAttemptsPerMinute, time.Minute) {
		m.SessionsRejected.WithLabelValues("ratelimited").Inc()
		log.Warn("connection rate limit exceeded")
		conn.Close()
		return
	}

	if !s.claimPeer(peer) {
		m.SessionsRejected.WithLabelValues("duplicate_peer").Inc()
		log.Warn("dropping second channel from peer")
		conn.Close()
		return
	}
	defer s.releasePeer(peer)

	// Block until a global slot frees; waiting channels are served in
	// arrival order by the runtime's channel queue.
	select {
	case s.slots <- struct{}{}:
	case <-s.ctx.Done():
		conn.Close()
		return
	}
	defer func() { <-s.slots }()

	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.HandshakeContext(s.ctx); err != nil {
			m.AuthFailures.Inc()
			log.Warn("TLS handshake failed", "error", err)
			conn.Close()
			return
		}
		if certs := tc.ConnectionState().PeerCertificates; len(certs) > 0 {
			log = log.WithFields(map[string]any{"enforcer": certs[0].Subject.CommonName})
		}
	}

	// A shutdown between accept and here has already swept tracked conns.
	select {
	case <-s.ctx.Done():
		conn.Close()
		return
	default:
	}

	m.SessionsActive.Inc()
	defer m.SessionsActive.Dec()
	log.Info("enforcer channel established")

	s.rpc.ServeCodec(NewServerCodec(conn, s.opts.MaxFrameBytes))
	log.Info("enforcer channel closed")
}

func (s *Server) claimPeer(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.peers[peer]; taken {
		return false
	}
	s.peers[peer] = struct{}{}
	return true
}

func (s *Server) releasePeer(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peer)
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func peerHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Controller is the RPC service exposed to enforcers.
type Controller struct {
	ctx        context.Context
	store      *storage.Store
	repo       *device.Repository
	cache      *profile.Cache
	devices    *device.Service
	acmeDomain string
	log        *logging.Logger
}

// Heartbeat answers an enforcer's periodic poll. When the caller already
// holds the current configuration version the reply carries no config;
// otherwise the full device rule set is assembled and returned.
func (c *Controller) Heartbeat(args *protocol.HeartbeatArgs, reply *protocol.HeartbeatReply) error {
	version, err := c.currentVersion()
	if err != nil {
		return fmt.Errorf("failed to read config version: %w", err)
	}

	if args.Version != nil && *args.Version == version {
		metrics.Get().RecordHeartbeat(true)
		reply.Config = nil
		return nil
	}

	cfg, err := c.assembleConfig(version)
	if err != nil {
		return err
	}
	metrics.Get().RecordHeartbeat(false)
	reply.Config = cfg
	return nil
}

// DHCPRequest ingests a device sighting forwarded by an enforcer.
func (c *Controller) DHCPRequest(args *protocol.DHCPRequestArgs, reply *protocol.DHCPRequestReply) error {
	if err := c.devices.ProcessLease(c.ctx, args.Lease); err != nil {
		metrics.Get().DHCPRequests.WithLabelValues("error").Inc()
		return err
	}
	metrics.Get().DHCPRequests.WithLabelValues("ok").Inc()
	return nil
}

func (c *Controller) currentVersion() (uint64, error) {
	raw, err := c.store.GetConfigValue(storage.ConfigKeyFirewallVersion)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt version value %q: %w", raw, err)
	}
	return v, nil
}

// assembleConfig compiles every addressable device against its resolved
// profile. A device whose profile cannot be resolved is compiled without
// one rather than blocking the whole configuration.
func (c *Controller) assembleConfig(version uint64) (*firewall.EnforcerConfig, error) {
	start := clock.Now()

	devs, err := c.repo.ListAddressable()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	compiled := make([]firewall.FirewallDevice, 0, len(devs))
	for _, d := range devs {
		var p *profile.Profile
		if d.MudURL != "" {
			p, err = c.cache.Resolve(c.ctx, d.MudURL)
			if err != nil {
				c.log.Warn("profile unavailable, compiling device without rules",
					"device_id", d.ID, "mud_url", d.MudURL, "error", err)
				p = nil
			}
		}
		compiled = append(compiled, firewall.Compile(firewall.DeviceInfo{
			ID:          d.ID,
			IPv4:        d.IPv4,
			IPv6:        d.IPv6,
			CollectInfo: d.CollectInfo,
		}, p))
	}

	metrics.Get().RecordCompile(len(compiled), clock.Now().Sub(start))
	return firewall.BuildConfig(version, compiled, c.acmeDomain), nil
}
