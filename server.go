package stream

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// serverSharedSecretContext is the fixed HMAC context string used to derive
// a server's per-connection secret generator from its long-term secret.
const serverSharedSecretContext = "ilp_stream_shared_secret"

// connectionTagPattern matches the allowed charset for an optional
// connection tag appended to a generated server address.
var connectionTagPattern = regexp.MustCompile(`^[A-Za-z0-9_\-~]*$`)

// ServerOpts configures a Server.
type ServerOpts struct {
	Plugin        Plugin
	ServerAccount string // this server's own ILP address prefix
	ServerSecret  []byte // long-term secret; 32 random bytes recommended
	AssetCode     string
	AssetScale    uint8
	Slippage      float64

	Limits      *ConnectionLimitsConfig
	AccessList  *AccessListConfig
	GetExpiry   func() time.Time
}

// Server accepts STREAM connections over a single plugin by deriving each
// connection's shared secret from a token embedded in the ILP destination
// address, rather than requiring an explicit handshake. Connections are
// created lazily on first inbound packet.
type Server struct {
	plugin        Plugin
	serverAccount string
	secretGen     []byte
	assetCode     string
	assetScale    uint8
	slippage      float64
	getExpiry     func() time.Time

	mu          sync.Mutex
	connections map[string]*Connection
	activated   map[string]bool
	running     bool
	cancel      context.CancelFunc

	limiter *connectionLimiter
	access  *accessFilter

	onConnection func(*Connection)
	connectionCh chan *Connection
}

// NewServer builds a Server. Call Listen to start accepting connections.
func NewServer(opts ServerOpts) (*Server, error) {
	if len(opts.ServerSecret) == 0 {
		return nil, fmt.Errorf("server secret must not be empty")
	}
	s := &Server{
		plugin:        opts.Plugin,
		serverAccount: opts.ServerAccount,
		secretGen:     hmacSHA256(opts.ServerSecret, []byte(serverSharedSecretContext)),
		assetCode:     opts.AssetCode,
		assetScale:    opts.AssetScale,
		slippage:      opts.Slippage,
		getExpiry:     opts.GetExpiry,
		connections:   make(map[string]*Connection),
		activated:     make(map[string]bool),
		limiter:       newConnectionLimiter(opts.Limits),
		access:        newAccessFilter(opts.AccessList),
		connectionCh:  make(chan *Connection, 16),
	}
	return s, nil
}

// OnConnection registers the callback fired once per newly accepted
// (lazily created) inbound connection.
func (s *Server) OnConnection(fn func(*Connection)) {
	s.mu.Lock()
	s.onConnection = fn
	s.mu.Unlock()
}

// AcceptConnection blocks until the next new inbound connection is lazily
// created, or until ctx is cancelled. It is the Promise-returning
// alternative to OnConnection, for callers that prefer a single accept
// loop over a callback.
func (s *Server) AcceptConnection(ctx context.Context) (*Connection, error) {
	select {
	case conn := <-s.connectionCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Listen connects the plugin and registers the routing handler. It returns
// once the plugin reports connected; the routing handler keeps running
// until Close is called or ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	if err := s.plugin.Connect(ctx); err != nil {
		return fmt.Errorf("server: plugin connect: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	s.plugin.RegisterDataHandler(func(ctx context.Context, p *Prepare) (*Fulfill, *Reject) {
		return s.route(runCtx, p)
	})

	return nil
}

// Close stops accepting new connections, closes every open connection, and
// disconnects the plugin.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	cancel := s.cancel
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range conns {
		c.End()
	}
	s.plugin.DeregisterDataHandler()
	return s.plugin.Disconnect(ctx)
}

// GenerateAddressAndSecret mints a new destination address and shared
// secret for a connection the server has not seen yet. connectionTag, if
// non-empty, is appended to the token segment after a "~" for the caller's
// own correlation purposes (e.g. associating a payment with an invoice)
// and must match connectionTagPattern. The tag
// is not part of the secret derivation, so it rides along unauthenticated;
// only the token portion before "~" invalidates the secret if altered.
func (s *Server) GenerateAddressAndSecret(connectionTag string) (destination string, sharedSecret []byte, err error) {
	if !connectionTagPattern.MatchString(connectionTag) {
		return "", nil, fmt.Errorf(`connectionTag can only include ASCII characters a-z, A-Z, 0-9, "_", "-", and "~"`)
	}

	tokenBytes, err := randomBytes(18)
	if err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(tokenBytes)

	destination = s.serverAccount + "." + token
	if connectionTag != "" {
		destination += "~" + connectionTag
	}

	sharedSecret = hmacSHA256(s.secretGen, tokenBytes)
	return destination, sharedSecret, nil
}

// tokenFromDestination extracts the token (the first address segment after
// the server's own prefix, with any "~connectionTag" suffix stripped) from
// an inbound Prepare's destination. Only the token portion participates in
// shared-secret derivation and connection routing; the tag, if present, is
// caller-supplied correlation data and carries no authentication weight.
func (s *Server) tokenFromDestination(destination string) (string, error) {
	prefix := s.serverAccount + "."
	if !strings.HasPrefix(destination, prefix) {
		return "", fmt.Errorf("destination %q does not belong to this server", destination)
	}
	rest := destination[len(prefix):]
	segment := strings.SplitN(rest, ".", 2)[0]
	token := strings.SplitN(segment, "~", 2)[0]
	if token == "" {
		return "", fmt.Errorf("destination %q missing token segment", destination)
	}
	return token, nil
}

// tagFromDestination extracts the optional "~connectionTag" suffix from an
// inbound Prepare's destination segment, returning "" when none was
// supplied. It mirrors tokenFromDestination's parsing but keeps the other
// half of the split.
func (s *Server) tagFromDestination(destination string) string {
	prefix := s.serverAccount + "."
	if !strings.HasPrefix(destination, prefix) {
		return ""
	}
	rest := destination[len(prefix):]
	segment := strings.SplitN(rest, ".", 2)[0]
	parts := strings.SplitN(segment, "~", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// route demultiplexes one inbound Prepare to the connection its destination
// token names, lazily creating the connection (and its Run loop) on first
// sight: there is no explicit handshake.
func (s *Server) route(ctx context.Context, p *Prepare) (*Fulfill, *Reject) {
	token, err := s.tokenFromDestination(p.Destination)
	if err != nil {
		return nil, &Reject{Code: CodeF06UnexpectedPayment, Message: ""}
	}

	if err := s.access.CheckAndLog(p.Destination); err != nil {
		return nil, &Reject{Code: CodeF06UnexpectedPayment, Message: ""}
	}

	conn, _, err := s.connectionForToken(token, p.Destination)
	if err != nil {
		log.Warn().Err(err).Str("token", token).Msg("server: connection rejected")
		return nil, &Reject{Code: CodeF06UnexpectedPayment, Message: err.Error()}
	}

	fulfill, reject := conn.handlePrepare(ctx, p)

	// Fire the connection-accepted side effects only once this connection
	// has actually decrypted and Fulfilled a real inbound Prepare, never
	// merely because a token-shaped destination produced a lazily-created
	// Connection. A garbage or tampered destination that still parses into
	// a token must never surface a connection event, even though
	// connectionForToken above has already allocated the (permanently
	// undecryptable) Connection for routing purposes.
	if fulfill != nil && s.markActivated(token) {
		s.activateConnection(ctx, token, conn)
	}

	return fulfill, reject
}

// markActivated records that token's connection has been accepted and
// reports whether this call is the first to do so. Safe to call repeatedly;
// only the first successful decrypt for a given token activates it.
func (s *Server) markActivated(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activated[token] {
		return false
	}
	s.activated[token] = true
	return true
}

// activateConnection spawns the connection's send loop and fires the
// OnConnection callback / AcceptConnection notification. Called at most
// once per token, after that token's connection has successfully
// Fulfilled an inbound Prepare.
func (s *Server) activateConnection(ctx context.Context, token string, conn *Connection) {
	go func() {
		if err := conn.Run(ctx); err != nil {
			log.Debug().Err(err).Msg("server: connection send loop ended")
		}
		s.removeConnection(token)
	}()
	s.mu.Lock()
	cb := s.onConnection
	s.mu.Unlock()
	if cb != nil {
		go cb(conn)
	}
	select {
	case s.connectionCh <- conn:
	default:
		log.Warn().Msg("server: AcceptConnection backlog full, dropping notification")
	}
}

// connectionForToken returns the existing connection for token, or derives
// and creates one, applying connection-rate limiting first.
func (s *Server) connectionForToken(token, destination string) (*Connection, bool, error) {
	s.mu.Lock()
	if c, ok := s.connections[token]; ok {
		s.mu.Unlock()
		return c, false, nil
	}
	s.mu.Unlock()

	if err := s.limiter.CheckAndRecordConnection(token); err != nil {
		return nil, false, err
	}

	tokenBytes, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		s.limiter.ConnectionClosed()
		return nil, false, fmt.Errorf("malformed token")
	}
	sharedSecret := hmacSHA256(s.secretGen, tokenBytes)

	conn, err := newConnection(ConnectionOpts{
		Plugin:             s.plugin,
		IsServer:           true,
		SourceAccount:      s.serverAccount,
		DestinationAccount: destination,
		SharedSecret:       sharedSecret,
		Slippage:           s.slippage,
		AssetCode:          s.assetCode,
		AssetScale:         s.assetScale,
		GetExpiry:          s.getExpiry,
		ConnectionTag:      s.tagFromDestination(destination),
	})
	if err != nil {
		s.limiter.ConnectionClosed()
		return nil, false, err
	}

	s.mu.Lock()
	s.connections[token] = conn
	s.mu.Unlock()
	return conn, true, nil
}

func (s *Server) removeConnection(token string) {
	s.mu.Lock()
	delete(s.connections, token)
	delete(s.activated, token)
	s.mu.Unlock()
	s.limiter.ConnectionClosed()
}

// Connections returns a snapshot of currently tracked connections.
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationAccount() < out[j].DestinationAccount() })
	return out
}

// -- Connection rate limiting, adapted from the teacher's per-peer/total
// sliding-window limiter (limits.go) to STREAM's token-keyed connections.

// ConnectionLimitsConfig configures inbound connection-creation rate
// limiting. All limit values of 0 mean disabled.
type ConnectionLimitsConfig struct {
	MaxConcurrentConnections int

	MaxConnsPerMinute int
	MaxConnsPerHour   int

	MaxTotalConnsPerMinute int
	MaxTotalConnsPerHour   int
}

// DefaultConnectionLimitsConfig returns the unlimited configuration.
func DefaultConnectionLimitsConfig() *ConnectionLimitsConfig {
	return &ConnectionLimitsConfig{MaxConcurrentConnections: -1}
}

type connectionHistory struct {
	mu         sync.Mutex
	timestamps []time.Time
}

func (h *connectionHistory) pruneOldEntriesLocked(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	kept := h.timestamps[:0]
	for _, ts := range h.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	h.timestamps = kept
}

func (h *connectionHistory) countSinceLocked(since time.Time) int {
	count := 0
	for _, ts := range h.timestamps {
		if ts.After(since) {
			count++
		}
	}
	return count
}

type connectionLimiter struct {
	config *ConnectionLimitsConfig
	mu     sync.Mutex

	activeConnections int
	perToken          map[string]*connectionHistory
	total             *connectionHistory
}

func newConnectionLimiter(config *ConnectionLimitsConfig) *connectionLimiter {
	if config == nil {
		config = DefaultConnectionLimitsConfig()
	}
	return &connectionLimiter{
		config:   config,
		perToken: make(map[string]*connectionHistory),
		total:    &connectionHistory{},
	}
}

// CheckAndRecordConnection checks whether a new connection for token is
// allowed under the configured limits and, if so, records it.
func (cl *connectionLimiter) CheckAndRecordConnection(token string) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.config.MaxConcurrentConnections > 0 && cl.activeConnections >= cl.config.MaxConcurrentConnections {
		return fmt.Errorf("max concurrent connections exceeded (%d)", cl.config.MaxConcurrentConnections)
	}

	now := time.Now()
	cl.total.pruneOldEntriesLocked(now)
	if cl.config.MaxTotalConnsPerMinute > 0 && cl.total.countSinceLocked(now.Add(-time.Minute)) >= cl.config.MaxTotalConnsPerMinute {
		return fmt.Errorf("total connections per minute limit exceeded (%d)", cl.config.MaxTotalConnsPerMinute)
	}
	if cl.config.MaxTotalConnsPerHour > 0 && cl.total.countSinceLocked(now.Add(-time.Hour)) >= cl.config.MaxTotalConnsPerHour {
		return fmt.Errorf("total connections per hour limit exceeded (%d)", cl.config.MaxTotalConnsPerHour)
	}

	history, ok := cl.perToken[token]
	if !ok {
		history = &connectionHistory{}
		cl.perToken[token] = history
	}
	history.pruneOldEntriesLocked(now)
	if cl.config.MaxConnsPerMinute > 0 && history.countSinceLocked(now.Add(-time.Minute)) >= cl.config.MaxConnsPerMinute {
		return fmt.Errorf("connections per minute for token exceeded (%d)", cl.config.MaxConnsPerMinute)
	}
	if cl.config.MaxConnsPerHour > 0 && history.countSinceLocked(now.Add(-time.Hour)) >= cl.config.MaxConnsPerHour {
		return fmt.Errorf("connections per hour for token exceeded (%d)", cl.config.MaxConnsPerHour)
	}

	cl.activeConnections++
	cl.total.timestamps = append(cl.total.timestamps, now)
	history.timestamps = append(history.timestamps, now)
	return nil
}

// ConnectionClosed decrements the active connection count.
func (cl *connectionLimiter) ConnectionClosed() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.activeConnections > 0 {
		cl.activeConnections--
	}
}

// -- Destination access filtering, adapted from the teacher's accesslist.go
// whitelist/blacklist pattern to plain ILP address strings.

// AccessListMode selects how AccessListConfig.Addresses is interpreted.
type AccessListMode int

const (
	AccessListModeDisabled AccessListMode = iota
	AccessListModeWhitelist
	AccessListModeBlacklist
)

// AccessListConfig configures destination-address based connection
// filtering at the server.
type AccessListConfig struct {
	Mode      AccessListMode
	Addresses []string // ILP address prefixes
}

func DefaultAccessListConfig() *AccessListConfig {
	return &AccessListConfig{Mode: AccessListModeDisabled}
}

type accessFilter struct {
	mu     sync.RWMutex
	config *AccessListConfig
}

func newAccessFilter(config *AccessListConfig) *accessFilter {
	if config == nil {
		config = DefaultAccessListConfig()
	}
	return &accessFilter{config: config}
}

func (af *accessFilter) isAllowed(destination string) bool {
	af.mu.RLock()
	defer af.mu.RUnlock()

	if af.config.Mode == AccessListModeDisabled {
		return true
	}
	matched := false
	for _, prefix := range af.config.Addresses {
		if strings.HasPrefix(destination, prefix) {
			matched = true
			break
		}
	}
	switch af.config.Mode {
	case AccessListModeWhitelist:
		return matched
	case AccessListModeBlacklist:
		return !matched
	default:
		return true
	}
}

// CheckAndLog returns an error (and logs it) if destination should be
// rejected under the configured access list.
func (af *accessFilter) CheckAndLog(destination string) error {
	if af.isAllowed(destination) {
		return nil
	}
	log.Warn().Str("destination", destination).Msg("server: connection rejected by access list")
	return fmt.Errorf("access denied for %s", destination)
}

// SetConfig replaces the access filter's configuration.
func (af *accessFilter) SetConfig(config *AccessListConfig) {
	af.mu.Lock()
	defer af.mu.Unlock()
	if config == nil {
		config = DefaultAccessListConfig()
	}
	af.config = config
}
