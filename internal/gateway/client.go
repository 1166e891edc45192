package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"clawlink/internal/domain"
	"clawlink/internal/identity"
	"clawlink/internal/infra/config"
	"clawlink/internal/infra/tracer"
)

// State names the connection lifecycle phases.
type State string

const (
	StateDisconnected      State = "disconnected"
	StateConnecting        State = "connecting"
	StateAwaitingChallenge State = "awaiting_challenge"
	StateAuthenticating    State = "authenticating"
	StatePairingPending    State = "pairing_pending"
	StateConnected         State = "connected"
)

// challengeGrace bounds how long the client waits for a connect.challenge
// after the socket opens. Gateways that never issue challenges get an
// unsigned connect request once the grace elapses.
const challengeGrace = 3 * time.Second

// clientVersion is stamped into the connect handshake and user agent.
const clientVersion = "0.1.0"

// Dialer opens a transport to an endpoint. Injectable for tests.
type Dialer func(ctx context.Context, ep Endpoint) (Transport, error)

// StateChange is the payload published on conn.state.changed.
type StateChange struct {
	State  State  `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// ConnError is the payload published on conn.error.
type ConnError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

type outbound struct {
	frame Frame
	done  chan error
}

// activeConn is the per-generation socket state. A new one is built for
// every dial attempt; everything it owns dies with its generation.
type activeConn struct {
	gen       uint64
	transport Transport
	sendCh    chan outbound
	stop      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	live      *liveness
	graceTmr  *time.Timer
	torn      bool
}

type pairingState struct {
	nodeID    string
	requested bool
	timer     *time.Timer
}

// Client is the connection state machine. It owns the transport, the
// request correlator, and the event demultiplexer, and serializes all
// state mutations behind one mutex. Callers observe progress through the
// event bus rather than return values: Connect triggers the handshake and
// returns immediately.
type Client struct {
	cfg      config.GatewayConfig
	clientID config.ClientConfig
	endpoint Endpoint
	identity *identity.Manager
	bus      domain.EventBus
	logger   *slog.Logger
	dialer   Dialer
	corr     *Correlator
	demux    *Demux
	grace    time.Duration

	rootCtx context.Context
	cancel  context.CancelFunc

	mu             sync.Mutex
	state          State
	gen            uint64
	conn           *activeConn
	attempts       int
	reconnectOff   bool
	pairing        *pairingState
	backoffTmr     *time.Timer
	lastErr        string
	serverVersion  string
	serverUptimeMs int64
}

// NewClient builds a client for one gateway endpoint. The endpoint must
// already be normalized. A nil dialer uses the websocket transport.
func NewClient(cfg config.GatewayConfig, clientCfg config.ClientConfig, ep Endpoint, idm *identity.Manager, bus domain.EventBus, logger *slog.Logger, dialer Dialer) *Client {
	if dialer == nil {
		limiter := rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst)
		dialer = func(ctx context.Context, ep Endpoint) (Transport, error) {
			return Dial(ctx, ep, limiter, logger)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		clientID: clientCfg,
		endpoint: ep,
		identity: idm,
		bus:      bus,
		logger:   logger,
		dialer:   dialer,
		demux:    NewDemux(bus, logger),
		grace:    challengeGrace,
		rootCtx:  ctx,
		cancel:   cancel,
		state:    StateDisconnected,
	}
	c.corr = NewCorrelator(c.sendFrame, cfg.RequestTimeout, logger)
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent surfaced connection error, if any.
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ServerInfo returns the version and uptime reported by the last
// successful handshake.
func (c *Client) ServerInfo() (version string, uptimeMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion, c.serverUptimeMs
}

// Demux exposes session routing controls (active session, ephemeral flag,
// unread counts).
func (c *Client) Demux() *Demux { return c.demux }

// Issue sends a generic request through the correlator. A zero timeout
// applies the configured request timeout. A nil payload with a nil error
// means the request timed out with an unknown outcome.
func (c *Client) Issue(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return c.corr.Issue(ctx, method, params, timeout)
}

// Connect triggers the asynchronous handshake. It is idempotent: calling it
// while a connection attempt is in flight or established is a no-op.
// Progress is observed via conn.state.changed events.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.reconnectOff = false
	c.attempts = 0
	c.lastErr = ""
	gen := c.beginConnectLocked()
	c.mu.Unlock()
	c.publishState(StateConnecting, "")
	go c.dialAndRun(gen)
}

// Disconnect tears everything down and disables auto-reconnect. Safe from
// any state; always ends in Disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.reconnectOff = true
	c.clearPairingLocked()
	if c.backoffTmr != nil {
		c.backoffTmr.Stop()
		c.backoffTmr = nil
	}
	c.teardownLocked("client disconnect")
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()
	if changed {
		c.publishState(StateDisconnected, "client disconnect")
	}
}

// Close releases the client entirely. The client cannot be reused after.
func (c *Client) Close() {
	c.Disconnect()
	c.cancel()
}

// CancelPairing clears pairing state and disconnects.
func (c *Client) CancelPairing() {
	c.mu.Lock()
	pending := c.pairing != nil
	c.clearPairingLocked()
	c.mu.Unlock()
	if pending {
		c.Disconnect()
	}
}

// beginConnectLocked opens a new connection generation. Caller holds c.mu,
// publishes the Connecting state change after unlocking, then spawns
// dialAndRun with the returned generation.
func (c *Client) beginConnectLocked() uint64 {
	c.gen++
	c.state = StateConnecting
	return c.gen
}

func (c *Client) dialAndRun(gen uint64) {
	ctx, span := tracer.StartSpan(c.rootCtx, "gateway.connect")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("gateway.url", c.endpoint.URL))

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	transport, err := c.dialer(dialCtx, c.endpoint)
	cancel()
	if err != nil {
		tracer.RecordError(span, err)
		c.handleTransportFailure(gen, err)
		return
	}
	tracer.SetOK(span)

	connCtx, connCancel := context.WithCancel(c.rootCtx)
	conn := &activeConn{
		gen:       gen,
		transport: transport,
		sendCh:    make(chan outbound),
		stop:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    connCancel,
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		connCancel()
		_ = transport.Close("superseded")
		return
	}
	c.conn = conn
	c.state = StateAwaitingChallenge
	conn.graceTmr = time.AfterFunc(c.grace, func() { c.challengeGraceExpired(gen) })
	c.mu.Unlock()

	c.publishState(StateAwaitingChallenge, "")
	go c.writeLoop(conn)
	go c.readLoop(conn)
}

// writeLoop is the single writer for one generation. All outbound frames,
// whether from the correlator or the handshake, funnel through here.
func (c *Client) writeLoop(conn *activeConn) {
	for {
		select {
		case <-conn.stop:
			return
		case out := <-conn.sendCh:
			out.done <- conn.transport.Send(conn.ctx, out.frame)
		}
	}
}

func (c *Client) readLoop(conn *activeConn) {
	for {
		f, err := conn.transport.Receive(conn.ctx)
		if err != nil {
			c.handleTransportFailure(conn.gen, err)
			return
		}
		c.dispatch(conn, f)
	}
}

// sendFrame enqueues one frame on the current generation's writer.
func (c *Client) sendFrame(ctx context.Context, f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.WrapOp("gateway.send", domain.ErrNotConnected)
	}

	out := outbound{frame: f, done: make(chan error, 1)}
	select {
	case conn.sendCh <- out:
	case <-conn.stop:
		return domain.WrapOp("gateway.send", domain.ErrConnClosed)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-out.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) dispatch(conn *activeConn, f Frame) {
	c.mu.Lock()
	stale := conn.gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}

	switch f.Type {
	case FrameTypeResponse:
		c.corr.Resolve(f)
	case FrameTypeEvent:
		c.handleEvent(conn, f)
	default:
		c.logger.Debug("ignoring frame with unknown type", "type", string(f.Type))
	}
}

func (c *Client) handleEvent(conn *activeConn, f Frame) {
	switch f.Event {
	case EventConnectChallenge:
		var ch ChallengePayload
		if err := json.Unmarshal(f.Payload, &ch); err != nil {
			c.logger.Debug("dropping malformed challenge", "error", err)
			return
		}
		c.handleChallenge(conn.gen, ch.Nonce)

	case EventPairResolved:
		var res PairResolvedPayload
		if err := json.Unmarshal(f.Payload, &res); err != nil {
			c.logger.Debug("dropping malformed pairing resolution", "error", err)
			return
		}
		c.handlePairResolved(conn.gen, res)

	case EventTokenRotate:
		var rot TokenRotatePayload
		if err := json.Unmarshal(f.Payload, &rot); err != nil || rot.Token == "" {
			c.logger.Debug("dropping malformed token rotation")
			return
		}
		if err := c.identity.StoreToken(c.endpoint.Host, rot.Token); err != nil {
			c.logger.Error("persisting rotated token", "error", err)
			return
		}
		c.logger.Info("device token rotated", "host", c.endpoint.Host)
		c.publish(domain.EventTokenRotated, "", nil)

	case EventTokenRevoke:
		if err := c.identity.ClearToken(c.endpoint.Host); err != nil {
			c.logger.Error("clearing revoked token", "error", err)
		}
		c.logger.Warn("device token revoked by gateway", "host", c.endpoint.Host)
		c.publish(domain.EventTokenRevoked, "", nil)

	case EventAgent:
		c.demux.HandleAgentEvent(conn.ctx, f.Payload)

	default:
		c.logger.Debug("unhandled gateway event", "event", f.Event)
	}
}

func (c *Client) handleChallenge(gen uint64, nonce string) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateAwaitingChallenge {
		c.mu.Unlock()
		return
	}
	if c.conn != nil && c.conn.graceTmr != nil {
		c.conn.graceTmr.Stop()
	}
	c.mu.Unlock()
	c.sendConnect(gen, nonce)
}

func (c *Client) challengeGraceExpired(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateAwaitingChallenge {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.logger.Debug("no challenge received, sending unsigned connect")
	c.sendConnect(gen, "")
}

// sendConnect builds and issues the connect request, signed when a nonce is
// present. Moves the machine to Authenticating.
func (c *Client) sendConnect(gen uint64, nonce string) {
	params, err := c.buildConnectParams(nonce)
	if err != nil {
		// Cannot fulfill a signature claim: fatal, no retry.
		c.failFatal(gen, "", err.Error())
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.state != StateAwaitingChallenge {
		// A challenge frame and the grace timer can race; only the
		// first one through gets to issue the connect request.
		c.mu.Unlock()
		return
	}
	c.state = StateAuthenticating
	c.mu.Unlock()
	c.publishState(StateAuthenticating, "")

	go func() {
		payload, err := c.corr.Issue(c.rootCtx, MethodConnect, params, c.cfg.RequestTimeout)
		c.handleConnectResponse(gen, payload, err)
	}()
}

func (c *Client) buildConnectParams(nonce string) (ConnectParams, error) {
	deviceID, err := c.identity.DeviceID()
	if err != nil {
		return ConnectParams{}, err
	}
	publicKey, err := c.identity.PublicKey()
	if err != nil {
		return ConnectParams{}, err
	}

	token, err := c.identity.LoadToken(c.endpoint.Host)
	if err != nil && !errors.Is(err, domain.ErrTokenNotFound) {
		return ConnectParams{}, err
	}

	device := &DeviceBlock{ID: deviceID, PublicKey: publicKey}
	if nonce != "" {
		proof, err := c.identity.Sign(identity.SignClaim{
			DeviceID:   deviceID,
			ClientID:   c.clientID.ID,
			ClientMode: c.clientID.Mode,
			Role:       c.clientID.Role,
			Scopes:     c.clientID.Scopes,
			SignedAt:   time.Now().UnixMilli(),
			Token:      token,
			Nonce:      nonce,
		})
		if err != nil {
			return ConnectParams{}, err
		}
		device.Nonce = proof.Nonce
		device.Signature = proof.Signature
		device.SignedAt = proof.SignedAt
	}

	params := ConnectParams{
		MinProtocol: MinProtocol,
		MaxProtocol: MaxProtocol,
		Client: ClientInfo{
			ID:       c.clientID.ID,
			Version:  clientVersion,
			Platform: runtime.GOOS,
			Mode:     c.clientID.Mode,
		},
		Role:      c.clientID.Role,
		Scopes:    c.clientID.Scopes,
		Device:    device,
		Locale:    c.cfg.Locale,
		UserAgent: fmt.Sprintf("clawlink/%s (%s)", clientVersion, runtime.GOOS),
	}
	if token != "" {
		params.Auth = &ConnectAuth{Token: token}
	}
	return params, nil
}

// connectFailure maps a rejected connect response onto a domain sentinel so
// the reconnect decision runs through domain.IsFatalConnectError.
func connectFailure(reqErr *RequestError) error {
	switch reqErr.Code {
	case ErrCodeProtocolMismatch:
		return fmt.Errorf("%w: %s", domain.ErrProtocolMismatch, reqErr.Message)
	default:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, reqErr.Message)
	}
}

func (c *Client) handleConnectResponse(gen uint64, payload json.RawMessage, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		if reqErr.Code == ErrCodeNotPaired {
			c.enterPairing(gen)
			return
		}
		cause := connectFailure(reqErr)
		if domain.IsFatalConnectError(cause) {
			c.failFatal(gen, reqErr.Code, cause.Error())
		} else {
			c.handleTransportFailure(gen, cause)
		}
		return
	case err != nil:
		c.handleTransportFailure(gen, err)
		return
	case payload == nil:
		// Soft timeout on the handshake itself: treat as a dead socket.
		c.handleTransportFailure(gen, fmt.Errorf("%w: handshake timed out", domain.ErrConnect))
		return
	}

	var hello HelloOK
	if err := json.Unmarshal(payload, &hello); err != nil {
		c.handleTransportFailure(gen, fmt.Errorf("%w: malformed hello payload: %v", domain.ErrConnect, err))
		return
	}

	if hello.Auth != nil && hello.Auth.DeviceToken != "" {
		if err := c.identity.StoreToken(c.endpoint.Host, hello.Auth.DeviceToken); err != nil {
			c.logger.Error("persisting device token", "error", err)
		}
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.attempts = 0
	c.lastErr = ""
	c.clearPairingLocked()
	c.serverVersion = hello.Server.Version
	c.serverUptimeMs = hello.Snapshot.UptimeMs
	if c.conn != nil {
		c.conn.live = newLiveness(c.conn.transport, c.cfg.PingInterval, c.logger)
		go c.conn.live.run(c.conn.ctx)
	}
	c.mu.Unlock()

	c.logger.Info("connected to gateway",
		"host", c.endpoint.Host,
		"server_version", hello.Server.Version,
		"uptime_ms", hello.Snapshot.UptimeMs,
	)
	c.publishState(StateConnected, "")
}

// enterPairing moves to PairingPending, submits a pairing request, and arms
// the fixed-interval pairing retry. Pairing retries are a human-timescale
// loop, distinct from the transport backoff.
func (c *Client) enterPairing(gen uint64) {
	deviceID, err := c.identity.DeviceID()
	if err != nil {
		c.failFatal(gen, "", err.Error())
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = StatePairingPending
	first := c.pairing == nil
	if first {
		c.pairing = &pairingState{nodeID: deviceID}
	}
	c.armPairingTimerLocked()
	requested := c.pairing.requested
	c.pairing.requested = true
	c.mu.Unlock()

	c.publishState(StatePairingPending, "")
	if first {
		c.publish(domain.EventPairingRequested, "", map[string]string{"node_id": deviceID})
	}

	params := PairRequestParams{
		NodeID:   deviceID,
		Name:     c.clientID.DisplayName,
		Platform: runtime.GOOS,
		Silent:   requested, // repeat submissions stay quiet on the gateway side
	}
	go func() {
		if _, err := c.corr.Issue(c.rootCtx, MethodPairRequest, params, c.cfg.RequestTimeout); err != nil {
			c.logger.Debug("pairing request not acknowledged", "error", err)
		}
	}()
}

func (c *Client) armPairingTimerLocked() {
	if c.pairing == nil {
		return
	}
	if c.pairing.timer != nil {
		c.pairing.timer.Stop()
	}
	c.pairing.timer = time.AfterFunc(c.cfg.PairingRetry, c.pairingTick)
}

// pairingTick re-attempts the full handshake while approval is pending.
func (c *Client) pairingTick() {
	c.mu.Lock()
	if c.pairing == nil || c.reconnectOff {
		c.mu.Unlock()
		return
	}
	c.teardownLocked("pairing retry")
	gen := c.beginConnectLocked()
	c.mu.Unlock()
	c.publishState(StateConnecting, "pairing retry")
	go c.dialAndRun(gen)
}

func (c *Client) handlePairResolved(gen uint64, res PairResolvedPayload) {
	c.mu.Lock()
	if c.pairing == nil || res.NodeID != c.pairing.nodeID {
		c.mu.Unlock()
		c.logger.Debug("ignoring pairing resolution for unknown node", "node_id", res.NodeID)
		return
	}

	switch res.Status {
	case PairStatusApproved:
		c.clearPairingLocked()
		c.mu.Unlock()
		if res.Token != "" {
			if err := c.identity.StoreToken(c.endpoint.Host, res.Token); err != nil {
				c.logger.Error("persisting pairing token", "error", err)
			}
		}
		c.publish(domain.EventPairingResolved, "", res)
		c.logger.Info("pairing approved, reconnecting", "node_id", res.NodeID)

		// Full re-handshake with the new token, exactly once.
		c.mu.Lock()
		c.teardownLocked("pairing approved")
		newGen := c.beginConnectLocked()
		c.mu.Unlock()
		c.publishState(StateConnecting, "pairing approved")
		go c.dialAndRun(newGen)

	case PairStatusRejected, PairStatusExpired:
		c.clearPairingLocked()
		c.mu.Unlock()
		c.publish(domain.EventPairingResolved, "", res)
		cause := domain.ErrPairingRejected
		if res.Status == PairStatusExpired {
			cause = domain.ErrPairingExpired
		}
		c.failFatal(gen, res.Status, cause.Error())

	default:
		c.mu.Unlock()
		c.logger.Debug("ignoring pairing resolution with unknown status", "status", res.Status)
	}
}

func (c *Client) clearPairingLocked() {
	if c.pairing == nil {
		return
	}
	if c.pairing.timer != nil {
		c.pairing.timer.Stop()
	}
	c.pairing = nil
}

// failFatal surfaces a non-retryable error and parks the machine in
// Disconnected without scheduling a reconnect.
func (c *Client) failFatal(gen uint64, code, message string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.clearPairingLocked()
	c.teardownLocked("fatal: " + message)
	c.state = StateDisconnected
	c.lastErr = message
	c.mu.Unlock()

	c.logger.Error("connection failed", "code", code, "error", message)
	c.publish(domain.EventConnError, "", ConnError{Code: code, Message: message, Fatal: true})
	c.publishState(StateDisconnected, message)
}

// handleTransportFailure is the shared path for dial errors and socket
// drops. Pairing owns its own retry cadence; everything else goes through
// capped linear backoff.
func (c *Client) handleTransportFailure(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.teardownLocked(cause.Error())
	c.state = StateDisconnected
	c.lastErr = cause.Error()

	if c.reconnectOff {
		c.mu.Unlock()
		c.publishState(StateDisconnected, cause.Error())
		return
	}

	if c.pairing != nil {
		// The pairing timer owns retries here.
		c.armPairingTimerLocked()
		c.mu.Unlock()
		c.logger.Debug("socket lost while pairing pending", "error", cause)
		c.publishState(StateDisconnected, cause.Error())
		return
	}

	c.attempts++
	if c.attempts > c.cfg.MaxAttempts {
		capErr := fmt.Errorf("%w: giving up after %d attempts: %v",
			domain.ErrBackoffCap, c.cfg.MaxAttempts, cause)
		c.lastErr = capErr.Error()
		c.mu.Unlock()
		c.logger.Error("reconnect attempts exhausted", "attempts", c.cfg.MaxAttempts, "error", cause)
		c.publish(domain.EventConnError, "", ConnError{Message: capErr.Error(), Fatal: true})
		c.publishState(StateDisconnected, capErr.Error())
		return
	}

	delay := time.Duration(c.attempts) * c.cfg.BackoffUnit
	attempt := c.attempts
	cur := c.gen
	c.backoffTmr = time.AfterFunc(delay, func() { c.backoffFire(cur) })
	c.mu.Unlock()

	c.logger.Warn("connection lost, retrying",
		"error", cause,
		"attempt", attempt,
		"max_attempts", c.cfg.MaxAttempts,
		"delay", delay,
	)
	c.publishState(StateDisconnected, cause.Error())
}

func (c *Client) backoffFire(expectGen uint64) {
	c.mu.Lock()
	if c.gen != expectGen || c.reconnectOff || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	gen := c.beginConnectLocked()
	c.mu.Unlock()
	c.publishState(StateConnecting, "reconnect")
	go c.dialAndRun(gen)
}

// teardownLocked closes the current generation's socket and loops, abandons
// in-flight requests, and bumps the generation so callbacks belonging to the
// dead socket are discarded. Caller holds c.mu.
func (c *Client) teardownLocked(reason string) {
	conn := c.conn
	if conn == nil || conn.torn {
		return
	}
	conn.torn = true
	c.conn = nil
	c.gen++
	close(conn.stop)
	conn.cancel()
	if conn.graceTmr != nil {
		conn.graceTmr.Stop()
	}
	if conn.live != nil {
		conn.live.halt()
	}
	go func() { _ = conn.transport.Close(reason) }()
	c.corr.Abandon()
}

func (c *Client) publishState(state State, detail string) {
	c.publish(domain.EventConnStateChanged, "", StateChange{State: state, Detail: detail})
}

func (c *Client) publish(t domain.EventType, sessionKey string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error("encoding event payload", "type", t, "error", err)
			return
		}
		raw = encoded
	}
	c.bus.Publish(c.rootCtx, domain.Event{
		Type:       t,
		Timestamp:  time.Now(),
		SessionKey: sessionKey,
		Payload:    raw,
	})
}
