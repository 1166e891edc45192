package gateway

// Protocol version range this client speaks.
const (
	MinProtocol = 1
	MaxProtocol = 1
)

// Request methods.
const (
	MethodConnect     = "connect"
	MethodPairRequest = "node.pair.request"
	MethodAgent       = "agent"
	MethodHealth      = "health"
	MethodUsage       = "usage"
	MethodModelsList  = "models.list"
)

// Event names pushed by the gateway.
const (
	EventConnectChallenge = "connect.challenge"
	EventPairResolved     = "node.pair.resolved"
	EventTokenRotate      = "device.token.rotate"
	EventTokenRevoke      = "device.token.revoke"
	EventAgent            = "agent"
)

// Connect error codes with client-side meaning. NOT_PAIRED starts the
// pairing flow; every other connect error is a fatal auth failure.
const (
	ErrCodeNotPaired        = "NOT_PAIRED"
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
)

// Pairing resolution statuses.
const (
	PairStatusApproved = "approved"
	PairStatusRejected = "rejected"
	PairStatusExpired  = "expired"
)

// Agent event stream discriminators and lifecycle phases.
const (
	StreamAssistant = "assistant"
	StreamLifecycle = "lifecycle"

	PhaseStart = "start"
	PhaseEnd   = "end"
)

// ClientInfo identifies the connecting client program.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// ConnectAuth carries the stored device token, when one exists for the host.
type ConnectAuth struct {
	Token string `json:"token"`
}

// DeviceBlock is the device identity section of the connect request.
// Nonce, Signature, and SignedAt are present only when the gateway issued
// a challenge before the connect request.
type DeviceBlock struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Nonce     string `json:"nonce,omitempty"`
	Signature string `json:"signature,omitempty"`
	SignedAt  int64  `json:"signedAt,omitempty"`
}

// ConnectParams is the params block of the connect request.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
	Device      *DeviceBlock `json:"device,omitempty"`
	Locale      string       `json:"locale,omitempty"`
	UserAgent   string       `json:"userAgent,omitempty"`
}

// ChallengePayload is the payload of the connect.challenge event.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

// HelloOK is the payload of a successful connect response.
type HelloOK struct {
	Type   string `json:"type"`
	Server struct {
		Version string `json:"version"`
	} `json:"server"`
	Snapshot struct {
		UptimeMs int64 `json:"uptimeMs"`
	} `json:"snapshot"`
	Auth *struct {
		DeviceToken string   `json:"deviceToken"`
		Scopes      []string `json:"scopes"`
	} `json:"auth,omitempty"`
}

// PairRequestParams is the params block of node.pair.request.
type PairRequestParams struct {
	NodeID   string `json:"nodeId"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Silent   bool   `json:"silent"`
}

// PairResolvedPayload is the payload of the node.pair.resolved event.
type PairResolvedPayload struct {
	NodeID string `json:"nodeId"`
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`
}

// TokenRotatePayload is the payload of the device.token.rotate event.
type TokenRotatePayload struct {
	Token string `json:"token"`
}

// Attachment is an opaque attachment reference on an agent turn.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"`
}

// AgentParams is the params block of an agent turn request.
type AgentParams struct {
	Message        string       `json:"message"`
	IdempotencyKey string       `json:"idempotencyKey"`
	SessionKey     string       `json:"sessionKey"`
	Model          string       `json:"model,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// AgentEventPayload is the payload of streamed agent events.
type AgentEventPayload struct {
	SessionKey string `json:"sessionKey"`
	Stream     string `json:"stream"`
	Delta      string `json:"delta,omitempty"`
	Phase      string `json:"phase,omitempty"`
	Error      string `json:"error,omitempty"`
}
