// Package protocol implements the relay's wire message union and its
// length-prefixed binary framing (spec §4.1, §6).
//
// Every stream — control or data — carries a sequence of frames:
//
//	u32 big-endian length || binary-encoded Message
//
// Decoding is streaming: Decoder.Feed appends bytes and Decoder.Next
// returns the next fully-buffered message, or ok=false if more bytes
// are needed. The decoder never consumes a partial trailing frame.
package protocol

// Kind tags the wire type of a Message so the decoder knows which
// struct to populate before dispatching on the concrete Go type.
type Kind uint8

const (
	KindPing Kind = iota + 1
	KindPong
	KindConnect
	KindConnected
	KindDisconnect
	KindDisconnectAck
	KindTCPConnect
	KindTCPData
	KindTCPClose
	KindTLSConnect
	KindTLSData
	KindTLSClose
	KindHTTPStreamConnect
	KindHTTPStreamData
	KindHTTPStreamClose
	KindHTTPRequest
	KindHTTPResponse
	KindHTTPChunk
	KindAgentRegister
	KindAgentRegistered
	KindAgentRejected
	KindReverseTunnelRequest
	KindReverseTunnelAccept
	KindReverseTunnelReject
	KindValidateAgentToken
	KindValidateAgentTokenOk
	KindValidateAgentTokenReject
	KindForwardRequest
	KindForwardAccept
	KindForwardReject
	KindReverseData
	KindReverseClose
)

// Message is implemented by every wire message type. Kind identifies
// the concrete type for encode/decode dispatch.
type Message interface {
	Kind() Kind
}

// ProtocolKind is the tag for the Protocol tagged union (Tcp/Tls/Http/Https).
type ProtocolKind uint8

const (
	ProtocolTCP ProtocolKind = iota + 1
	ProtocolTLS
	ProtocolHTTP
	ProtocolHTTPS
)

// Protocol describes one endpoint a client requests in Connect.Protocols.
// Only the fields relevant to Kind are meaningful:
//
//	Tcp:   Port
//	Tls:   Port, SNIPattern
//	Http:  Subdomain
//	Https: Subdomain
type Protocol struct {
	Kind       ProtocolKind
	Port       uint16
	SNIPattern string
	Subdomain  string // empty means "auto-generate"
	HasSub     bool   // distinguishes "" from "not set"
}

// Endpoint is a negotiated public endpoint returned in Connected.
type Endpoint struct {
	Protocol  Protocol
	PublicURL string
	Port      uint16
	HasPort   bool
}

// TunnelConfig carries the client's local-dialing preferences. The
// relay never dials a local service itself; everything but
// IPAllowlist and HTTPAuth passes through opaquely into session
// metadata so that a relay running an older protocol version still
// round-trips a newer client's Connect message (spec §9
// forward-compatibility note folded into SPEC_FULL.md).
type TunnelConfig struct {
	LocalHost          string
	LocalPort          uint16
	HasLocalPort       bool
	LocalHTTPS         bool
	ExitNode           string
	Failover           bool
	IPAllowlist        []string
	EnableCompression  bool
	EnableMultiplexing bool
	HTTPAuth           HTTPAuthPolicy
}

// HTTPAuthKind tags which of the four HTTP authentication policies a
// tunnel's HTTP/HTTPS endpoints enforce (spec §4.8 step 5).
type HTTPAuthKind uint8

const (
	HTTPAuthNone HTTPAuthKind = iota
	HTTPAuthBasic
	HTTPAuthBearer
	HTTPAuthHeader
)

// HTTPAuthPolicy is the per-tunnel HTTP authentication policy enforced
// by the HTTP/HTTPS data-plane servers before a request is forwarded.
// Only the fields relevant to Kind are meaningful:
//
//	Basic:  Credentials (username -> password)
//	Bearer: Tokens
//	Header: HeaderName, HeaderValues
type HTTPAuthPolicy struct {
	Kind         HTTPAuthKind
	Credentials  map[string]string
	Tokens       []string
	HeaderName   string
	HeaderValues []string
}

// AgentMetadata is a free-form key/value map attached to AgentRegister.
type AgentMetadata map[string]string

// ---------------------------------------------------------------------------
// Control-plane messages
// ---------------------------------------------------------------------------

type Ping struct{ Timestamp uint64 }

func (Ping) Kind() Kind { return KindPing }

type Pong struct{ Timestamp uint64 }

func (Pong) Kind() Kind { return KindPong }

type Connect struct {
	TunnelID  string
	AuthToken string
	Protocols []Protocol
	Config    TunnelConfig
}

func (Connect) Kind() Kind { return KindConnect }

type Connected struct {
	TunnelID  string
	Endpoints []Endpoint
}

func (Connected) Kind() Kind { return KindConnected }

type Disconnect struct{ Reason string }

func (Disconnect) Kind() Kind { return KindDisconnect }

type DisconnectAck struct{ TunnelID string }

func (DisconnectAck) Kind() Kind { return KindDisconnectAck }

// ---------------------------------------------------------------------------
// TCP data-plane messages
// ---------------------------------------------------------------------------

type TCPConnect struct {
	StreamID   uint32
	RemoteAddr string
	RemotePort uint16
}

func (TCPConnect) Kind() Kind { return KindTCPConnect }

type TCPData struct {
	StreamID uint32
	Data     []byte
}

func (TCPData) Kind() Kind { return KindTCPData }

type TCPClose struct{ StreamID uint32 }

func (TCPClose) Kind() Kind { return KindTCPClose }

// ---------------------------------------------------------------------------
// TLS passthrough messages
// ---------------------------------------------------------------------------

type TLSConnect struct {
	StreamID    uint32
	SNI         string
	ClientHello []byte
}

func (TLSConnect) Kind() Kind { return KindTLSConnect }

type TLSData struct {
	StreamID uint32
	Data     []byte
}

func (TLSData) Kind() Kind { return KindTLSData }

type TLSClose struct{ StreamID uint32 }

func (TLSClose) Kind() Kind { return KindTLSClose }

// ---------------------------------------------------------------------------
// Transparent HTTP/HTTPS stream messages
// ---------------------------------------------------------------------------

type HTTPStreamConnect struct {
	StreamID    uint32
	Host        string
	InitialData []byte
}

func (HTTPStreamConnect) Kind() Kind { return KindHTTPStreamConnect }

type HTTPStreamData struct {
	StreamID uint32
	Data     []byte
}

func (HTTPStreamData) Kind() Kind { return KindHTTPStreamData }

type HTTPStreamClose struct{ StreamID uint32 }

func (HTTPStreamClose) Kind() Kind { return KindHTTPStreamClose }

// ---------------------------------------------------------------------------
// Parsed-HTTP messages (codec completeness only — see SPEC_FULL.md;
// this relay's forwarders never produce these, only the transparent
// HttpStream* trio above, but a differently-versioned peer that sends
// them must not be treated as a protocol violation).
// ---------------------------------------------------------------------------

type HeaderPair struct {
	Name  string
	Value string
}

type HTTPRequest struct {
	StreamID uint32
	Method   string
	URI      string
	Headers  []HeaderPair
	Body     []byte
	HasBody  bool
}

func (HTTPRequest) Kind() Kind { return KindHTTPRequest }

type HTTPResponse struct {
	StreamID uint32
	Status   uint16
	Headers  []HeaderPair
	Body     []byte
	HasBody  bool
}

func (HTTPResponse) Kind() Kind { return KindHTTPResponse }

type HTTPChunk struct {
	StreamID uint32
	Chunk    []byte
	IsFinal  bool
}

func (HTTPChunk) Kind() Kind { return KindHTTPChunk }

// ---------------------------------------------------------------------------
// Agent / reverse-tunnel messages
// ---------------------------------------------------------------------------

type AgentRegister struct {
	AgentID       string
	AuthToken     string
	TargetAddress string
	Metadata      AgentMetadata
}

func (AgentRegister) Kind() Kind { return KindAgentRegister }

type AgentRegistered struct{ AgentID string }

func (AgentRegistered) Kind() Kind { return KindAgentRegistered }

type AgentRejected struct{ Reason string }

func (AgentRejected) Kind() Kind { return KindAgentRejected }

type ReverseTunnelRequest struct {
	TunnelID      string
	RemoteAddress string
	AgentID       string
	AgentToken    string
	HasAgentToken bool
}

func (ReverseTunnelRequest) Kind() Kind { return KindReverseTunnelRequest }

type ReverseTunnelAccept struct {
	TunnelID     string
	LocalAddress string
}

func (ReverseTunnelAccept) Kind() Kind { return KindReverseTunnelAccept }

type ReverseTunnelReject struct {
	TunnelID string
	Reason   string
}

func (ReverseTunnelReject) Kind() Kind { return KindReverseTunnelReject }

type ValidateAgentToken struct {
	AgentToken    string
	HasAgentToken bool
}

func (ValidateAgentToken) Kind() Kind { return KindValidateAgentToken }

type ValidateAgentTokenOk struct{}

func (ValidateAgentTokenOk) Kind() Kind { return KindValidateAgentTokenOk }

type ValidateAgentTokenReject struct{ Reason string }

func (ValidateAgentTokenReject) Kind() Kind { return KindValidateAgentTokenReject }

type ForwardRequest struct {
	TunnelID      string
	StreamID      uint32
	RemoteAddress string
	AgentToken    string
	HasAgentToken bool
}

func (ForwardRequest) Kind() Kind { return KindForwardRequest }

type ForwardAccept struct {
	TunnelID string
	StreamID uint32
}

func (ForwardAccept) Kind() Kind { return KindForwardAccept }

type ForwardReject struct {
	TunnelID string
	StreamID uint32
	Reason   string
}

func (ForwardReject) Kind() Kind { return KindForwardReject }

type ReverseData struct {
	TunnelID string
	StreamID uint32
	Data     []byte
}

func (ReverseData) Kind() Kind { return KindReverseData }

type ReverseClose struct {
	TunnelID  string
	StreamID  uint32
	Reason    string
	HasReason bool
}

func (ReverseClose) Kind() Kind { return KindReverseClose }
