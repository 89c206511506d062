package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload a single frame may carry
// (spec §4.1, B6). A frame claiming to be larger is a fatal stream
// error — the caller should close the stream/session, not retry.
const MaxFrameSize = 16 * 1024 * 1024

// lengthPrefixSize is the size of the u32 frame-length header.
const lengthPrefixSize = 4

// ErrOversizeFrame is returned by Decoder.Next when a frame's declared
// length exceeds MaxFrameSize.
var ErrOversizeFrame = fmt.Errorf("protocol: frame exceeds %d bytes", MaxFrameSize)

// ErrUnknownKind is returned when a frame's tag byte does not match
// any known Kind.
var ErrUnknownKind = errors.New("protocol: unknown message kind")

// Encode serializes msg as a complete frame: length prefix followed
// by the tagged, binary-encoded payload.
func Encode(msg Message) ([]byte, error) {
	w := newWriter()
	w.u8(uint8(msg.Kind()))
	if err := encodeBody(w, msg); err != nil {
		return nil, err
	}
	body := w.bytes()
	if len(body) > MaxFrameSize {
		return nil, ErrOversizeFrame
	}

	out := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[lengthPrefixSize:], body)
	return out, nil
}

// Decoder accumulates bytes read from a stream and yields complete
// messages as they become available. It is not safe for concurrent
// use from multiple goroutines.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly received bytes to the decoder's internal buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next returns the next complete message in the buffer, if any. It
// returns ok=false (with a nil error) when more bytes are required;
// any unread tail is preserved for the next call. It returns a
// non-nil error only for a malformed or oversize frame, at which
// point the caller must treat the stream as unrecoverable (spec §4.1,
// §4.6 "oversize frame: close session").
func (d *Decoder) Next() (msg Message, ok bool, err error) {
	if len(d.buf) < lengthPrefixSize {
		return nil, false, nil
	}

	frameLen := binary.BigEndian.Uint32(d.buf)
	if frameLen > MaxFrameSize {
		return nil, false, ErrOversizeFrame
	}

	total := lengthPrefixSize + int(frameLen)
	if len(d.buf) < total {
		return nil, false, nil
	}

	body := d.buf[lengthPrefixSize:total]
	msg, err = decodeBody(body)

	// Consume the frame from the buffer regardless of decode outcome
	// so that a malformed frame does not wedge the decoder forever.
	remaining := make([]byte, len(d.buf)-total)
	copy(remaining, d.buf[total:])
	d.buf = remaining

	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// DecodeMessage reads exactly one frame from r: the u32 length prefix
// followed by its payload. It is a convenience for transports that
// expose an io.Reader per logical stream instead of raw byte chunks
// (e.g. reading directly off a quic.Stream).
func DecodeMessage(r io.Reader) (Message, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen > MaxFrameSize {
		return nil, ErrOversizeFrame
	}
	body := make([]byte, frameLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return decodeBody(body)
}

func decodeBody(body []byte) (Message, error) {
	r := newReader(body)
	kindByte := r.u8()
	if r.err != nil {
		return nil, r.err
	}
	return decodePayload(Kind(kindByte), r)
}

func encodeBody(w *writer, msg Message) error {
	switch m := msg.(type) {
	case Ping:
		w.u64(m.Timestamp)
	case Pong:
		w.u64(m.Timestamp)
	case Connect:
		w.str(m.TunnelID)
		w.str(m.AuthToken)
		encodeProtocols(w, m.Protocols)
		encodeTunnelConfig(w, m.Config)
	case Connected:
		w.str(m.TunnelID)
		encodeEndpoints(w, m.Endpoints)
	case Disconnect:
		w.str(m.Reason)
	case DisconnectAck:
		w.str(m.TunnelID)
	case TCPConnect:
		w.u32(m.StreamID)
		w.str(m.RemoteAddr)
		w.u16(m.RemotePort)
	case TCPData:
		w.u32(m.StreamID)
		w.bytesField(m.Data)
	case TCPClose:
		w.u32(m.StreamID)
	case TLSConnect:
		w.u32(m.StreamID)
		w.str(m.SNI)
		w.bytesField(m.ClientHello)
	case TLSData:
		w.u32(m.StreamID)
		w.bytesField(m.Data)
	case TLSClose:
		w.u32(m.StreamID)
	case HTTPStreamConnect:
		w.u32(m.StreamID)
		w.str(m.Host)
		w.bytesField(m.InitialData)
	case HTTPStreamData:
		w.u32(m.StreamID)
		w.bytesField(m.Data)
	case HTTPStreamClose:
		w.u32(m.StreamID)
	case HTTPRequest:
		w.u32(m.StreamID)
		w.str(m.Method)
		w.str(m.URI)
		encodeHeaders(w, m.Headers)
		w.optBytes(m.Body, m.HasBody)
	case HTTPResponse:
		w.u32(m.StreamID)
		w.u16(m.Status)
		encodeHeaders(w, m.Headers)
		w.optBytes(m.Body, m.HasBody)
	case HTTPChunk:
		w.u32(m.StreamID)
		w.bytesField(m.Chunk)
		w.boolean(m.IsFinal)
	case AgentRegister:
		w.str(m.AgentID)
		w.str(m.AuthToken)
		w.str(m.TargetAddress)
		encodeMetadata(w, m.Metadata)
	case AgentRegistered:
		w.str(m.AgentID)
	case AgentRejected:
		w.str(m.Reason)
	case ReverseTunnelRequest:
		w.str(m.TunnelID)
		w.str(m.RemoteAddress)
		w.str(m.AgentID)
		w.optStr(m.AgentToken, m.HasAgentToken)
	case ReverseTunnelAccept:
		w.str(m.TunnelID)
		w.str(m.LocalAddress)
	case ReverseTunnelReject:
		w.str(m.TunnelID)
		w.str(m.Reason)
	case ValidateAgentToken:
		w.optStr(m.AgentToken, m.HasAgentToken)
	case ValidateAgentTokenOk:
		// no fields
	case ValidateAgentTokenReject:
		w.str(m.Reason)
	case ForwardRequest:
		w.str(m.TunnelID)
		w.u32(m.StreamID)
		w.str(m.RemoteAddress)
		w.optStr(m.AgentToken, m.HasAgentToken)
	case ForwardAccept:
		w.str(m.TunnelID)
		w.u32(m.StreamID)
	case ForwardReject:
		w.str(m.TunnelID)
		w.u32(m.StreamID)
		w.str(m.Reason)
	case ReverseData:
		w.str(m.TunnelID)
		w.u32(m.StreamID)
		w.bytesField(m.Data)
	case ReverseClose:
		w.str(m.TunnelID)
		w.u32(m.StreamID)
		w.optStr(m.Reason, m.HasReason)
	default:
		return fmt.Errorf("protocol: encode: unhandled message type %T", msg)
	}
	return w.err
}

func decodePayload(kind Kind, r *reader) (Message, error) {
	var msg Message
	switch kind {
	case KindPing:
		msg = Ping{Timestamp: r.u64()}
	case KindPong:
		msg = Pong{Timestamp: r.u64()}
	case KindConnect:
		m := Connect{}
		m.TunnelID = r.str()
		m.AuthToken = r.str()
		m.Protocols = decodeProtocols(r)
		m.Config = decodeTunnelConfig(r)
		msg = m
	case KindConnected:
		m := Connected{}
		m.TunnelID = r.str()
		m.Endpoints = decodeEndpoints(r)
		msg = m
	case KindDisconnect:
		msg = Disconnect{Reason: r.str()}
	case KindDisconnectAck:
		msg = DisconnectAck{TunnelID: r.str()}
	case KindTCPConnect:
		m := TCPConnect{}
		m.StreamID = r.u32()
		m.RemoteAddr = r.str()
		m.RemotePort = r.u16()
		msg = m
	case KindTCPData:
		m := TCPData{}
		m.StreamID = r.u32()
		m.Data = r.bytesField()
		msg = m
	case KindTCPClose:
		msg = TCPClose{StreamID: r.u32()}
	case KindTLSConnect:
		m := TLSConnect{}
		m.StreamID = r.u32()
		m.SNI = r.str()
		m.ClientHello = r.bytesField()
		msg = m
	case KindTLSData:
		m := TLSData{}
		m.StreamID = r.u32()
		m.Data = r.bytesField()
		msg = m
	case KindTLSClose:
		msg = TLSClose{StreamID: r.u32()}
	case KindHTTPStreamConnect:
		m := HTTPStreamConnect{}
		m.StreamID = r.u32()
		m.Host = r.str()
		m.InitialData = r.bytesField()
		msg = m
	case KindHTTPStreamData:
		m := HTTPStreamData{}
		m.StreamID = r.u32()
		m.Data = r.bytesField()
		msg = m
	case KindHTTPStreamClose:
		msg = HTTPStreamClose{StreamID: r.u32()}
	case KindHTTPRequest:
		m := HTTPRequest{}
		m.StreamID = r.u32()
		m.Method = r.str()
		m.URI = r.str()
		m.Headers = decodeHeaders(r)
		m.Body, m.HasBody = r.optBytes()
		msg = m
	case KindHTTPResponse:
		m := HTTPResponse{}
		m.StreamID = r.u32()
		m.Status = r.u16()
		m.Headers = decodeHeaders(r)
		m.Body, m.HasBody = r.optBytes()
		msg = m
	case KindHTTPChunk:
		m := HTTPChunk{}
		m.StreamID = r.u32()
		m.Chunk = r.bytesField()
		m.IsFinal = r.boolean()
		msg = m
	case KindAgentRegister:
		m := AgentRegister{}
		m.AgentID = r.str()
		m.AuthToken = r.str()
		m.TargetAddress = r.str()
		m.Metadata = decodeMetadata(r)
		msg = m
	case KindAgentRegistered:
		msg = AgentRegistered{AgentID: r.str()}
	case KindAgentRejected:
		msg = AgentRejected{Reason: r.str()}
	case KindReverseTunnelRequest:
		m := ReverseTunnelRequest{}
		m.TunnelID = r.str()
		m.RemoteAddress = r.str()
		m.AgentID = r.str()
		m.AgentToken, m.HasAgentToken = r.optStr()
		msg = m
	case KindReverseTunnelAccept:
		m := ReverseTunnelAccept{}
		m.TunnelID = r.str()
		m.LocalAddress = r.str()
		msg = m
	case KindReverseTunnelReject:
		m := ReverseTunnelReject{}
		m.TunnelID = r.str()
		m.Reason = r.str()
		msg = m
	case KindValidateAgentToken:
		m := ValidateAgentToken{}
		m.AgentToken, m.HasAgentToken = r.optStr()
		msg = m
	case KindValidateAgentTokenOk:
		msg = ValidateAgentTokenOk{}
	case KindValidateAgentTokenReject:
		msg = ValidateAgentTokenReject{Reason: r.str()}
	case KindForwardRequest:
		m := ForwardRequest{}
		m.TunnelID = r.str()
		m.StreamID = r.u32()
		m.RemoteAddress = r.str()
		m.AgentToken, m.HasAgentToken = r.optStr()
		msg = m
	case KindForwardAccept:
		m := ForwardAccept{}
		m.TunnelID = r.str()
		m.StreamID = r.u32()
		msg = m
	case KindForwardReject:
		m := ForwardReject{}
		m.TunnelID = r.str()
		m.StreamID = r.u32()
		m.Reason = r.str()
		msg = m
	case KindReverseData:
		m := ReverseData{}
		m.TunnelID = r.str()
		m.StreamID = r.u32()
		m.Data = r.bytesField()
		msg = m
	case KindReverseClose:
		m := ReverseClose{}
		m.TunnelID = r.str()
		m.StreamID = r.u32()
		m.Reason, m.HasReason = r.optStr()
		msg = m
	default:
		return nil, ErrUnknownKind
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

func encodeProtocols(w *writer, ps []Protocol) {
	w.u32(uint32(len(ps)))
	for _, p := range ps {
		w.u8(uint8(p.Kind))
		w.u16(p.Port)
		w.str(p.SNIPattern)
		w.optStr(p.Subdomain, p.HasSub)
	}
}

func decodeProtocols(r *reader) []Protocol {
	n := r.u32()
	out := make([]Protocol, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		p := Protocol{}
		p.Kind = ProtocolKind(r.u8())
		p.Port = r.u16()
		p.SNIPattern = r.str()
		p.Subdomain, p.HasSub = r.optStr()
		out = append(out, p)
	}
	return out
}

func encodeEndpoints(w *writer, es []Endpoint) {
	w.u32(uint32(len(es)))
	for _, e := range es {
		w.u8(uint8(e.Protocol.Kind))
		w.u16(e.Protocol.Port)
		w.str(e.Protocol.SNIPattern)
		w.optStr(e.Protocol.Subdomain, e.Protocol.HasSub)
		w.str(e.PublicURL)
		w.optU16(e.Port, e.HasPort)
	}
}

func decodeEndpoints(r *reader) []Endpoint {
	n := r.u32()
	out := make([]Endpoint, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		e := Endpoint{}
		e.Protocol.Kind = ProtocolKind(r.u8())
		e.Protocol.Port = r.u16()
		e.Protocol.SNIPattern = r.str()
		e.Protocol.Subdomain, e.Protocol.HasSub = r.optStr()
		e.PublicURL = r.str()
		e.Port, e.HasPort = r.optU16()
		out = append(out, e)
	}
	return out
}

func encodeTunnelConfig(w *writer, c TunnelConfig) {
	w.str(c.LocalHost)
	w.optU16(c.LocalPort, c.HasLocalPort)
	w.boolean(c.LocalHTTPS)
	w.str(c.ExitNode)
	w.boolean(c.Failover)
	w.u32(uint32(len(c.IPAllowlist)))
	for _, a := range c.IPAllowlist {
		w.str(a)
	}
	w.boolean(c.EnableCompression)
	w.boolean(c.EnableMultiplexing)
	encodeHTTPAuthPolicy(w, c.HTTPAuth)
}

func decodeTunnelConfig(r *reader) TunnelConfig {
	c := TunnelConfig{}
	c.LocalHost = r.str()
	c.LocalPort, c.HasLocalPort = r.optU16()
	c.LocalHTTPS = r.boolean()
	c.ExitNode = r.str()
	c.Failover = r.boolean()
	n := r.u32()
	c.IPAllowlist = make([]string, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		c.IPAllowlist = append(c.IPAllowlist, r.str())
	}
	c.EnableCompression = r.boolean()
	c.EnableMultiplexing = r.boolean()
	c.HTTPAuth = decodeHTTPAuthPolicy(r)
	return c
}

func encodeHTTPAuthPolicy(w *writer, a HTTPAuthPolicy) {
	w.u8(uint8(a.Kind))
	w.u32(uint32(len(a.Credentials)))
	for user, pass := range a.Credentials {
		w.str(user)
		w.str(pass)
	}
	w.u32(uint32(len(a.Tokens)))
	for _, t := range a.Tokens {
		w.str(t)
	}
	w.str(a.HeaderName)
	w.u32(uint32(len(a.HeaderValues)))
	for _, v := range a.HeaderValues {
		w.str(v)
	}
}

func decodeHTTPAuthPolicy(r *reader) HTTPAuthPolicy {
	a := HTTPAuthPolicy{Kind: HTTPAuthKind(r.u8())}
	n := r.u32()
	if n > 0 {
		a.Credentials = make(map[string]string, n)
	}
	for i := uint32(0); i < n && r.err == nil; i++ {
		user := r.str()
		pass := r.str()
		a.Credentials[user] = pass
	}
	n = r.u32()
	a.Tokens = make([]string, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		a.Tokens = append(a.Tokens, r.str())
	}
	a.HeaderName = r.str()
	n = r.u32()
	a.HeaderValues = make([]string, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		a.HeaderValues = append(a.HeaderValues, r.str())
	}
	return a
}

func encodeHeaders(w *writer, hs []HeaderPair) {
	w.u32(uint32(len(hs)))
	for _, h := range hs {
		w.str(h.Name)
		w.str(h.Value)
	}
}

func decodeHeaders(r *reader) []HeaderPair {
	n := r.u32()
	out := make([]HeaderPair, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		name := r.str()
		value := r.str()
		out = append(out, HeaderPair{Name: name, Value: value})
	}
	return out
}

func encodeMetadata(w *writer, m AgentMetadata) {
	w.u32(uint32(len(m)))
	for k, v := range m {
		w.str(k)
		w.str(v)
	}
}

func decodeMetadata(r *reader) AgentMetadata {
	n := r.u32()
	out := make(AgentMetadata, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		k := r.str()
		v := r.str()
		out[k] = v
	}
	return out
}
