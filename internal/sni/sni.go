// Package sni extracts the server_name extension from a captured TLS
// ClientHello record without performing a TLS handshake (spec §4.4).
// Every length field is bounds-checked against the buffer; any
// underflow, overflow, or malformed extension yields ErrExtraction —
// the caller never learns which specific field was wrong, since the
// only action available is "treat this as a non-SNI connection."
package sni

import (
	"encoding/binary"
	"errors"
)

// ErrExtraction is returned for any malformed, truncated, or
// SNI-less ClientHello.
var ErrExtraction = errors.New("sni: extraction failed")

const (
	recordHeaderLen    = 5
	handshakeHeaderLen = 4
	minClientHelloLen  = 43 // legacy_version(2) + random(32) + session_id_len(1) + cipher_suites_len(2) + compression_len(1) + extensions placeholder(5)... conservative floor per spec §4.4
	extServerName      = 0x0000
	serverNameTypeHost = 0
)

// Extract parses record as a single TLS handshake record containing a
// ClientHello and returns the server_name extension's hostname.
func Extract(record []byte) (string, error) {
	if len(record) < minClientHelloLen {
		return "", ErrExtraction
	}

	r := &cursor{buf: record}

	// TLS record header: content type, legacy version, length.
	contentType := r.u8()
	r.skip(2) // legacy record version
	recordLen := r.u16()
	if r.err != nil || contentType != 0x16 {
		return "", ErrExtraction
	}
	if recordHeaderLen+int(recordLen) > len(record) {
		return "", ErrExtraction
	}

	// Handshake header: msg type, 24-bit length.
	msgType := r.u8()
	hsLen := r.u24()
	if r.err != nil || msgType != 0x01 {
		return "", ErrExtraction
	}
	if r.pos+int(hsLen) > len(record) {
		return "", ErrExtraction
	}

	r.skip(2)  // legacy client version
	r.skip(32) // random

	sessionIDLen := int(r.u8())
	r.skip(sessionIDLen)

	cipherSuitesLen := int(r.u16())
	r.skip(cipherSuitesLen)

	compressionLen := int(r.u8())
	r.skip(compressionLen)

	if r.err != nil {
		return "", ErrExtraction
	}

	if r.pos == len(record) {
		// No extensions block at all: no SNI present.
		return "", ErrExtraction
	}

	extensionsLen := int(r.u16())
	if r.err != nil || r.pos+extensionsLen > len(record) {
		return "", ErrExtraction
	}
	extensionsEnd := r.pos + extensionsLen

	for r.pos < extensionsEnd {
		extType := r.u16()
		extLen := int(r.u16())
		if r.err != nil || r.pos+extLen > extensionsEnd {
			return "", ErrExtraction
		}
		extStart := r.pos

		if extType == extServerName {
			host, err := parseServerNameExtension(record[extStart : extStart+extLen])
			if err != nil {
				return "", err
			}
			if host == "" {
				return "", ErrExtraction
			}
			return host, nil
		}
		r.pos = extStart + extLen
	}

	return "", ErrExtraction
}

func parseServerNameExtension(ext []byte) (string, error) {
	r := &cursor{buf: ext}

	listLen := int(r.u16())
	if r.err != nil || listLen > len(ext)-2 {
		return "", ErrExtraction
	}

	for r.pos < 2+listLen {
		nameType := r.u8()
		nameLen := int(r.u16())
		if r.err != nil || r.pos+nameLen > len(ext) {
			return "", ErrExtraction
		}
		name := ext[r.pos : r.pos+nameLen]
		r.pos += nameLen

		if nameType == serverNameTypeHost {
			if len(name) == 0 {
				return "", ErrExtraction
			}
			return string(name), nil
		}
	}
	return "", ErrExtraction
}

// cursor is a bounds-checked reader identical in spirit to
// internal/protocol's reader, kept separate since SNI parsing
// operates on raw TLS records rather than this relay's own wire
// format and the two have no reason to share a type.
type cursor struct {
	buf []byte
	pos int
	err error
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if c.pos+n > len(c.buf) {
		c.err = ErrExtraction
		return false
	}
	return true
}

func (c *cursor) u8() uint8 {
	if !c.need(1) {
		return 0
	}
	v := c.buf[c.pos]
	c.pos++
	return v
}

func (c *cursor) u16() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v
}

func (c *cursor) u24() uint32 {
	if !c.need(3) {
		return 0
	}
	v := uint32(c.buf[c.pos])<<16 | uint32(c.buf[c.pos+1])<<8 | uint32(c.buf[c.pos+2])
	c.pos += 3
	return v
}

func (c *cursor) skip(n int) {
	if !c.need(n) {
		return
	}
	c.pos += n
}
