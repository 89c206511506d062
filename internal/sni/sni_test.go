package sni

import "testing"

// buildClientHello constructs a minimal but well-formed TLS 1.2/1.3
// ClientHello record carrying a single server_name extension for
// hostname, or no extensions at all if hostname is "".
func buildClientHello(hostname string) []byte {
	var ext []byte
	if hostname != "" {
		nameBytes := []byte(hostname)
		serverNameEntry := append([]byte{0x00}, u16be(len(nameBytes))...)
		serverNameEntry = append(serverNameEntry, nameBytes...)
		serverNameList := append(u16be(len(serverNameEntry)), serverNameEntry...)

		ext = append(ext, u16be(0x0000)...)            // extension type: server_name
		ext = append(ext, u16be(len(serverNameList))...)
		ext = append(ext, serverNameList...)
	}

	var body []byte
	body = append(body, 0x03, 0x03)        // legacy client version TLS1.2
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)               // session id len 0
	body = append(body, u16be(2)...)        // cipher suites len
	body = append(body, 0x13, 0x01)         // one cipher suite
	body = append(body, 0x01)               // compression methods len
	body = append(body, 0x00)               // null compression
	body = append(body, u16be(len(ext))...)
	body = append(body, ext...)

	handshake := append([]byte{0x01}, u24be(len(body))...)
	handshake = append(handshake, body...)

	record := append([]byte{0x16, 0x03, 0x01}, u16be(len(handshake))...)
	record = append(record, handshake...)
	return record
}

func u16be(v int) []byte { return []byte{byte(v >> 8), byte(v)} }
func u24be(v int) []byte { return []byte{byte(v >> 16), byte(v >> 8), byte(v)} }

func TestExtractValid(t *testing.T) {
	record := buildClientHello("example.com")
	host, err := Extract(record)
	if err != nil {
		t.Fatal(err)
	}
	if host != "example.com" {
		t.Fatalf("host = %q, want example.com", host)
	}
}

func TestExtractNoSNI(t *testing.T) {
	record := buildClientHello("")
	if _, err := Extract(record); err != ErrExtraction {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
}

func TestExtractTooShort(t *testing.T) {
	if _, err := Extract([]byte{0x16, 0x03, 0x01, 0x00, 0x02, 0x01, 0x02}); err != ErrExtraction {
		t.Fatalf("expected ErrExtraction for short buffer, got %v", err)
	}
}

func TestExtractTruncatedExtension(t *testing.T) {
	record := buildClientHello("example.com")
	// Cut the record mid-extension to prove the bounds check fires
	// rather than reading out of range.
	truncated := record[:len(record)-5]
	if _, err := Extract(truncated); err != ErrExtraction {
		t.Fatalf("expected ErrExtraction for truncated extension, got %v", err)
	}
}

func TestExtractRejectsEmptyHostname(t *testing.T) {
	// A server_name entry with a zero-length name must be rejected,
	// not returned as "".
	record := buildClientHello("x")
	// Find and zero out the name length + name content for "x":
	// rebuild manually rather than patch bytes, to keep this test
	// readable.
	empty := buildClientHelloEmptyName()
	if _, err := Extract(empty); err != ErrExtraction {
		t.Fatalf("expected ErrExtraction for empty hostname, got %v", err)
	}
	_ = record
}

func buildClientHelloEmptyName() []byte {
	serverNameEntry := append([]byte{0x00}, u16be(0)...) // name_type=host, name_len=0, no name bytes
	serverNameList := append(u16be(len(serverNameEntry)), serverNameEntry...)

	var ext []byte
	ext = append(ext, u16be(0x0000)...)
	ext = append(ext, u16be(len(serverNameList))...)
	ext = append(ext, serverNameList...)

	var body []byte
	body = append(body, 0x03, 0x03)
	body = append(body, make([]byte, 32)...)
	body = append(body, 0x00)
	body = append(body, u16be(2)...)
	body = append(body, 0x13, 0x01)
	body = append(body, 0x01)
	body = append(body, 0x00)
	body = append(body, u16be(len(ext))...)
	body = append(body, ext...)

	handshake := append([]byte{0x01}, u24be(len(body))...)
	handshake = append(handshake, body...)

	record := append([]byte{0x16, 0x03, 0x01}, u16be(len(handshake))...)
	record = append(record, handshake...)
	return record
}
