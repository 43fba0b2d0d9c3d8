// Package transport implements the host-runtime capability surface a
// service.Service needs (service.Host): length-prefixed JSON frames over
// net.Conn, with a fresh connection dialed for each request and closed
// after its reply; connections are not pooled.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gotchoices/fret/internal/service"
)

const (
	maxFrameBytes = 1 << 20
	dialTimeout   = 5 * time.Second
	idleGap       = 100 * time.Millisecond
)

// AddressBook resolves a stable peer identifier to a dialable network
// address. A real deployment backs this with a directory service or
// static config; tests can use a plain map.
type AddressBook interface {
	Lookup(peerID string) (addr string, ok bool)
}

// MapAddressBook is the simplest AddressBook: a fixed id -> addr map.
type MapAddressBook map[string]string

func (m MapAddressBook) Lookup(peerID string) (string, bool) {
	addr, ok := m[peerID]
	return addr, ok
}

// Transport implements service.Host over raw TCP connections framed as
// a 4-byte big-endian length prefix followed by exactly that many bytes
// of UTF-8 JSON (§6 Wire format, adapted to a stream transport since the
// bounded-read/idle-gap design of §4.9 presumes one).
type Transport struct {
	selfID  string
	book    AddressBook
	network string // namespaces protocol identifiers (§6 networkName)

	mu       sync.Mutex
	handlers map[string]service.HandlerFunc
	onConnect []func(string)
	// onDisconnect is registered but never fired: a one-frame-per-dial
	// transport never holds a connection open long enough to observe a
	// disconnect event distinct from a failed Send.
	onDisconnect []func(string)

	listener net.Listener
}

// New builds a Transport. network namespaces every protocol identifier
// so unrelated rings never cross-talk on a shared listener.
func New(selfID, network string, book AddressBook) *Transport {
	return &Transport{
		selfID:   selfID,
		book:     book,
		network:  network,
		handlers: make(map[string]service.HandlerFunc),
	}
}

func (t *Transport) namespaced(protocol string) string {
	return t.network + "/" + protocol
}

// Listen starts accepting connections on addr. Each accepted connection
// serves exactly one frame (request) then writes exactly one frame
// (reply) and closes, matching §6's "stream is closed after the reply".
func (t *Transport) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	t.listener = ln
	go t.acceptLoop(ctx)
	return nil
}

func (t *Transport) Close() error {
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.serveConn(ctx, conn)
	}
}

func (t *Transport) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	protocolLine, err := readFrameString(conn)
	if err != nil {
		return
	}
	protocol, peerID, body, err := decodeEnvelope(protocolLine)
	if err != nil {
		return
	}

	t.mu.Lock()
	handler, ok := t.handlers[protocol]
	t.mu.Unlock()
	if !ok {
		return
	}

	t.notifyConnect(peerID)
	reply, err := handler(ctx, peerID, body)
	if err != nil {
		reply = nil
	}
	_ = writeFrame(conn, reply)
}

func (t *Transport) notifyConnect(peerID string) {
	t.mu.Lock()
	cbs := append([]func(string){}, t.onConnect...)
	t.mu.Unlock()
	for _, cb := range cbs {
		cb(peerID)
	}
}

// Send dials peerID, sends one framed request on protocol, reads one
// framed reply, and closes the connection.
func (t *Transport) Send(ctx context.Context, peerID, protocol string, body []byte) ([]byte, error) {
	addr, ok := t.book.Lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("transport: no known address for %q", peerID)
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	defer conn.Close()

	frame := encodeEnvelope(t.namespaced(protocol), t.selfID, body)
	if err := writeFrame(conn, frame); err != nil {
		return nil, err
	}
	return readFrame(conn, maxFrameBytes)
}

func (t *Transport) RegisterHandler(protocol string, handler service.HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[t.namespaced(protocol)] = handler
}

func (t *Transport) OnPeerConnect(cb func(string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = append(t.onConnect, cb)
}

func (t *Transport) OnPeerDisconnect(cb func(string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = append(t.onDisconnect, cb)
}

// --- framing ---

func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r net.Conn, maxBytes int) ([]byte, error) {
	_ = r.SetReadDeadline(time.Now().Add(idleGap * 50))
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > maxBytes {
		return nil, errors.New("transport: frame too large")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func readFrameString(r net.Conn) (string, error) {
	body, err := readFrame(r, maxFrameBytes)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// encodeEnvelope/decodeEnvelope carry the protocol name and caller id
// alongside the JSON body on one frame, since a raw TCP stream has no
// header section of its own to put them in.
func encodeEnvelope(protocol, fromID string, body []byte) []byte {
	header := fmt.Sprintf("%s\n%s\n", protocol, fromID)
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	out = append(out, body...)
	return out
}

func decodeEnvelope(raw string) (protocol, peerID string, body []byte, err error) {
	first := indexByte(raw, '\n')
	if first < 0 {
		return "", "", nil, errors.New("transport: malformed envelope")
	}
	rest := raw[first+1:]
	second := indexByte(rest, '\n')
	if second < 0 {
		return "", "", nil, errors.New("transport: malformed envelope")
	}
	protocol = raw[:first]
	peerID = rest[:second]
	body = []byte(rest[second+1:])
	return protocol, peerID, body, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
