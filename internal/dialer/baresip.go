package dialer

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type baresipEvent struct {
	Event bool   `json:"event"`
	Class string `json:"class"`
	Type  string `json:"type"`
	ID    string `json:"id"`
	Param string `json:"param"`
}

type baresipResponse struct {
	Response bool   `json:"response"`
	OK       bool   `json:"ok"`
	Data     string `json:"data"`
	Token    string `json:"token"`
}

type baresipCommand struct {
	Command string `json:"command"`
	Params  string `json:"params,omitempty"`
	Token   string `json:"token,omitempty"`
}

// Baresip places forwarding codes through a baresip softphone's ctrl_tcp
// module. The MMI string is sent as the dial target of the registered
// account.
type Baresip struct {
	addr    string
	conn    net.Conn
	encoder *netstringEncoder
	decoder *netstringDecoder
	writeMu sync.Mutex

	tokenCounter atomic.Uint64
	pendingCmds  map[string]chan baresipResponse
	pendingMu    sync.Mutex
	cmdTimeout   time.Duration

	connected atomic.Bool
	closed    atomic.Bool
	closedCh  chan struct{}

	verbose bool
}

// NewBaresip returns an unconnected client for the baresip ctrl_tcp socket
// at addr. Call Connect before dialing.
func NewBaresip(addr string, verbose bool) *Baresip {
	return &Baresip{
		addr:        addr,
		pendingCmds: make(map[string]chan baresipResponse),
		closedCh:    make(chan struct{}),
		cmdTimeout:  2 * time.Second,
		verbose:     verbose,
	}
}

// Connect dials the ctrl_tcp endpoint and starts the reader.
func (b *Baresip) Connect() error {
	conn, err := net.Dial("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("connecting to baresip at %s: %w", b.addr, err)
	}
	b.attach(conn)
	log.Printf("[Baresip] Connected to %s", b.addr)
	return nil
}

func (b *Baresip) attach(conn net.Conn) {
	b.conn = conn
	b.encoder = newNetstringEncoder(conn)
	b.decoder = newNetstringDecoder(conn)
	b.connected.Store(true)
	go b.readLoop()
}

func (b *Baresip) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.closedCh)
	b.connected.Store(false)
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// CanDial reports whether the softphone link is up and s is a valid MMI string.
func (b *Baresip) CanDial(s string) bool {
	if !b.connected.Load() || b.closed.Load() {
		return false
	}
	return ValidDialString(s)
}

// Dial sends the MMI string. It returns once baresip has accepted the dial
// command, not when the carrier has processed it.
func (b *Baresip) Dial(s string) error {
	if !ValidDialString(s) {
		return fmt.Errorf("invalid dial string %q", s)
	}
	// '#' starts a URI fragment; baresip would drop the rest of the code.
	resp, err := b.sendCommand("dial", strings.ReplaceAll(s, "#", "%23"))
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("baresip dial rejected: %s", resp.Data)
	}
	return nil
}

func (b *Baresip) readLoop() {
	defer b.connected.Store(false)

	for {
		select {
		case <-b.closedCh:
			return
		default:
		}

		data, err := b.decoder.Decode()
		if err != nil {
			if !b.closed.Load() {
				log.Printf("[Baresip] Read failed: %v", err)
			}
			return
		}

		if b.verbose {
			log.Printf("[Baresip] Received: %s", string(data))
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			log.Printf("[Baresip] Invalid JSON: %v", err)
			continue
		}

		if _, isEvent := raw["event"]; isEvent {
			var ev baresipEvent
			if err := json.Unmarshal(data, &ev); err == nil && b.verbose {
				log.Printf("[Baresip] Event %s id=%s param=%s", ev.Type, ev.ID, ev.Param)
			}
			continue
		}

		if _, isResponse := raw["response"]; isResponse {
			var resp baresipResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				log.Printf("[Baresip] Failed to parse response: %v", err)
				continue
			}
			b.pendingMu.Lock()
			if ch, ok := b.pendingCmds[resp.Token]; ok {
				ch <- resp
				delete(b.pendingCmds, resp.Token)
			}
			b.pendingMu.Unlock()
		}
	}
}

func (b *Baresip) sendCommand(cmd, params string) (*baresipResponse, error) {
	if !b.connected.Load() {
		return nil, fmt.Errorf("baresip not connected")
	}
	token := fmt.Sprintf("tok%d", b.tokenCounter.Add(1))

	data, err := json.Marshal(baresipCommand{Command: cmd, Params: params, Token: token})
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}

	respChan := make(chan baresipResponse, 1)
	b.pendingMu.Lock()
	b.pendingCmds[token] = respChan
	b.pendingMu.Unlock()

	drop := func() {
		b.pendingMu.Lock()
		delete(b.pendingCmds, token)
		b.pendingMu.Unlock()
	}

	if b.verbose {
		log.Printf("[Baresip] Sending: %s", string(data))
	}

	b.writeMu.Lock()
	err = b.encoder.Encode(data)
	b.writeMu.Unlock()
	if err != nil {
		drop()
		return nil, fmt.Errorf("sending command: %w", err)
	}

	select {
	case resp := <-respChan:
		return &resp, nil
	case <-b.closedCh:
		drop()
		return nil, fmt.Errorf("connection closed")
	case <-time.After(b.cmdTimeout):
		drop()
		return nil, fmt.Errorf("command timeout: %s", cmd)
	}
}
