package dialer

import (
	"encoding/json"
	"net"
	"testing"
	"time"
)

// fakeSoftphone answers every command on the server side of a pipe.
func fakeSoftphone(t *testing.T, conn net.Conn, ok bool, seen chan<- baresipCommand) {
	t.Helper()
	dec := newNetstringDecoder(conn)
	enc := newNetstringEncoder(conn)
	go func() {
		for {
			data, err := dec.Decode()
			if err != nil {
				return
			}
			var cmd baresipCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				return
			}
			seen <- cmd

			// An unrelated event first, to exercise routing.
			ev, _ := json.Marshal(baresipEvent{Event: true, Class: "call", Type: "CALL_OUTGOING", ID: "c1"})
			if err := enc.Encode(ev); err != nil {
				return
			}
			resp, _ := json.Marshal(baresipResponse{Response: true, OK: ok, Data: "done", Token: cmd.Token})
			if err := enc.Encode(resp); err != nil {
				return
			}
		}
	}()
}

func TestBaresipDialSendsEscapedCode(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	seen := make(chan baresipCommand, 1)
	fakeSoftphone(t, server, true, seen)

	b := NewBaresip("pipe", false)
	b.attach(client)
	defer b.Close()

	if !b.CanDial("**21*+15550100#") {
		t.Fatal("expected CanDial to accept a GSM code")
	}
	if err := b.Dial("**21*+15550100#"); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	select {
	case cmd := <-seen:
		if cmd.Command != "dial" {
			t.Errorf("command mismatch: got %s, want dial", cmd.Command)
		}
		if cmd.Params != "**21*+15550100%23" {
			t.Errorf("params mismatch: got %s", cmd.Params)
		}
	case <-time.After(time.Second):
		t.Fatal("softphone never saw the command")
	}
}

func TestBaresipDialRejected(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	seen := make(chan baresipCommand, 1)
	fakeSoftphone(t, server, false, seen)

	b := NewBaresip("pipe", false)
	b.attach(client)
	defer b.Close()

	if err := b.Dial("*73"); err == nil {
		t.Fatal("expected rejected dial to fail")
	}
}

func TestBaresipCanDial(t *testing.T) {
	b := NewBaresip("pipe", false)
	if b.CanDial("*73") {
		t.Error("disconnected client must not report CanDial")
	}

	client, server := net.Pipe()
	defer server.Close()
	b.attach(client)

	if b.CanDial("*72 555") {
		t.Error("spaces are not valid in an MMI string")
	}
	if b.CanDial("") {
		t.Error("empty dial string must be rejected")
	}

	_ = b.Close()
	if b.CanDial("*73") {
		t.Error("closed client must not report CanDial")
	}
}

func TestNetstringDecoderSkipsGarbage(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	go func() {
		_, _ = server.Write([]byte("xx5:hello,3:abc,"))
		server.Close()
	}()

	dec := newNetstringDecoder(client)
	first, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(first) != "hello" {
		t.Errorf("first frame mismatch: got %q", first)
	}
	second, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(second) != "abc" {
		t.Errorf("second frame mismatch: got %q", second)
	}
}
