package wire

import (
	"context"
	"errors"
	"net"
	"testing"
)

// newPair wires two Endpoints over a net.Pipe, one playing RoleServer and
// the other RoleClient, and registers cleanup so every test leaves both
// sockets closed.
func newPair(t *testing.T) (server, client *Endpoint) {
	t.Helper()
	a, b := net.Pipe()
	server = NewEndpoint(a, RoleServer, nil)
	client = NewEndpoint(b, RoleClient, nil)
	server.MarkOpen()
	client.MarkOpen()
	t.Cleanup(func() {
		_ = server.Destroy()
		_ = client.Destroy()
	})
	return server, client
}

func TestEndpoint_TextRoundTrip(t *testing.T) {
	server, client := newPair(t)

	done := make(chan Event, 1)
	go func() { done <- server.Next(context.Background()) }()

	if err := client.WriteMessage(context.Background(), false, []byte("hello")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	ev := <-done
	if ev.Kind != EventData || ev.Binary || string(ev.Payload) != "hello" {
		t.Fatalf("got %+v, want text data %q", ev, "hello")
	}
}

func TestEndpoint_BinaryRoundTrip(t *testing.T) {
	server, client := newPair(t)

	done := make(chan Event, 1)
	go func() { done <- client.Next(context.Background()) }()

	payload := []byte{0x00, 0xFF, 0x10}
	if err := server.WriteMessage(context.Background(), true, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	ev := <-done
	if ev.Kind != EventData || !ev.Binary || string(ev.Payload) != string(payload) {
		t.Fatalf("got %+v, want binary data %v", ev, payload)
	}
}

func TestEndpoint_PingPong(t *testing.T) {
	server, client := newPair(t)

	done := make(chan Event, 1)
	go func() { done <- server.Next(context.Background()) }()

	if err := client.WritePing(context.Background(), []byte("ping-payload")); err != nil {
		t.Fatalf("WritePing: %v", err)
	}

	ev := <-done
	if ev.Kind != EventPing || string(ev.Payload) != "ping-payload" {
		t.Fatalf("got %+v, want ping carrying payload", ev)
	}
}

func TestEndpoint_Close_ValidCodeRoundTrip(t *testing.T) {
	server, client := newPair(t)

	done := make(chan Event, 1)
	go func() { done <- server.Next(context.Background()) }()

	if err := client.Close(CloseNormal, "bye"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ev := <-done
	if ev.Kind != EventClose || !ev.HasCloseCode || ev.CloseCode != CloseNormal || ev.CloseReason != "bye" {
		t.Fatalf("got %+v, want close(1000, bye)", ev)
	}
}

func TestEndpoint_Close_BareCloseHasNoCode(t *testing.T) {
	server, client := newPair(t)

	done := make(chan Event, 1)
	go func() { done <- server.Next(context.Background()) }()

	if err := client.Close(0, ""); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ev := <-done
	if ev.Kind != EventClose || ev.HasCloseCode {
		t.Fatalf("got %+v, want a bare close with no status", ev)
	}
}

func TestEndpoint_SendRaw_InvalidCloseCodeSurfacesAsError(t *testing.T) {
	server, client := newPair(t)

	done := make(chan Event, 1)
	go func() { done <- server.Next(context.Background()) }()

	if err := client.SendRaw(OpClose, EncodeCloseBody(999, "")); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}

	ev := <-done
	if ev.Kind != EventError {
		t.Fatalf("got %+v, want EventError for an unallocated close code", ev)
	}
	var invalid *InvalidCloseCodeError
	if !errors.As(ev.Err, &invalid) || invalid.Code != 999 {
		t.Fatalf("err = %v, want *InvalidCloseCodeError{Code: 999}", ev.Err)
	}
}

func TestValidCloseCode_Table(t *testing.T) {
	cases := []struct {
		code uint16
		want bool
	}{
		{0, false},
		{999, false},
		{1000, true},
		{1001, true},
		{1003, true},
		{1004, false},
		{1005, false},
		{1006, false},
		{1014, true},
		{1015, false},
		{2999, false},
		{3000, true},
		{4999, true},
		{5000, false},
	}
	for _, c := range cases {
		if got := ValidCloseCode(c.code); got != c.want {
			t.Errorf("ValidCloseCode(%d) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestCloseBody_EncodeDecodeRoundTrip(t *testing.T) {
	body := EncodeCloseBody(1001, "going away")
	code, reason, ok := DecodeCloseBody(body)
	if !ok || code != 1001 || reason != "going away" {
		t.Fatalf("decoded (%d, %q, %v), want (1001, %q, true)", code, reason, ok, "going away")
	}
}

func TestCloseBody_BareCloseEncodesEmpty(t *testing.T) {
	if body := EncodeCloseBody(0, "ignored"); body != nil {
		t.Fatalf("EncodeCloseBody(0, ...) = %v, want nil", body)
	}
	_, _, ok := DecodeCloseBody(nil)
	if ok {
		t.Fatal("DecodeCloseBody(nil) ok = true, want false for a bare close")
	}
}
