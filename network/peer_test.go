package network

import (
	"net"
	"testing"
)

func TestPeerSendReceiveRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := NewPeer(0, "client", clientConn)
	server := NewPeer(1, "server", serverConn)

	want := []byte{byte(OpReqBlock), 1, 2, 3, 4}
	done := make(chan struct{})
	var got []byte
	var recvErr error
	go func() {
		got, recvErr = server.Receive()
		close(done)
	}()

	if err := client.Send(want); err != nil {
		t.Fatal(err)
	}
	<-done
	if recvErr != nil {
		t.Fatal(recvErr)
	}
	if string(got) != string(want) {
		t.Fatalf("received %v, want %v", got, want)
	}
}

func TestPeerSendAfterCloseFails(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	p := NewPeer(0, "client", clientConn)
	p.Close()
	if err := p.Send([]byte{1}); err == nil {
		t.Fatal("expected error sending on a closed peer")
	}
}

func TestPeerCloseIsIdempotent(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	p := NewPeer(0, "client", clientConn)
	p.Close()
	p.Close() // must not panic
}
