package wire

import (
	"net"
	"testing"
)

func TestRequestReplyRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	want := Request{Kind: KindAddrRequest, URI: "chat://room", Addr: "http://1.2.3.4:9000"}

	done := make(chan Request, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := ReadRequest(conn)
		if err != nil {
			t.Errorf("ReadRequest: %v", err)
			return
		}
		done <- req
		_ = WriteReply(conn, Reply{ReqURI: req.URI, Addr: "resolved", Status: 200})
	}()

	rep, err := SendRequest(ln.Addr().String(), want)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	got := <-done
	if got != want {
		t.Fatalf("server saw %+v, want %+v", got, want)
	}
	if rep.Addr != "resolved" || rep.Status != 200 {
		t.Fatalf("unexpected reply: %+v", rep)
	}
}
