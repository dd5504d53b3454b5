package dns

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/invizible/moduled/testutil"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, rcode int) int {
	t.Helper()
	port := testutil.FreePort(t)
	pc, err := net.ListenPacket("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)

	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			resp := new(dns.Msg)
			resp.SetRcode(req, rcode)
			_ = w.WriteMsg(resp)
		}),
	}
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	return port
}

func TestProbe_Answering(t *testing.T) {
	port := startServer(t, dns.RcodeSuccess)

	p := NewProbe(port, ".", time.Second)
	assert.NoError(t, p.Check(context.Background()))
}

func TestProbe_ServerFailureStillAnswers(t *testing.T) {
	port := startServer(t, dns.RcodeServerFailure)

	p := NewProbe(port, "", time.Second)
	assert.NoError(t, p.Check(context.Background()))
}

func TestProbe_NoServer(t *testing.T) {
	port := testutil.FreePort(t)

	p := NewProbe(port, "example.com", 200*time.Millisecond)
	assert.Error(t, p.Check(context.Background()))
}
