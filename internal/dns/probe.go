package dns

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// Probe checks that a DNS server answers queries.
type Probe struct {
	Addr    string // host:port
	Name    string // query name, "." when empty
	Timeout time.Duration
}

// NewProbe creates a probe for a resolver listening on the local port.
func NewProbe(port int, name string, timeout time.Duration) *Probe {
	return &Probe{
		Addr:    net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Name:    name,
		Timeout: timeout,
	}
}

// Check sends an NS query over UDP. Any well-formed reply counts as an
// answering server, whatever its rcode; upstream failures are the server's
// business, not a sign that it is down.
func (p *Probe) Check(ctx context.Context) error {
	name := p.Name
	if name == "" {
		name = "."
	}

	c := &dns.Client{Net: "udp", Timeout: p.Timeout}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeNS)
	m.RecursionDesired = true

	resp, _, err := c.ExchangeContext(ctx, m, p.Addr)
	if err != nil {
		return fmt.Errorf("dns probe %s: %w", p.Addr, err)
	}
	if resp.Id != m.Id {
		return fmt.Errorf("dns probe %s: mismatched reply id", p.Addr)
	}
	return nil
}
