package dns

import (
	"fmt"
	"net"
	"slices"

	"context"

	"github.com/mjl-/adns"
)

// MockResolver is a Resolver for testing. Set records in the fields, mapping
// FQDNs (with trailing dot) to values.
type MockResolver struct {
	A    map[string][]string
	AAAA map[string][]string
	SRV  map[string][]*net.SRV // Keys are _service._proto.name.
	Fail []string              // Requests of the form "type name", e.g. "host ldap.example." that return a servfail.
}

var _ Resolver = MockResolver{}

func (r MockResolver) nxdomain(s string) error {
	return &adns.DNSError{
		Err:        "no record",
		Name:       s,
		Server:     "mock",
		IsNotFound: true,
	}
}

func (r MockResolver) servfail(s string) error {
	return &adns.DNSError{
		Err:         "temp error",
		Name:        s,
		Server:      "mock",
		IsTemporary: true,
	}
}

func (r MockResolver) checkFail(typ, name string) error {
	if slices.Contains(r.Fail, typ+" "+name) {
		return r.servfail(name)
	}
	return nil
}

func (r MockResolver) LookupPort(ctx context.Context, network, service string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return net.LookupPort(network, service)
}

func (r MockResolver) LookupHost(ctx context.Context, host string) ([]string, adns.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, adns.Result{}, err
	}
	if err := r.checkFail("host", host); err != nil {
		return nil, adns.Result{}, err
	}
	var addrs []string
	addrs = append(addrs, r.A[host]...)
	addrs = append(addrs, r.AAAA[host]...)
	if len(addrs) == 0 {
		return nil, adns.Result{}, r.nxdomain(host)
	}
	return addrs, adns.Result{}, nil
}

func (r MockResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, adns.Result{}, err
	}
	if err := r.checkFail("ip", host); err != nil {
		return nil, adns.Result{}, err
	}
	var ips []net.IP
	switch network {
	case "ip", "ip4":
		for _, ip := range r.A[host] {
			ips = append(ips, net.ParseIP(ip))
		}
	}
	switch network {
	case "ip", "ip6":
		for _, ip := range r.AAAA[host] {
			ips = append(ips, net.ParseIP(ip))
		}
	}
	if len(ips) == 0 {
		return nil, adns.Result{}, r.nxdomain(host)
	}
	return ips, adns.Result{}, nil
}

func (r MockResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error) {
	addrs, result, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, result, err
	}
	ips := make([]net.IPAddr, len(addrs))
	for i, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			return nil, result, fmt.Errorf("malformed ip %q", a)
		}
		ips[i] = net.IPAddr{IP: ip}
	}
	return ips, result, nil
}

func (r MockResolver) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, adns.Result, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, adns.Result{}, err
	}
	xname := fmt.Sprintf("_%s._%s.%s", service, proto, name)
	if err := r.checkFail("srv", xname); err != nil {
		return "", nil, adns.Result{}, err
	}
	l, ok := r.SRV[xname]
	if !ok {
		return "", nil, adns.Result{}, r.nxdomain(xname)
	}
	return xname, l, adns.Result{}, nil
}
