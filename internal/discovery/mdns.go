// Package discovery advertises the relay on the local network over mDNS.
package discovery

import (
	"fmt"
	"net"

	"github.com/hashicorp/mdns"
)

// Service is the DNS-SD service type announced for the relay.
const Service = "_hads._tcp"

// Announcer holds a running mDNS responder.
type Announcer struct {
	server *mdns.Server
}

// Announce advertises addr under the given instance name until Shutdown.
// An unspecified host advertises every address of the local hostname.
func Announce(instance string, addr net.Addr) (*Announcer, error) {
	zone, err := newZone(instance, addr, "")
	if err != nil {
		return nil, err
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return nil, fmt.Errorf("discovery: start mdns server: %w", err)
	}
	return &Announcer{server: server}, nil
}

// Shutdown stops answering queries.
func (a *Announcer) Shutdown() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

func newZone(instance string, addr net.Addr, hostName string) (*mdns.MDNSService, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, fmt.Errorf("discovery: parse listen address %q: %w", addr, err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return nil, fmt.Errorf("discovery: parse listen port %q: %w", portStr, err)
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
		ips = []net.IP{ip}
	}

	info := []string{"addr=" + addr.String()}
	zone, err := mdns.NewMDNSService(instance, Service, "", hostName, port, ips, info)
	if err != nil {
		return nil, fmt.Errorf("discovery: create mdns service: %w", err)
	}
	return zone, nil
}
