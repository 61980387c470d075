package discovery

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewZoneUsesListenerAddress(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.20"), Port: 4222}

	zone, err := newZone("relay-1", addr, "relay-host.")
	require.NoError(t, err)

	require.Equal(t, "relay-1", zone.Instance)
	require.Equal(t, Service, zone.Service)
	require.Equal(t, 4222, zone.Port)
	require.Len(t, zone.IPs, 1)
	require.True(t, zone.IPs[0].Equal(net.ParseIP("192.168.1.20")))
	require.Equal(t, []string{"addr=192.168.1.20:4222"}, zone.TXT)
}

func TestNewZoneRejectsBadAddress(t *testing.T) {
	_, err := newZone("relay-1", badAddr("no-port"), "relay-host.")
	require.Error(t, err)
}

type badAddr string

func (a badAddr) Network() string { return "tcp" }
func (a badAddr) String() string  { return string(a) }
