package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindAvailableListenAddressEphemeral(t *testing.T) {
	addr, err := FindAvailableListenAddress("127.0.0.1:0", 0)
	require.NoError(t, err)
	require.Contains(t, addr, "127.0.0.1:")
}

func TestFindAvailableListenAddressRetriesPastOccupiedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	addr, err := FindAvailableListenAddress(net.JoinHostPort(host, portStr), 5)
	require.NoError(t, err)
	require.NotEqual(t, ln.Addr().String(), addr)
}

func TestFindAvailableListenAddressRejectsMissingPort(t *testing.T) {
	_, err := FindAvailableListenAddress("127.0.0.1", 1)
	require.Error(t, err)
}
