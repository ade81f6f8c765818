package usbmux_test

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danielpaulus/gandalf/usbmux"
)

// startFakeUsbmuxd runs a usbmuxd stand-in on a unix socket in a temp dir and
// invokes handle for every accepted connection. It returns the socket address
// in the scheme notation the client constructors accept.
func startFakeUsbmuxd(t *testing.T, handle func(muxConn *usbmux.UsbMuxConnection, raw net.Conn)) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "usbmuxd.socket")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handle(usbmux.NewUsbMuxConnection(usbmux.NewDeviceConnectionWithConn(conn)), conn)
		}
	}()
	return "unix://" + socketPath
}

func sendResult(t *testing.T, muxConn *usbmux.UsbMuxConnection, code uint32) {
	t.Helper()
	err := muxConn.Send(usbmux.MuxResponse{MessageType: "Result", Number: code})
	require.NoError(t, err)
}
