package usbmux_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpaulus/gandalf/usbmux"
)

func TestAttachedMessage(t *testing.T) {
	testCases := map[string]struct {
		message  usbmux.AttachedMessage
		attached bool
		detached bool
	}{
		"attached": {usbmux.AttachedMessage{MessageType: "Attached", DeviceID: 7}, true, false},
		"detached": {usbmux.AttachedMessage{MessageType: "Detached", DeviceID: 7}, false, true},
		"paired":   {usbmux.AttachedMessage{MessageType: "Paired", DeviceID: 7}, false, false},
	}

	for name, tc := range testCases {
		assert.Equal(t, tc.attached, tc.message.DeviceAttached(), name)
		assert.Equal(t, tc.detached, tc.message.DeviceDetached(), name)
	}
}

func TestListenSubscription(t *testing.T) {
	address := startFakeUsbmuxd(t, func(muxConn *usbmux.UsbMuxConnection, raw net.Conn) {
		msg, err := muxConn.ReadMessage()
		require.NoError(t, err)
		parsed, err := usbmux.ParsePlist(msg.Payload)
		require.NoError(t, err)
		require.Equal(t, "Listen", parsed["MessageType"])
		sendResult(t, muxConn, usbmux.ResultOK)

		require.NoError(t, muxConn.Send(usbmux.AttachedMessage{
			MessageType: "Attached",
			DeviceID:    7,
			Properties: usbmux.DeviceProperties{
				SerialNumber:    "AAA",
				ConnectionType:  "USB",
				ConnectionSpeed: 480000000,
				DeviceID:        7,
			},
		}))
		require.NoError(t, muxConn.Send(usbmux.AttachedMessage{MessageType: "Detached", DeviceID: 7}))
	})

	muxConn, err := usbmux.NewUsbMuxConnectionToSocket(address)
	require.NoError(t, err)
	defer muxConn.Close()

	pull, err := muxConn.Listen()
	require.NoError(t, err)

	attached, err := pull()
	require.NoError(t, err)
	assert.True(t, attached.DeviceAttached())
	assert.Equal(t, 7, attached.DeviceID)
	assert.Equal(t, "AAA", attached.Properties.SerialNumber)

	detached, err := pull()
	require.NoError(t, err)
	assert.True(t, detached.DeviceDetached())
	assert.Equal(t, 7, detached.DeviceID)
}

func TestListenFailure(t *testing.T) {
	address := startFakeUsbmuxd(t, func(muxConn *usbmux.UsbMuxConnection, raw net.Conn) {
		_, err := muxConn.ReadMessage()
		require.NoError(t, err)
		sendResult(t, muxConn, usbmux.ResultBadCommand)
	})

	muxConn, err := usbmux.NewUsbMuxConnectionToSocket(address)
	require.NoError(t, err)
	defer muxConn.Close()

	_, err = muxConn.Listen()
	assert.Error(t, err)
}

func TestConnectRefusedOnMissingSocket(t *testing.T) {
	_, err := usbmux.NewUsbMuxConnectionToSocket("unix:///tmp/gandalf-test-does-not-exist.socket")
	assert.Error(t, err)
}
