package usbmux

import (
	"fmt"
)

type connectMessage struct {
	BundleID            string
	ClientVersionString string
	MessageType         string
	ProgName            string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
	DeviceID            uint32
	PortNumber          uint16
}

func newConnectMessage(deviceID int, portNumber uint16) connectMessage {
	data := connectMessage{
		BundleID:            "gandalf.relay",
		ClientVersionString: "gandalf-usbmux-0.0.1",
		MessageType:         "Connect",
		ProgName:            "gandalf",
		LibUSBMuxVersion:    3,
		DeviceID:            uint32(deviceID),
		PortNumber:          portNumber,
	}
	return data
}

// Connect issues a Connect Message to usbmuxd for the given deviceID on the given port.
// The portNumber is the logical device port, the byte swap into network order happens
// here because usbmuxd passes the value through as if it were already big endian.
// On success the underlying connection carries the raw bytes of the device service,
// on failure one of the typed reply errors is returned.
func (muxConn *UsbMuxConnection) Connect(deviceID int, port uint16) error {
	msg := newConnectMessage(deviceID, Ntohs(port))
	err := muxConn.Send(msg)
	if err != nil {
		return err
	}
	resp, err := muxConn.ReadMessage()
	if err != nil {
		return err
	}
	response := MuxResponsefromBytes(resp.Payload)
	if err := response.Err(); err != nil {
		return fmt.Errorf("failed connecting to port %d on device %d: %w", port, deviceID, err)
	}
	return nil
}

// ConnectToDevice opens a fresh usbmuxd connection to socketAddress, issues a Connect for
// deviceID and port and on success returns the DeviceConnection which is now the data path
// to the device port. Subscriptions and connects may not share a socket, so every tunnel
// gets its own connection. On failure the socket is closed before the error is returned.
func ConnectToDevice(socketAddress string, deviceID int, port uint16) (DeviceConnectionInterface, error) {
	muxConn, err := NewUsbMuxConnectionToSocket(socketAddress)
	if err != nil {
		return nil, err
	}
	err = muxConn.Connect(deviceID, port)
	if err != nil {
		muxConn.Close()
		return nil, err
	}
	return muxConn.ReleaseDeviceConnection(), nil
}
