package usbmux

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// UsbMuxConnection can send and read messages to the usbmuxd process to listen for device
// changes and connect to services on the phone. Messages follow a request-response pattern,
// a tag integer in the message header correlates responses to requests.
type UsbMuxConnection struct {
	// tag will be incremented for every message, so responses can be correlated to requests
	tag        uint32
	deviceConn DeviceConnectionInterface
	// writeLock keeps concurrently sent frames from interleaving on the socket
	writeLock sync.Mutex
}

// NewUsbMuxConnection creates a new UsbMuxConnection from an already initialized DeviceConnectionInterface
func NewUsbMuxConnection(deviceConn DeviceConnectionInterface) *UsbMuxConnection {
	return &UsbMuxConnection{tag: 0, deviceConn: deviceConn}
}

// NewUsbMuxConnectionSimple creates a new UsbMuxConnection with a connection to the
// platform default usbmuxd socket.
func NewUsbMuxConnectionSimple() (*UsbMuxConnection, error) {
	return NewUsbMuxConnectionToSocket(GetUsbmuxdSocket())
}

// NewUsbMuxConnectionToSocket creates a new UsbMuxConnection to the given socket address.
func NewUsbMuxConnectionToSocket(socketAddress string) (*UsbMuxConnection, error) {
	deviceConn, err := NewDeviceConnection(socketAddress)
	if err != nil {
		return nil, err
	}
	return &UsbMuxConnection{tag: 0, deviceConn: deviceConn}, nil
}

// ReleaseDeviceConnection dereferences this UsbMuxConnection from the underlying DeviceConnection
// and it returns the DeviceConnection for later use. This UsbMuxConnection cannot be used after
// calling this.
func (muxConn *UsbMuxConnection) ReleaseDeviceConnection() DeviceConnectionInterface {
	conn := muxConn.deviceConn
	muxConn.deviceConn = nil
	return conn
}

// Close calls close on the underlying DeviceConnection
func (muxConn *UsbMuxConnection) Close() error {
	if muxConn.deviceConn == nil {
		return nil
	}
	return muxConn.deviceConn.Close()
}

// UsbMuxMessage contains header and payload for a message to usbmux
type UsbMuxMessage struct {
	Header  UsbMuxHeader
	Payload []byte
}

// UsbMuxHeader contains the header for plist messages for the usbmux daemon.
// All fields are little endian on the wire, Length includes the 16 header bytes.
type UsbMuxHeader struct {
	Length  uint32
	Version uint32
	Request uint32
	Tag     uint32
}

// Send sends and encodes a Plist using the usbmux Encoder. Increases the connection tag by one.
func (muxConn *UsbMuxConnection) Send(msg interface{}) error {
	if muxConn.deviceConn == nil {
		return io.EOF
	}
	muxConn.writeLock.Lock()
	defer muxConn.writeLock.Unlock()
	muxConn.tag++
	return muxConn.encode(msg, muxConn.deviceConn.Writer())
}

// SendMuxMessage serializes and sends a UsbMuxMessage to the underlying DeviceConnection.
// This does not increase the tag on the connection.
func (muxConn *UsbMuxConnection) SendMuxMessage(msg UsbMuxMessage) error {
	if muxConn.deviceConn == nil {
		return io.EOF
	}
	muxConn.writeLock.Lock()
	defer muxConn.writeLock.Unlock()
	writer := muxConn.deviceConn.Writer()
	err := binary.Write(writer, binary.LittleEndian, msg.Header)
	if err != nil {
		return err
	}
	_, err = writer.Write(msg.Payload)
	return err
}

// ReadMessage blocks until the next muxMessage is available on the underlying DeviceConnection
// and returns it.
func (muxConn *UsbMuxConnection) ReadMessage() (UsbMuxMessage, error) {
	if muxConn.deviceConn == nil {
		return UsbMuxMessage{}, io.EOF
	}
	return DecodeFrame(muxConn.deviceConn.Reader())
}

// encode serializes a message struct to a Plist and writes it framed to the io.Writer.
// A bytes.Buffer collects header and payload so the frame hits the socket in one write.
func (muxConn *UsbMuxConnection) encode(message interface{}, writer io.Writer) error {
	mbytes := ToPlistBytes(message)
	frame := new(bytes.Buffer)
	header := UsbMuxHeader{Length: 16 + uint32(len(mbytes)), Request: 8, Version: 1, Tag: muxConn.tag}
	err := binary.Write(frame, binary.LittleEndian, header)
	if err != nil {
		return err
	}
	_, err = frame.Write(mbytes)
	if err != nil {
		return err
	}
	_, err = writer.Write(frame.Bytes())
	return err
}

// DecodeFrame reads all bytes for the next UsbMuxMessage from r io.Reader and returns it.
// A stream ending mid frame fails with an error naming the short read.
func DecodeFrame(r io.Reader) (UsbMuxMessage, error) {
	var muxHeader UsbMuxHeader
	err := binary.Read(r, binary.LittleEndian, &muxHeader)
	if err != nil {
		return UsbMuxMessage{}, err
	}
	if muxHeader.Length < 16 {
		return UsbMuxMessage{}, fmt.Errorf("invalid usbmux header length %d", muxHeader.Length)
	}
	payloadBytes := make([]byte, muxHeader.Length-16)
	n, err := io.ReadFull(r, payloadBytes)
	if err != nil {
		return UsbMuxMessage{}, fmt.Errorf("error '%s' while reading usbmux package. Only %d bytes received instead of %d", err.Error(), n, muxHeader.Length-16)
	}
	return UsbMuxMessage{muxHeader, payloadBytes}, nil
}
