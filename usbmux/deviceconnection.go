package usbmux

import (
	"fmt"
	"io"
	"net"
)

// DeviceConnectionInterface contains a physical network connection to a usbmuxd socket.
type DeviceConnectionInterface interface {
	Close() error
	Send(message []byte) error
	Reader() io.Reader
	Writer() io.Writer
	Conn() net.Conn
	io.ReadWriteCloser
}

// DeviceConnection wraps the net.Conn to the usbmuxd socket. After a successful
// Connect request the same connection carries the raw bytes of the device service.
type DeviceConnection struct {
	c net.Conn
}

// NewDeviceConnection creates a new DeviceConnection connected to the given socket address.
// Addresses accept the "unix://path" and "tcp://host:port" schemes, bare paths dial unix.
func NewDeviceConnection(socketAddress string) (*DeviceConnection, error) {
	network, address := GetSocketTypeAndAddress(socketAddress)
	c, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not connect to usbmuxd socket '%s', is it running? %w", socketAddress, err)
	}
	return &DeviceConnection{c: c}, nil
}

// NewDeviceConnectionWithConn creates a DeviceConnection with an already connected network conn.
func NewDeviceConnectionWithConn(conn net.Conn) *DeviceConnection {
	return &DeviceConnection{c: conn}
}

// Read reads incoming data from the connection.
func (conn *DeviceConnection) Read(p []byte) (n int, err error) {
	return conn.c.Read(p)
}

// Write writes data on the connection.
func (conn *DeviceConnection) Write(p []byte) (n int, err error) {
	return conn.c.Write(p)
}

// Close closes the network connection.
func (conn *DeviceConnection) Close() error {
	return conn.c.Close()
}

// Send sends a message
func (conn *DeviceConnection) Send(bytes []byte) error {
	n, err := conn.c.Write(bytes)
	if err != nil {
		return fmt.Errorf("failed sending: %w", err)
	}
	if n < len(bytes) {
		return fmt.Errorf("failed writing %d bytes, only %d sent", len(bytes), n)
	}
	return nil
}

// Reader exposes the underlying net.Conn as an io.Reader.
func (conn *DeviceConnection) Reader() io.Reader {
	return conn.c
}

// Writer exposes the underlying net.Conn as an io.Writer.
func (conn *DeviceConnection) Writer() io.Writer {
	return conn.c
}

// Conn returns the underlying net.Conn.
func (conn *DeviceConnection) Conn() net.Conn {
	return conn.c
}
