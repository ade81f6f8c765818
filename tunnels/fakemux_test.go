package tunnels_test

import (
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danielpaulus/gandalf/usbmux"
)

// fakeMux is a usbmuxd stand-in. It answers Listen subscriptions and replays the
// currently attached devices, answers Connect requests against its device table and
// turns successful connects into a byte echo of the requested device port.
type fakeMux struct {
	t          *testing.T
	listener   net.Listener
	socketPath string

	mu          sync.Mutex
	devices     map[int]string
	openPorts   map[int]bool
	subscribers []*usbmux.UsbMuxConnection
}

func startFakeMux(t *testing.T) *fakeMux {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "usbmuxd.socket")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	f := &fakeMux{
		t:          t,
		listener:   listener,
		socketPath: socketPath,
		devices:    map[int]string{},
		openPorts:  map[int]bool{22: true},
	}
	go f.acceptLoop()
	t.Cleanup(func() { listener.Close() })
	return f
}

func (f *fakeMux) address() string {
	return "unix://" + f.socketPath
}

// attach registers the device and pushes an Attached event to all subscribers.
func (f *fakeMux) attach(deviceID int, serial string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[deviceID] = serial
	for _, sub := range f.subscribers {
		_ = sub.Send(usbmux.AttachedMessage{
			MessageType: "Attached",
			DeviceID:    deviceID,
			Properties: usbmux.DeviceProperties{
				SerialNumber:   serial,
				ConnectionType: "USB",
				DeviceID:       deviceID,
			},
		})
	}
}

// detach removes the device and pushes a Detached event to all subscribers.
func (f *fakeMux) detach(deviceID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, deviceID)
	for _, sub := range f.subscribers {
		_ = sub.Send(usbmux.AttachedMessage{MessageType: "Detached", DeviceID: deviceID})
	}
}

func (f *fakeMux) acceptLoop() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeMux) handle(conn net.Conn) {
	muxConn := usbmux.NewUsbMuxConnection(usbmux.NewDeviceConnectionWithConn(conn))
	msg, err := muxConn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	parsed, err := usbmux.ParsePlist(msg.Payload)
	if err != nil {
		conn.Close()
		return
	}
	switch parsed["MessageType"] {
	case "Listen":
		f.mu.Lock()
		_ = muxConn.Send(usbmux.MuxResponse{MessageType: "Result", Number: usbmux.ResultOK})
		for deviceID, serial := range f.devices {
			_ = muxConn.Send(usbmux.AttachedMessage{
				MessageType: "Attached",
				DeviceID:    deviceID,
				Properties:  usbmux.DeviceProperties{SerialNumber: serial, ConnectionType: "USB", DeviceID: deviceID},
			})
		}
		f.subscribers = append(f.subscribers, muxConn)
		f.mu.Unlock()
	case "Connect":
		deviceID := plistInt(parsed["DeviceID"])
		devicePort := usbmux.Ntohs(uint16(plistInt(parsed["PortNumber"])))
		f.mu.Lock()
		_, attached := f.devices[deviceID]
		open := f.openPorts[int(devicePort)]
		f.mu.Unlock()
		switch {
		case !attached:
			_ = muxConn.Send(usbmux.MuxResponse{MessageType: "Result", Number: usbmux.ResultBadDevice})
			conn.Close()
		case !open:
			_ = muxConn.Send(usbmux.MuxResponse{MessageType: "Result", Number: usbmux.ResultConnectionRefused})
			conn.Close()
		default:
			_ = muxConn.Send(usbmux.MuxResponse{MessageType: "Result", Number: usbmux.ResultOK})
			echo(conn)
		}
	default:
		conn.Close()
	}
}

// echo plays the device side service: every byte received is sent back.
func echo(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		_, err = conn.Write(buf[:n])
		if err != nil {
			return
		}
	}
}

func plistInt(value interface{}) int {
	switch v := value.(type) {
	case uint64:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
