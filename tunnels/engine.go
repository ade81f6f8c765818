package tunnels

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/danielpaulus/gandalf/usbmux"
)

// discoveryWindow is how long the engine collects the initial burst of Attached
// messages usbmuxd replays after Listen, so all ports are bound in a single batch.
const discoveryWindow = 1 * time.Second

// ErrMuxUnreachable is wrapped around dial failures on the usbmuxd socket.
var ErrMuxUnreachable = errors.New("could not reach usbmuxd")

// Config carries everything the engine needs at construction time.
type Config struct {
	// MappingsPath is the tunnel mappings file, required.
	MappingsPath string
	// SocketAddress is the usbmuxd socket, empty means the platform default.
	SocketAddress string
	// IdleTimeout closes tunnels that move no bytes for this long, zero disables it.
	IdleTimeout time.Duration
}

// portListener is one bound local TCP port relaying to one device port.
type portListener struct {
	listener   net.Listener
	udid       string
	deviceID   int
	localPort  int
	devicePort int
	closed     atomic.Bool
}

func (pl *portListener) close() {
	pl.closed.Store(true)
	pl.listener.Close()
}

// Engine owns the device registry and the listener set and keeps them consistent
// under concurrent attach and detach events. All mutations go through mu, the
// mapping index is swapped as a whole under the same lock on reload.
type Engine struct {
	mappingsPath  string
	socketAddress string
	idleTimeout   time.Duration

	mu           sync.Mutex
	mapping      map[string]TunnelRule
	registry     map[int]string
	listeners    map[int][]*portListener
	subscription *usbmux.UsbMuxConnection

	stopping       atomic.Bool
	fatal          chan error
	startTime      time.Time
	tunnelsCreated atomic.Int64
	tunnelTimeouts atomic.Int64
	lazyExceptions atomic.Int64
}

// NewEngine creates an engine, it does not touch the network until Start.
func NewEngine(config Config) *Engine {
	socketAddress := config.SocketAddress
	if socketAddress == "" {
		socketAddress = usbmux.GetUsbmuxdSocket()
	}
	return &Engine{
		mappingsPath:  config.MappingsPath,
		socketAddress: socketAddress,
		idleTimeout:   config.IdleTimeout,
		mapping:       map[string]TunnelRule{},
		registry:      map[int]string{},
		listeners:     map[int][]*portListener{},
		fatal:         make(chan error, 1),
	}
}

// Fatal delivers at most one engine wide error, for example a lost usbmuxd
// subscription after a successful start.
func (e *Engine) Fatal() <-chan error {
	return e.fatal
}

// Start loads the mappings file, subscribes to usbmuxd device events, collects the
// initial Attached burst for the discovery window and then binds all listeners in
// one batch. It returns after the listeners are up, the ongoing event stream keeps
// being consumed in the background.
func (e *Engine) Start() error {
	mapping, err := LoadMappings(e.mappingsPath)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.mapping = mapping
	e.startTime = time.Now()
	e.mu.Unlock()

	muxConn, err := usbmux.NewUsbMuxConnectionToSocket(e.socketAddress)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMuxUnreachable, err)
	}
	pull, err := muxConn.Listen()
	if err != nil {
		muxConn.Close()
		return fmt.Errorf("%w: %v", ErrMuxUnreachable, err)
	}
	e.mu.Lock()
	e.subscription = muxConn
	e.mu.Unlock()

	events := make(chan usbmux.AttachedMessage)
	go func() {
		for {
			event, err := pull()
			if err != nil {
				if !e.stopping.Load() {
					select {
					case e.fatal <- fmt.Errorf("usbmuxd subscription lost: %w", err):
					default:
					}
				}
				close(events)
				return
			}
			events <- event
		}
	}()

	e.discoverDevices(events)
	e.bindAll()
	go e.eventLoop(events)
	return nil
}

// discoverDevices drains Attached/Detached messages into the registry until the
// discovery window expires. No listeners are bound yet.
func (e *Engine) discoverDevices(events <-chan usbmux.AttachedMessage) {
	window := time.NewTimer(discoveryWindow)
	defer window.Stop()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			e.mu.Lock()
			switch {
			case event.DeviceAttached():
				e.registry[event.DeviceID] = event.Properties.SerialNumber
			case event.DeviceDetached():
				delete(e.registry, event.DeviceID)
			}
			e.mu.Unlock()
		case <-window.C:
			return
		}
	}
}

// bindAll joins the device registry with the mapping and binds listeners for
// every matching device in one batch.
func (e *Engine) bindAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for deviceID, udid := range e.registry {
		rule, mapped := e.mapping[udid]
		if !mapped {
			continue
		}
		if _, bound := e.listeners[deviceID]; bound {
			continue
		}
		e.listeners[deviceID] = e.bindListeners(deviceID, rule)
	}
}

func (e *Engine) eventLoop(events <-chan usbmux.AttachedMessage) {
	for event := range events {
		switch {
		case event.DeviceAttached():
			e.handleAttached(event)
		case event.DeviceDetached():
			e.handleDetached(event.DeviceID)
		default:
			log.Debugf("ignoring usbmuxd message of type '%s'", event.MessageType)
		}
	}
}

func (e *Engine) handleAttached(event usbmux.AttachedMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, known := e.registry[event.DeviceID]; known {
		// duplicate attach, treat as refresh
		return
	}
	udid := event.Properties.SerialNumber
	e.registry[event.DeviceID] = udid
	log.WithFields(log.Fields{"deviceID": event.DeviceID, "udid": udid}).Info("device attached")
	rule, mapped := e.mapping[udid]
	if !mapped {
		return
	}
	e.listeners[event.DeviceID] = e.bindListeners(event.DeviceID, rule)
}

func (e *Engine) handleDetached(deviceID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	log.WithFields(log.Fields{"deviceID": deviceID}).Info("device detached")
	for _, pl := range e.listeners[deviceID] {
		pl.close()
		activeListenersGauge.Dec()
	}
	delete(e.listeners, deviceID)
	delete(e.registry, deviceID)
}

// bindListeners binds one local TCP listener per forwarding rule. Callers hold mu.
// A port that cannot be bound is logged and skipped, the remaining rules still bind.
func (e *Engine) bindListeners(deviceID int, rule TunnelRule) []*portListener {
	bound := make([]*portListener, 0, len(rule.Forwarding))
	for _, fw := range rule.Forwarding {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", fw.LocalPort))
		if err != nil {
			log.WithFields(log.Fields{"localPort": fw.LocalPort, "udid": rule.Udid, "err": err}).
				Error("could not bind local port")
			continue
		}
		pl := &portListener{
			listener:   l,
			udid:       rule.Udid,
			deviceID:   deviceID,
			localPort:  fw.LocalPort,
			devicePort: fw.DevicePort,
		}
		bound = append(bound, pl)
		activeListenersGauge.Inc()
		log.WithFields(log.Fields{"localPort": fw.LocalPort, "devicePort": fw.DevicePort, "udid": rule.Udid}).
			Info("forwarding local port to device")
		go e.acceptLoop(pl)
	}
	return bound
}

func (e *Engine) acceptLoop(pl *portListener) {
	for {
		clientConn, err := pl.listener.Accept()
		if err != nil {
			if !pl.closed.Load() {
				log.Errorf("error accepting new connection %v", err)
			}
			return
		}
		go e.handleConnection(pl, clientConn)
	}
}

// handleConnection opens the per tunnel mux connection and runs the byte pump.
// Connect failures close the client and leave the listener alive for future accepts.
func (e *Engine) handleConnection(pl *portListener, clientConn net.Conn) {
	fields := log.Fields{
		"tunnel":     uuid.New().String(),
		"localPort":  pl.localPort,
		"devicePort": pl.devicePort,
		"udid":       pl.udid,
	}
	deviceConn, err := usbmux.ConnectToDevice(e.socketAddress, pl.deviceID, uint16(pl.devicePort))
	if err != nil {
		if errors.Is(err, usbmux.ErrDeviceNotConnected) || errors.Is(err, usbmux.ErrPortNotAvailable) {
			log.WithFields(fields).WithField("err", err).Info("could not connect to device port")
		} else {
			log.WithFields(fields).WithField("err", err).Error("usbmuxd connect failed")
		}
		clientConn.Close()
		return
	}
	e.tunnelsCreated.Add(1)
	tunnelsCreatedCounter.Inc()
	log.WithFields(fields).Info("tunnel created")

	result := pump(clientConn, deviceConn.Conn(), e.idleTimeout)
	switch result.cause {
	case pumpClosed:
		log.WithFields(fields).Debug("tunnel closed")
	case pumpIdleTimeout:
		e.tunnelTimeouts.Add(1)
		tunnelTimeoutsCounter.Inc()
		log.WithFields(fields).Info("tunnel closed after idle timeout")
	case pumpPeerReset:
		log.WithFields(fields).WithField("err", result.err).Info("client closed tunnel with error")
	default:
		log.WithFields(fields).WithField("err", result.err).Error("tunnel failed")
	}
}

// Restart reloads the mappings file and rebuilds all listeners from the current
// device registry. When the reload fails the previous mapping and listener set
// stay in place.
func (e *Engine) Restart() error {
	mapping, err := LoadMappings(e.mappingsPath)
	if err != nil {
		log.WithField("err", err).Error("reload failed, keeping current mapping")
		return err
	}
	e.mu.Lock()
	for _, pls := range e.listeners {
		for _, pl := range pls {
			pl.close()
			activeListenersGauge.Dec()
		}
	}
	e.listeners = map[int][]*portListener{}
	e.mapping = mapping
	e.mu.Unlock()
	e.bindAll()
	log.Info("mappings reloaded")
	return nil
}

// Stop closes the usbmuxd subscription and runs the complete shutdown. Tunnels that
// are mid pump are not forcibly terminated, they end when either peer closes.
func (e *Engine) Stop() {
	e.stopping.Store(true)
	e.mu.Lock()
	subscription := e.subscription
	e.subscription = nil
	e.mu.Unlock()
	if subscription != nil {
		subscription.Close()
	}
	e.CompleteShutdown()
}

// CompleteShutdown closes every listener and clears the listener set.
func (e *Engine) CompleteShutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pls := range e.listeners {
		for _, pl := range pls {
			pl.close()
			activeListenersGauge.Dec()
		}
	}
	e.listeners = map[int][]*portListener{}
}

// MappingsFile returns the absolute path of the mappings file.
func (e *Engine) MappingsFile() string {
	abs, err := filepath.Abs(e.mappingsPath)
	if err != nil {
		return e.mappingsPath
	}
	return abs
}

// TunnelsCreated returns how many tunnels reached a successful usbmuxd connect.
func (e *Engine) TunnelsCreated() int64 {
	return e.tunnelsCreated.Load()
}

// TunnelTimeouts returns how many tunnels were closed by the idle timeout.
func (e *Engine) TunnelTimeouts() int64 {
	return e.tunnelTimeouts.Load()
}
