package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"

	"github.com/danielpaulus/gandalf/daemon"
	"github.com/danielpaulus/gandalf/tunnels"
	"github.com/danielpaulus/gandalf/usbmux"
)

var version = "local-build"

func main() {
	usage := `gandalf relays local TCP ports to services on USB attached devices via usbmuxd.

Usage:
  gandalf run [options]
  gandalf reload [options]
  gandalf shutdown [options]
  gandalf status [options]
  gandalf -h | --help
  gandalf --version

Options:
  --mappings=<file>     Tunnel mappings file. Without it, run only prints device events.
  --status-port=<port>  Serve the status JSON on 127.0.0.1:<port>.
  --timeout=<sec>       Close tunnels after <sec> seconds without traffic [default: 0].
  --socket=<addr>       usbmuxd socket, unix://<path> or tcp://<host:port>.
  --pidfile=<path>      Pid file path [default: /var/run/gandalf.pid].
  --watch               Reload automatically when the mappings file changes.
  -v --verbose          Enable debug logging.
  -h --help             Show this screen.
  --version             Show version.
  `
	arguments, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		log.Fatal(err)
	}
	verbose, _ := arguments.Bool("--verbose")
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("unexpected panic: %v", r)
			os.Exit(daemon.ExitUnhandled)
		}
	}()

	pidFilePath, _ := arguments.String("--pidfile")
	if pidFilePath == "" {
		pidFilePath = daemon.DefaultPidFilePath
	}

	if b, _ := arguments.Bool("reload"); b {
		os.Exit(daemon.SignalRunning(pidFilePath, syscall.SIGUSR1))
	}
	if b, _ := arguments.Bool("shutdown"); b {
		os.Exit(daemon.SignalRunning(pidFilePath, syscall.SIGUSR2))
	}
	if b, _ := arguments.Bool("status"); b {
		statusPort, _ := arguments.Int("--status-port")
		os.Exit(printStatus(statusPort))
	}
	if b, _ := arguments.Bool("run"); b {
		mappings, _ := arguments.String("--mappings")
		statusPort, _ := arguments.Int("--status-port")
		timeoutSeconds, _ := arguments.Int("--timeout")
		socket, _ := arguments.String("--socket")
		watch, _ := arguments.Bool("--watch")
		os.Exit(runDaemon(mappings, socket, statusPort,
			time.Duration(timeoutSeconds)*time.Second, pidFilePath, watch))
	}
}

func runDaemon(mappings string, socket string, statusPort int, timeout time.Duration, pidFilePath string, watch bool) int {
	if !daemon.CheckNotRunning(pidFilePath) {
		log.Errorf("another gandalf is already running, pid file: %s", pidFilePath)
		return daemon.ExitAlreadyRunning
	}
	if err := daemon.WritePidFile(pidFilePath); err != nil {
		log.Error(err)
		return daemon.ExitPidFilePermission
	}

	if mappings == "" {
		defer daemon.RemovePidFile(pidFilePath)
		return runListenOnly(socket)
	}

	engine := tunnels.NewEngine(tunnels.Config{
		MappingsPath:  mappings,
		SocketAddress: socket,
		IdleTimeout:   timeout,
	})
	if err := engine.Start(); err != nil {
		daemon.RemovePidFile(pidFilePath)
		log.Error(err)
		var mappingErr tunnels.MappingFileError
		switch {
		case errors.As(err, &mappingErr):
			return daemon.ExitMappingFileError
		case errors.Is(err, tunnels.ErrMuxUnreachable):
			return daemon.ExitMuxNotRunning
		default:
			return daemon.ExitMuxOSError
		}
	}
	if statusPort > 0 {
		statusServer := tunnels.NewStatusServer(engine, statusPort)
		if err := statusServer.Start(); err != nil {
			log.Error(err)
			engine.Stop()
			daemon.RemovePidFile(pidFilePath)
			return daemon.ExitMuxOSError
		}
		defer statusServer.Stop()
	}
	if watch {
		stopWatching, err := tunnels.WatchMappings(engine)
		if err != nil {
			log.Errorf("could not watch mappings file: %v", err)
		} else {
			defer stopWatching()
		}
	}
	return daemon.Run(engine, pidFilePath)
}

// runListenOnly subscribes to usbmuxd and prints device events until a shutdown signal
// arrives or the subscription ends, both return exit code 0.
func runListenOnly(socket string) int {
	if socket == "" {
		socket = usbmux.GetUsbmuxdSocket()
	}
	muxConn, err := usbmux.NewUsbMuxConnectionToSocket(socket)
	if err != nil {
		log.Error(err)
		return daemon.ExitMuxNotRunning
	}
	pull, err := muxConn.Listen()
	if err != nil {
		log.Error(err)
		muxConn.Close()
		return daemon.ExitMuxNotRunning
	}

	signal.Ignore(syscall.SIGPIPE)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR2, syscall.SIGTERM, os.Interrupt)
	done := make(chan struct{})
	go func() {
		select {
		case <-signals:
			muxConn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		event, err := pull()
		if err != nil {
			return 0
		}
		switch {
		case event.DeviceAttached():
			fmt.Printf("Device %d with serial number: %s connected\n", event.DeviceID, event.Properties.SerialNumber)
		case event.DeviceDetached():
			fmt.Printf("Device %d disconnected\n", event.DeviceID)
		}
	}
}

// printStatus fetches the status JSON from a running daemon and prints it.
func printStatus(statusPort int) int {
	if statusPort <= 0 {
		log.Error("status needs --status-port of the running daemon")
		return daemon.ExitStatusUnreachable
	}
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", statusPort))
	if err != nil {
		log.Errorf("daemon not reachable: %v", err)
		return daemon.ExitStatusUnreachable
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Errorf("could not read status: %v", err)
		return daemon.ExitStatusUnreachable
	}
	fmt.Println(string(body))
	return 0
}
