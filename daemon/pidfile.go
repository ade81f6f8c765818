package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// DefaultPidFilePath is where the running daemon records its process id.
var DefaultPidFilePath = "/var/run/gandalf.pid"

// WritePidFile records the current process id as ASCII in the pid file,
// create-or-truncate with mode 0666.
func WritePidFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o666)
	if err != nil {
		return fmt.Errorf("could not open pid file '%s': %w", path, err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	return err
}

// ReadPidFile returns the process id recorded in the pid file.
func ReadPidFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil {
		return 0, fmt.Errorf("pid file '%s' does not contain a process id: %w", path, err)
	}
	return pid, nil
}

// RemovePidFile deletes the pid file, best effort.
func RemovePidFile(path string) {
	os.Remove(path)
}

// ProcessAlive reports whether a process with the given pid exists. Signal 0
// probes without delivering anything, EPERM still proves the process exists.
func ProcessAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
