package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// systemd hands over sockets starting at fd 3, after stdin, stdout and stderr
const firstFD = 3

// Listen returns the first systemd-activated listener, or a new TCP listener
// on addr when the process was not socket activated. The boolean reports
// whether the listener came from systemd.
func Listen(addr string) (net.Listener, bool, error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, false, err
	}

	if len(listeners) > 0 {
		for _, extra := range listeners[1:] {
			_ = extra.Close()
		}
		return listeners[0], true, nil
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return listener, false, nil
}

// Listeners returns the sockets passed in by systemd socket activation, or
// nil when LISTEN_PID/LISTEN_FDS do not address this process.
func Listeners() ([]net.Listener, error) {
	count, err := activatedFDs()
	if err != nil || count == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, count)
	for i := 0; i < count; i++ {
		l, err := fileListener(firstFD + i)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return nil, err
		}
		listeners = append(listeners, l)
	}

	// child processes must not inherit the activation
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// activatedFDs returns how many sockets were passed to this process
func activatedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}

func fileListener(fd int) (net.Listener, error) {
	file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", fd-firstFD))
	if file == nil {
		return nil, fmt.Errorf("failed to create file for fd %d", fd)
	}
	defer func() {
		_ = file.Close()
	}()

	listener, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}
	return listener, nil
}
