package testhelper

import (
	"sync"
	"testing"

	"github.com/phayes/freeport"
)

var (
	usedPorts   = make(map[int]struct{})
	usedPortsMu sync.Mutex
)

// GetFreePort returns a free port which hasn't been handed out before by this process
func GetFreePort() (int, error) {
	usedPortsMu.Lock()
	defer usedPortsMu.Unlock()
	for {
		port, err := freeport.GetFreePort()
		if err != nil {
			return 0, err
		}
		if _, used := usedPorts[port]; used {
			continue
		}
		usedPorts[port] = struct{}{}
		return port, nil
	}
}

func MustFreePort(t testing.TB) int {
	t.Helper()
	port, err := GetFreePort()
	if err != nil {
		t.Fatalf("could not get a free port: %v", err)
	}
	return port
}
