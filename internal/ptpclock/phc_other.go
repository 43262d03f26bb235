//go:build !linux

package ptpclock

import "fmt"

type phcHandle struct{}

func openPHC(path string) (*phcHandle, error) {
	return nil, fmt.Errorf("ptpclock: hardware PHC mode only supported on Linux")
}

func (h *phcHandle) Close() error { return nil }

func discoverPHCIndex(iface string) (int, error) {
	return -1, fmt.Errorf("ptpclock: PHC discovery only supported on Linux")
}
