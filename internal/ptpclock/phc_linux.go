//go:build linux

package ptpclock

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// phcHandle wraps the open PHC device file descriptor.
type phcHandle struct {
	fd int
}

func openPHC(path string) (*phcHandle, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &phcHandle{fd: fd}, nil
}

func (h *phcHandle) Close() error {
	if h == nil || h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}

// ethtoolTSInfo mirrors struct ethtool_ts_info from <linux/ethtool.h>: a
// fixed-layout ioctl payload. Only the fields Audyn needs are named; the
// rest are kept as padding to preserve the struct's size and offsets.
type ethtoolTSInfo struct {
	cmd            uint32
	soTimestamping uint32
	phcIndex       int32
	txTypes        uint32
	txReserved     [3]uint32
	rxFilters      uint32
	rxReserved     [3]uint32
}

const (
	ethtoolGetTSInfo = 0x00000041
	sizeOfIfreqName  = 16
)

// ifreqEthtool mirrors struct ifreq as used for SIOCETHTOOL: a 16-byte
// interface name followed by a pointer-sized union slot carrying the
// ethtool command payload pointer.
type ifreqEthtool struct {
	name [sizeOfIfreqName]byte
	data unsafe.Pointer
}

// discoverPHCIndex resolves the PHC clock index associated with a network
// interface via SIOCETHTOOL/ETHTOOL_GET_TS_INFO, mirroring
// audyn_ptp_get_phc_index in the original implementation.
func discoverPHCIndex(iface string) (int, error) {
	if iface == "" {
		return -1, fmt.Errorf("ptpclock: empty interface name")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, err
	}
	defer unix.Close(fd)

	info := ethtoolTSInfo{cmd: ethtoolGetTSInfo}

	var req ifreqEthtool
	copy(req.name[:], iface)
	req.data = unsafe.Pointer(&info)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCETHTOOL, uintptr(unsafe.Pointer(&req))); errno != 0 {
		return -1, fmt.Errorf("SIOCETHTOOL failed for %s: %w", iface, errno)
	}

	if info.phcIndex < 0 {
		return -1, fmt.Errorf("no PHC associated with interface %s", iface)
	}

	return int(info.phcIndex), nil
}
