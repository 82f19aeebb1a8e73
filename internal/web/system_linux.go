//go:build linux

package web

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
)

// snapshotDisk reports free space on the filesystem holding path (the
// database lives there when storage is enabled).
func snapshotDisk(path string) *DiskSnapshot {
	dir := path
	if filepath.Ext(path) != "" {
		dir = filepath.Dir(path)
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return &DiskSnapshot{Path: dir, LastError: err.Error()}
	}
	bsize := uint64(st.Bsize)
	return &DiskSnapshot{
		Path:       dir,
		TotalBytes: st.Blocks * bsize,
		FreeBytes:  st.Bfree * bsize,
		AvailBytes: st.Bavail * bsize,
	}
}

func snapshotNetwork() *NetworkSnapshot {
	return &NetworkSnapshot{LocalAddrs: localInterfaceAddrs()}
}

// localInterfaceAddrs lists the IPv4 addresses a ground station can reach
// the vehicle on.
func localInterfaceAddrs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() || ip4.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, iface.Name+": "+ipnet.String())
		}
	}
	sort.Strings(out)
	return out
}

const cpuTempPath = "/sys/class/thermal/thermal_zone0/temp"

var boardModelPaths = []string{
	"/sys/firmware/devicetree/base/model",
	"/proc/device-tree/model",
}

func snapshotBoard() *BoardSnapshot {
	out := &BoardSnapshot{}
	for _, p := range boardModelPaths {
		if b, err := os.ReadFile(p); err == nil {
			out.Model = parseBoardModel(b)
			break
		}
	}
	b, err := os.ReadFile(cpuTempPath)
	if err != nil {
		out.TempErr = fmt.Sprintf("read cpu temp: %v", err)
		return out
	}
	c, err := parseCPUTempC(string(b))
	if err != nil {
		out.TempErr = err.Error()
		return out
	}
	out.CPUTempC = &c
	return out
}
