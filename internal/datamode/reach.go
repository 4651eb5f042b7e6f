package datamode

import (
	"net"
	"strings"
)

// InterfaceReachability implements Reachability by scanning the device's
// up-and-running network interfaces and bucketing them by name convention
// (wwan*/rmnet* cellular, everything else with a usable address wifi/wired).
type InterfaceReachability struct {
	// Interfaces is swappable for tests. Nil means net.Interfaces.
	Interfaces func() ([]net.Interface, error)
}

func (r *InterfaceReachability) IsReachableVia(pref Preference) bool {
	list := net.Interfaces
	if r != nil && r.Interfaces != nil {
		list = r.Interfaces
	}
	ifaces, err := list()
	if err != nil {
		return false
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isCellularName(ifc.Name) {
			if pref.IncludesCellular() {
				return true
			}
			continue
		}
		if pref.IncludesWifi() {
			return true
		}
	}
	return false
}

// ClassifyInterface buckets a network interface into an Adapter by flags and
// name convention. Anything up and unrecognized counts as wifi rather than
// unknown: the common case on desktop hardware.
func ClassifyInterface(ifc net.Interface) Adapter {
	if ifc.Flags&net.FlagLoopback != 0 {
		return AdapterLoopback
	}
	n := strings.ToLower(ifc.Name)
	switch {
	case isCellularName(n):
		return AdapterCellular
	case strings.HasPrefix(n, "tun") || strings.HasPrefix(n, "tap") || strings.HasPrefix(n, "wg"):
		return AdapterVPN
	case strings.HasPrefix(n, "eth") || strings.HasPrefix(n, "en"):
		return AdapterEthernet
	case strings.HasPrefix(n, "wl"):
		return AdapterWifi
	}
	return AdapterWifi
}

func isCellularName(name string) bool {
	n := strings.ToLower(name)
	for _, prefix := range []string{"wwan", "rmnet", "pdp_ip", "ccmni"} {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}
