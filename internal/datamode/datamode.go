// Package datamode decides whether an active call should run in low-data
// mode, based on the local network route and the user's "use high data on"
// preference. The decision is pure; only the ambiguous-adapter fallback
// consults live interface state through the Reachability seam.
package datamode

import "fmt"

// Adapter is the kind of network interface carrying the call's media.
type Adapter int

const (
	AdapterUnknown Adapter = iota
	AdapterCellular
	AdapterWifi
	AdapterEthernet
	AdapterLoopback
	AdapterVPN
	AdapterAnyAddress
)

func (a Adapter) String() string {
	switch a {
	case AdapterUnknown:
		return "unknown"
	case AdapterCellular:
		return "cellular"
	case AdapterWifi:
		return "wifi"
	case AdapterEthernet:
		return "ethernet"
	case AdapterLoopback:
		return "loopback"
	case AdapterVPN:
		return "vpn"
	case AdapterAnyAddress:
		return "any"
	default:
		return fmt.Sprintf("adapter(%d)", int(a))
	}
}

// Route describes the network path the media engine reports for a call.
type Route struct {
	LocalAdapter Adapter
}

// Preference is the persisted "high-data network interfaces" setting.
type Preference int

const (
	PreferenceNone Preference = iota
	PreferenceWifiOnly
	PreferenceCellularOnly
	PreferenceWifiAndCellular
)

func (p Preference) String() string {
	switch p {
	case PreferenceNone:
		return "none"
	case PreferenceWifiOnly:
		return "wifi"
	case PreferenceCellularOnly:
		return "cellular"
	case PreferenceWifiAndCellular:
		return "wifiAndCellular"
	default:
		return fmt.Sprintf("preference(%d)", int(p))
	}
}

// ParsePreference maps a config string to a Preference. Unrecognized values
// fall back to wifi-only, the conservative default.
func ParsePreference(s string) Preference {
	switch s {
	case "none":
		return PreferenceNone
	case "wifi":
		return PreferenceWifiOnly
	case "cellular":
		return PreferenceCellularOnly
	case "wifiAndCellular":
		return PreferenceWifiAndCellular
	default:
		return PreferenceWifiOnly
	}
}

// IncludesWifi reports whether the wifi bucket counts as high-data.
func (p Preference) IncludesWifi() bool {
	return p == PreferenceWifiOnly || p == PreferenceWifiAndCellular
}

// IncludesCellular reports whether the cellular bucket counts as high-data.
func (p Preference) IncludesCellular() bool {
	return p == PreferenceCellularOnly || p == PreferenceWifiAndCellular
}

// Reachability answers whether the device currently has connectivity over any
// interface in the preference's high-data set. Used only when the route's
// adapter does not map cleanly into a bucket (vpn, unknown, any-address).
type Reachability interface {
	IsReachableVia(pref Preference) bool
}

// ShouldUseLowData maps (route, preference) to a low-data decision.
//
// Cellular routes fall into the cellular bucket; wifi, ethernet and loopback
// into the wifi bucket. Ambiguous adapters (vpn, unknown, any-address)
// resolve trivially when the preference set is empty or full, and otherwise
// fall back to a reachability check. A nil reach is treated as unreachable,
// so the function is total either way.
func ShouldUseLowData(route Route, pref Preference, reach Reachability) bool {
	switch route.LocalAdapter {
	case AdapterCellular:
		return !pref.IncludesCellular()
	case AdapterWifi, AdapterEthernet, AdapterLoopback:
		return !pref.IncludesWifi()
	}

	// Ambiguous adapter. Empty set: nothing is high-data. Full set:
	// everything is, regardless of what the vpn/unknown route hides.
	switch pref {
	case PreferenceNone:
		return true
	case PreferenceWifiAndCellular:
		return false
	}

	if reach == nil {
		return true
	}
	return !reach.IsReachableVia(pref)
}
