package vendors

import "strings"

// Platform identifies a vendor operating system family.
type Platform string

const (
	CiscoIOS     Platform = "cisco_ios"
	CiscoNXOS    Platform = "cisco_nxos"
	CiscoASA     Platform = "cisco_asa"
	AristaEOS    Platform = "arista_eos"
	JuniperJunOS Platform = "juniper_junos"
	HPProCurve   Platform = "hp_procurve"
	FortiOS      Platform = "fortinet"
	PaloAltoOS   Platform = "paloalto_panos"
	Generic      Platform = "generic"
)

// vendorNames maps platforms to display vendor names.
var vendorNames = map[Platform]string{
	CiscoIOS:     "Cisco",
	CiscoNXOS:    "Cisco",
	CiscoASA:     "Cisco",
	AristaEOS:    "Arista",
	JuniperJunOS: "Juniper",
	HPProCurve:   "HP/Aruba",
	FortiOS:      "Fortinet",
	PaloAltoOS:   "PaloAlto",
	Generic:      "Unknown",
}

// prologues maps platforms to the paging-disable preamble issued before the
// real command set.
var prologues = map[Platform][]string{
	CiscoIOS:     {"terminal length 0"},
	CiscoNXOS:    {"terminal length 0"},
	CiscoASA:     {"terminal pager 0"},
	AristaEOS:    {"terminal length 0"},
	JuniperJunOS: {"set cli screen-length 0"},
	HPProCurve:   {"no page"},
	FortiOS:      {"config system console", "set output standard", "end"},
	PaloAltoOS:   {"set cli pager off"},
}

// genericPrologue is tried when the platform is unknown; devices ignore the
// commands they do not recognize.
var genericPrologue = []string{"terminal length 0", "set cli screen-length 0", "no page"}

// Vendor returns the display vendor name for a platform.
func Vendor(p Platform) string {
	if name, ok := vendorNames[p]; ok {
		return name
	}
	return "Unknown"
}

// Prologue returns the paging-disable command sequence for a platform.
func Prologue(p Platform) []string {
	if cmds, ok := prologues[p]; ok {
		return cmds
	}
	return genericPrologue
}

// FromHint normalizes a vendor or driver hint string to a platform.
func FromHint(hint string) Platform {
	h := strings.ToLower(strings.TrimSpace(hint))
	switch {
	case h == "":
		return Generic
	case strings.Contains(h, "nxos") || strings.Contains(h, "nexus"):
		return CiscoNXOS
	case strings.Contains(h, "asa"):
		return CiscoASA
	case strings.Contains(h, "cisco") || strings.Contains(h, "ios"):
		return CiscoIOS
	case strings.Contains(h, "arista") || strings.Contains(h, "eos"):
		return AristaEOS
	case strings.Contains(h, "juniper") || strings.Contains(h, "junos"):
		return JuniperJunOS
	case strings.Contains(h, "procurve") || strings.Contains(h, "aruba") || h == "hp":
		return HPProCurve
	case strings.Contains(h, "forti"):
		return FortiOS
	case strings.Contains(h, "palo") || strings.Contains(h, "panos"):
		return PaloAltoOS
	default:
		return Generic
	}
}

// Identify guesses the platform from banner or version output.
func Identify(output string) Platform {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "nx-os"):
		return CiscoNXOS
	case strings.Contains(lower, "adaptive security appliance"):
		return CiscoASA
	case strings.Contains(lower, "cisco ios"):
		return CiscoIOS
	case strings.Contains(lower, "arista"):
		return AristaEOS
	case strings.Contains(lower, "junos"):
		return JuniperJunOS
	case strings.Contains(lower, "procurve") || strings.Contains(lower, "image stamp"):
		return HPProCurve
	case strings.Contains(lower, "fortigate"):
		return FortiOS
	case strings.Contains(lower, "pan-os"):
		return PaloAltoOS
	default:
		return Generic
	}
}
