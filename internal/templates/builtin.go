package templates

import (
	"regexp"

	"github.com/opsforge/fleetcap/internal/vendors"
)

// Builtin returns the in-code template catalog. It covers the version and
// inventory output of the platforms the fleet actually runs; site-specific
// templates live in the template database and extend this set.
func Builtin() []*Template {
	return []*Template{
		{
			ID:       "arista_eos_show_version",
			Platform: vendors.AristaEOS,
			Command:  "show version",
			Required: "MODEL",
			Rules: []Rule{
				{Pattern: regexp.MustCompile(`^Arista\s+(?P<MODEL>\S+)`)},
				{Pattern: regexp.MustCompile(`^Hardware version:\s+(?P<HW_VERSION>\S+)`)},
				{Pattern: regexp.MustCompile(`^Serial number:\s+(?P<SERIAL>\S+)`)},
				{Pattern: regexp.MustCompile(`^Software image version:\s+(?P<VERSION>\S+)`)},
				{Pattern: regexp.MustCompile(`^Uptime:\s+(?P<UPTIME>.+?)\s*$`)},
			},
		},
		{
			ID:         "cisco_ios_show_version",
			Platform:   vendors.CiscoIOS,
			Command:    "show version",
			Required:   "HOSTNAME",
			ListFields: []string{"SERIAL", "MODEL"},
			Rules: []Rule{
				{Pattern: regexp.MustCompile(`^Cisco IOS.*Software.*Version\s+(?P<VERSION>[^,\s]+)`)},
				{Pattern: regexp.MustCompile(`^(?P<HOSTNAME>\S+)\s+uptime is\s+(?P<UPTIME>.+?)\s*$`)},
				{Pattern: regexp.MustCompile(`^[Ss]ystem [Ss]erial [Nn]umber\s*:\s*(?P<SERIAL>\S+)`)},
				{Pattern: regexp.MustCompile(`^Processor board ID\s+(?P<SERIAL>\S+)`)},
				{Pattern: regexp.MustCompile(`^[Mm]odel [Nn]umber\s*:\s*(?P<MODEL>\S+)`)},
				{Pattern: regexp.MustCompile(`^[Cc]isco\s+(?P<MODEL>\S+)\s+\(.*\)\s+processor`)},
			},
		},
		{
			ID:       "cisco_nxos_show_version",
			Platform: vendors.CiscoNXOS,
			Command:  "show version",
			Required: "HOSTNAME",
			Rules: []Rule{
				{Pattern: regexp.MustCompile(`^\s*(?:NXOS|system):\s+version\s+(?P<VERSION>\S+)`)},
				{Pattern: regexp.MustCompile(`^\s*Device name:\s+(?P<HOSTNAME>\S+)`)},
				{Pattern: regexp.MustCompile(`^\s*cisco\s+(?P<MODEL>Nexus\S*(?:\s+\S+)?)\s+Chassis`)},
				{Pattern: regexp.MustCompile(`^\s*Processor Board ID\s+(?P<SERIAL>\S+)`)},
				{Pattern: regexp.MustCompile(`^Kernel uptime is\s+(?P<UPTIME>.+?)\s*$`)},
			},
		},
		{
			ID:       "cisco_ios_show_inventory",
			Platform: vendors.CiscoIOS,
			Command:  "show inventory",
			Required: "NAME",
			Rules: []Rule{
				{Pattern: regexp.MustCompile(`^NAME:\s+"(?P<NAME>[^"]+)",\s+DESCR:\s+"(?P<DESCR>[^"]*)"`)},
				{Pattern: regexp.MustCompile(`^PID:\s+(?P<PID>\S*)\s*,\s+VID:\s+(?P<VID>\S*)\s*,\s+SN:\s*(?P<SN>\S*)\s*$`), Record: true},
			},
		},
		{
			ID:       "hp_procurve_show_system",
			Platform: vendors.HPProCurve,
			Command:  "show system info",
			Required: "HOSTNAME",
			Rules: []Rule{
				{Pattern: regexp.MustCompile(`^\s*System Name\s+:\s+(?P<HOSTNAME>\S+)`)},
				{Pattern: regexp.MustCompile(`^\s*Software revision\s+:\s+(?P<VERSION>\S+)`)},
				{Pattern: regexp.MustCompile(`^\s*Serial Number\s+:\s+(?P<SERIAL>\S+)`)},
				{Pattern: regexp.MustCompile(`^\s*Up Time\s+:\s+(?P<UPTIME>.+?)\s*$`)},
			},
		},
		{
			ID:       "juniper_junos_show_version",
			Platform: vendors.JuniperJunOS,
			Command:  "show version",
			Required: "HOSTNAME",
			Rules: []Rule{
				{Pattern: regexp.MustCompile(`^Hostname:\s+(?P<HOSTNAME>\S+)`)},
				{Pattern: regexp.MustCompile(`^Model:\s+(?P<MODEL>\S+)`)},
				{Pattern: regexp.MustCompile(`^Junos:\s+(?P<VERSION>\S+)`)},
			},
		},
	}
}
