package capture

import (
	"strings"
)

// Type names a class of captures. The set is fixed at load-configuration
// time; the loader rejects names outside it.
type Type string

const (
	TypeARP             Type = "arp"
	TypeAuthentication  Type = "authentication"
	TypeAuthorization   Type = "authorization"
	TypeBGPNeighbor     Type = "bgp-neighbor"
	TypeBGPSummary      Type = "bgp-summary"
	TypeBGPTable        Type = "bgp-table"
	TypeBGPTableDetail  Type = "bgp-table-detail"
	TypeCDP             Type = "cdp"
	TypeCDPDetail       Type = "cdp-detail"
	TypeConfigs         Type = "configs"
	TypeConsole         Type = "console"
	TypeEIGRPNeighbor   Type = "eigrp-neighbor"
	TypeIntStatus       Type = "int-status"
	TypeInterfaceStatus Type = "interface-status"
	TypeInventory       Type = "inventory"
	TypeIPSSH           Type = "ip_ssh"
	TypeLLDP            Type = "lldp"
	TypeLLDPDetail      Type = "lldp-detail"
	TypeMAC             Type = "mac"
	TypeNTPStatus       Type = "ntp_status"
	TypeOSPFNeighbor    Type = "ospf-neighbor"
	TypePortChannel     Type = "port-channel"
	TypeRadius          Type = "radius"
	TypeRoutes          Type = "routes"
	TypeSNMPServer      Type = "snmp_server"
	TypeSyslog          Type = "syslog"
	TypeTACACS          Type = "tacacs"
	TypeTechSupport     Type = "tech-support"
	TypeUsers           Type = "users"
	TypeVersion         Type = "version"
	TypeVLAN            Type = "vlan"
)

// All lists every capture type in stable order.
var All = []Type{
	TypeARP, TypeAuthentication, TypeAuthorization, TypeBGPNeighbor,
	TypeBGPSummary, TypeBGPTable, TypeBGPTableDetail, TypeCDP, TypeCDPDetail,
	TypeConfigs, TypeConsole, TypeEIGRPNeighbor, TypeIntStatus,
	TypeInterfaceStatus, TypeInventory, TypeIPSSH, TypeLLDP, TypeLLDPDetail,
	TypeMAC, TypeNTPStatus, TypeOSPFNeighbor, TypePortChannel, TypeRadius,
	TypeRoutes, TypeSNMPServer, TypeSyslog, TypeTACACS, TypeTechSupport,
	TypeUsers, TypeVersion, TypeVLAN,
}

var valid = func() map[Type]struct{} {
	m := make(map[Type]struct{}, len(All))
	for _, t := range All {
		m[t] = struct{}{}
	}
	return m
}()

// Valid reports whether name is a known capture type.
func Valid(name string) bool {
	_, ok := valid[Type(name)]
	return ok
}

// Parse returns the capture type for name, or false for unknown names.
func Parse(name string) (Type, bool) {
	t := Type(strings.ToLower(strings.TrimSpace(name)))
	_, ok := valid[t]
	return t, ok
}

// Fingerprinted reports whether the fingerprint engine consumes this type.
func (t Type) Fingerprinted() bool {
	return t == TypeVersion || t == TypeInventory
}

// commands maps capture types to the command most likely used to produce them.
var commands = map[Type]string{
	TypeVersion:         "show version",
	TypeInventory:       "show inventory",
	TypeInterfaceStatus: "show interface status",
	TypeIntStatus:       "show interface status",
	TypeCDP:             "show cdp neighbors",
	TypeCDPDetail:       "show cdp neighbors detail",
	TypeLLDP:            "show lldp neighbors",
	TypeLLDPDetail:      "show lldp neighbors detail",
	TypeARP:             "show arp",
	TypeMAC:             "show mac address-table",
	TypeRoutes:          "show ip route",
	TypeBGPNeighbor:     "show bgp neighbors",
	TypeBGPSummary:      "show bgp summary",
	TypeBGPTable:        "show bgp",
	TypeBGPTableDetail:  "show bgp detail",
	TypeOSPFNeighbor:    "show ospf neighbor",
	TypeEIGRPNeighbor:   "show eigrp neighbors",
	TypeConfigs:         "show running-config",
	TypePortChannel:     "show port-channel summary",
	TypeAuthentication:  "show authentication",
	TypeAuthorization:   "show authorization",
	TypeNTPStatus:       "show ntp status",
	TypeSNMPServer:      "show snmp",
	TypeSyslog:          "show logging",
	TypeTACACS:          "show tacacs",
	TypeRadius:          "show radius",
	TypeConsole:         "show line console",
	TypeIPSSH:           "show ip ssh",
	TypeTechSupport:     "show tech-support",
	TypeUsers:           "show users",
	TypeVLAN:            "show vlan",
}

// Command returns the command conventionally behind a capture type.
func (t Type) Command() string {
	if cmd, ok := commands[t]; ok {
		return cmd
	}
	return "show " + string(t)
}

// TypeForCommand reverses Command: it maps a command line back to the capture
// type it produces, falling back to configs for unknown commands.
func TypeForCommand(command string) Type {
	c := strings.ToLower(strings.TrimSpace(command))
	for t, cmd := range commands {
		if c == cmd {
			return t
		}
	}
	switch {
	case strings.Contains(c, "running-config"), strings.Contains(c, "startup-config"):
		return TypeConfigs
	case strings.Contains(c, "version"):
		return TypeVersion
	case strings.Contains(c, "inventory"):
		return TypeInventory
	default:
		return TypeConfigs
	}
}

// failureMarkers flag captures that recorded an error instead of output.
var failureMarkers = []string{
	"% invalid command",
	"% invalid input",
	"connection refused",
	"connection timed out",
	"authentication failed",
	"% incomplete command",
}

// MinSuccessBytes is the smallest capture considered successful.
const MinSuccessBytes = 64

// Successful classifies capture content: large enough and free of the known
// failure markers.
func Successful(content []byte) bool {
	if len(content) < MinSuccessBytes {
		return false
	}
	lower := strings.ToLower(string(content[:min(len(content), 4096)]))
	for _, marker := range failureMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}
