package fingerprint

import (
	"regexp"
	"sort"
	"strings"

	"github.com/opsforge/fleetcap/internal/templates"
	"github.com/opsforge/fleetcap/internal/vendors"
)

// StackMember is one unit of a stacked switch, position-ordered.
type StackMember struct {
	Position int
	Serial   string
	Model    string
}

// ComponentKind classifies a hardware component from inventory output.
type ComponentKind string

const (
	KindChassis     ComponentKind = "chassis"
	KindModule      ComponentKind = "module"
	KindSupervisor  ComponentKind = "supervisor"
	KindPSU         ComponentKind = "psu"
	KindFan         ComponentKind = "fan"
	KindTransceiver ComponentKind = "transceiver"
	KindUnknown     ComponentKind = "unknown"
)

// Component is one hardware part extracted from inventory records.
type Component struct {
	Name        string
	Description string
	PID         string
	VID         string
	Serial      string
	Kind        ComponentKind
	Confidence  float64
}

// Device is the normalized record the fingerprint pipeline produces for one
// network device.
type Device struct {
	Hostname     string
	Host         string
	Vendor       string
	Platform     vendors.Platform
	Model        string
	Version      string
	Serials      []string
	StackMembers []StackMember
	Components   []Component
}

var dottedVersion = regexp.MustCompile(`\d+\.\d+`)

// DeriveDevice folds parse results from the fingerprint captures into one
// normalized device record. prompt and host fill the gaps the templates leave.
func DeriveDevice(results []*ParseResult, prompt, host string) *Device {
	d := &Device{Host: host, Platform: vendors.Generic}

	for _, res := range results {
		if res == nil || !res.Matched {
			continue
		}
		if d.Platform == vendors.Generic && res.Platform != vendors.Generic {
			d.Platform = res.Platform
		}
		for _, r := range res.Records {
			d.absorbRecord(r)
		}
		if isInventoryTemplate(res.TemplateID) {
			d.Components = append(d.Components, deriveComponents(res.Records)...)
		}
	}

	d.Vendor = vendors.Vendor(d.Platform)
	if d.Hostname == "" {
		d.Hostname = hostnameFromPrompt(prompt)
	}
	if d.Hostname == "" {
		d.Hostname = host
	}
	if len(d.StackMembers) == 0 {
		d.StackMembers = synthesizeStack(d.Serials, splitList(d.Model))
	}
	return d
}

func (d *Device) absorbRecord(r templates.Record) {
	if d.Hostname == "" {
		d.Hostname = firstValue(r, "HOSTNAME", "HOST_NAME", "DEVICE_NAME")
	}
	if model := firstValue(r, "MODEL", "HARDWARE", "PID"); model != "" && !isInventoryField(r) {
		d.Model = joinUnique(d.Model, model)
	}
	if v := firstValue(r, "VERSION", "OS_VERSION", "SOFTWARE"); v != "" {
		d.Version = preferVersion(d.Version, v)
	}
	for _, serial := range splitList(firstValue(r, "SERIAL", "SERIAL_NUMBER")) {
		d.Serials = appendUnique(d.Serials, serial)
	}
	if pos := firstValue(r, "STACK_POSITION", "SWITCH_NUMBER"); pos != "" {
		d.StackMembers = append(d.StackMembers, StackMember{
			Position: atoiDefault(pos, len(d.StackMembers)+1),
			Serial:   firstValue(r, "SERIAL", "SERIAL_NUMBER"),
			Model:    firstValue(r, "MODEL", "HARDWARE", "PID"),
		})
	}
}

// preferVersion keeps the existing version unless the candidate looks like a
// dotted numeric release string and the current one does not.
func preferVersion(current, candidate string) string {
	if current == "" {
		return candidate
	}
	if !dottedVersion.MatchString(current) && dottedVersion.MatchString(candidate) {
		return candidate
	}
	return current
}

// hostnameFromPrompt strips the trailing prompt sigil, e.g. "core-sw1#" to
// "core-sw1".
func hostnameFromPrompt(prompt string) string {
	return strings.TrimRight(strings.TrimSpace(prompt), "#>$%: ")
}

// synthesizeStack pairs serial and model lists by position when the templates
// produced no explicit stack rows. A single serial is not a stack.
func synthesizeStack(serials, models []string) []StackMember {
	if len(serials) < 2 {
		return nil
	}
	members := make([]StackMember, 0, len(serials))
	for i, serial := range serials {
		m := StackMember{Position: i + 1, Serial: serial}
		if i < len(models) {
			m.Model = models[i]
		} else if len(models) > 0 {
			m.Model = models[len(models)-1]
		}
		members = append(members, m)
	}
	return members
}

func isInventoryTemplate(id string) bool {
	return strings.Contains(id, "inventory")
}

func isInventoryField(r templates.Record) bool {
	return r["NAME"] != "" || r["DESCR"] != ""
}

func deriveComponents(records []templates.Record) []Component {
	var out []Component
	for _, r := range records {
		c := Component{
			Name:        firstValue(r, "NAME"),
			Description: firstValue(r, "DESCR", "DESCRIPTION"),
			PID:         firstValue(r, "PID"),
			VID:         firstValue(r, "VID"),
			Serial:      firstValue(r, "SN", "SERIAL"),
		}
		if c.Name == "" && c.PID == "" {
			continue
		}
		c.Kind, c.Confidence = classifyComponent(c)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var componentKinds = []struct {
	kind     ComponentKind
	keywords []string
}{
	{KindSupervisor, []string{"supervisor", "sup-"}},
	{KindTransceiver, []string{"transceiver", "sfp", "gbic", "xfp", "qsfp"}},
	{KindPSU, []string{"power supply", "pwr-", "psu", "power-supply"}},
	{KindFan, []string{"fan"}},
	{KindChassis, []string{"chassis", "stack", "switch system"}},
	{KindModule, []string{"module", "linecard", "line card", "slot", "daughterboard", "uplink"}},
}

// classifyComponent maps name/description/PID text to a component kind. PID
// matches are more trustworthy than free-text description matches.
func classifyComponent(c Component) (ComponentKind, float64) {
	pid := strings.ToLower(c.PID)
	text := strings.ToLower(c.Name + " " + c.Description)
	for _, k := range componentKinds {
		for _, kw := range k.keywords {
			if pid != "" && strings.Contains(pid, kw) {
				return k.kind, 0.9
			}
			if strings.Contains(text, kw) {
				return k.kind, 0.7
			}
		}
	}
	// A bare numeric name like "1" on Cisco stacks means a chassis unit.
	if isNumeric(c.Name) {
		return KindChassis, 0.5
	}
	return KindUnknown, 0.3
}

func firstValue(r templates.Record, keys ...string) string {
	for _, k := range keys {
		if v := r[k]; v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinUnique(existing, value string) string {
	for _, part := range splitList(existing) {
		if part == value {
			return existing
		}
	}
	if existing == "" {
		return value
	}
	return existing + ", " + value
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

func atoiDefault(s string, def int) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return def
	}
	return n
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
