package fingerprint

import (
	"os"
	"testing"

	"github.com/opsforge/fleetcap/internal/templates"
	"github.com/opsforge/fleetcap/internal/vendors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveDeviceFromVersionRecord(t *testing.T) {
	results := []*ParseResult{{
		TemplateID: "cisco_ios_show_version",
		Platform:   vendors.CiscoIOS,
		Matched:    true,
		Records: []templates.Record{{
			"HOSTNAME": "NYC-core-1",
			"VERSION":  "15.2(7)E3",
			"SERIAL":   "FOC1234X0AB",
			"MODEL":    "WS-C2960X-48TS-L",
		}},
	}}

	d := DeriveDevice(results, "NYC-core-1#", "10.1.1.1")
	assert.Equal(t, "NYC-core-1", d.Hostname)
	assert.Equal(t, "10.1.1.1", d.Host)
	assert.Equal(t, "Cisco", d.Vendor)
	assert.Equal(t, vendors.CiscoIOS, d.Platform)
	assert.Equal(t, "WS-C2960X-48TS-L", d.Model)
	assert.Equal(t, "15.2(7)E3", d.Version)
	assert.Equal(t, []string{"FOC1234X0AB"}, d.Serials)
	assert.Empty(t, d.StackMembers, "single serial is not a stack")
}

func TestDeriveDeviceHostnameFallbacks(t *testing.T) {
	d := DeriveDevice(nil, "edge-sw2# ", "192.0.2.9")
	assert.Equal(t, "edge-sw2", d.Hostname, "prompt minus trailing sigil")

	d = DeriveDevice(nil, "", "192.0.2.9")
	assert.Equal(t, "192.0.2.9", d.Hostname, "host is the last resort")
}

func TestDeriveDeviceSynthesizesStack(t *testing.T) {
	results := []*ParseResult{{
		TemplateID: "cisco_ios_show_version",
		Platform:   vendors.CiscoIOS,
		Matched:    true,
		Records: []templates.Record{{
			"HOSTNAME": "sw-stack",
			"SERIAL":   "FOC0001, FOC0002, FOC0003",
			"MODEL":    "WS-C2960X-48TS-L",
		}},
	}}

	d := DeriveDevice(results, "sw-stack#", "10.0.0.2")
	require.Len(t, d.StackMembers, 3)
	assert.Equal(t, 1, d.StackMembers[0].Position)
	assert.Equal(t, "FOC0001", d.StackMembers[0].Serial)
	assert.Equal(t, 3, d.StackMembers[2].Position)
	assert.Equal(t, "FOC0003", d.StackMembers[2].Serial)
	// Last known model fills the remaining positions.
	assert.Equal(t, "WS-C2960X-48TS-L", d.StackMembers[2].Model)
}

func TestDeriveDeviceComponents(t *testing.T) {
	results := []*ParseResult{{
		TemplateID: "cisco_ios_show_inventory",
		Platform:   vendors.CiscoIOS,
		Matched:    true,
		Records: []templates.Record{
			{"NAME": "1", "DESCR": "WS-C2960X-48TS-L", "PID": "WS-C2960X-48TS-L", "SN": "FOC0001"},
			{"NAME": "Switch 1 - Power Supply", "DESCR": "Power Supply", "PID": "PWR-C2960X-250WAC", "SN": "DCB0001"},
			{"NAME": "GigabitEthernet1/0/49", "DESCR": "1000BaseSX SFP", "PID": "GLC-SX-MMD", "SN": "AGM0001"},
		},
	}}

	d := DeriveDevice(results, "sw1#", "10.0.0.3")
	require.Len(t, d.Components, 3)

	byName := map[string]Component{}
	for _, c := range d.Components {
		byName[c.Name] = c
	}
	assert.Equal(t, KindChassis, byName["1"].Kind)
	assert.Equal(t, KindPSU, byName["Switch 1 - Power Supply"].Kind)
	assert.Equal(t, KindTransceiver, byName["GigabitEthernet1/0/49"].Kind)
	for _, c := range d.Components {
		assert.GreaterOrEqual(t, c.Confidence, 0.0)
		assert.LessOrEqual(t, c.Confidence, 1.0)
	}
}

func TestPreferVersion(t *testing.T) {
	assert.Equal(t, "15.2(7)E3", preferVersion("", "15.2(7)E3"))
	assert.Equal(t, "15.2(7)E3", preferVersion("Denali", "15.2(7)E3"), "dotted numeric wins over codename")
	assert.Equal(t, "15.2(7)E3", preferVersion("15.2(7)E3", "16.9.4"), "first dotted version sticks")
}

func TestClassifyComponentByPID(t *testing.T) {
	kind, conf := classifyComponent(Component{Name: "ignored", PID: "PWR-C1-715WAC"})
	assert.Equal(t, KindPSU, kind)
	assert.Equal(t, 0.9, conf)

	kind, conf = classifyComponent(Component{Name: "something odd", PID: "XYZ-1"})
	assert.Equal(t, KindUnknown, kind)
	assert.Equal(t, 0.3, conf)
}

func TestArtifactRoundTrip(t *testing.T) {
	root := t.TempDir()
	d := &Device{
		Hostname: "NYC-Core-1",
		Host:     "10.1.1.1",
		Vendor:   "Cisco",
		Platform: vendors.CiscoIOS,
		Model:    "WS-C2960X-48TS-L",
		Version:  "15.2(7)E3",
		Serials:  []string{"FOC0001", "FOC0002"},
	}
	a := NewArtifact(d, "NYC-Core-1#", map[string]string{"show version": "raw output"})
	assert.True(t, a.Success)

	path, err := a.Write(root)
	require.NoError(t, err)
	assert.Contains(t, path, "nyc-core-1.json")

	got, err := ReadArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, "NYC-Core-1", got.Hostname)
	assert.Equal(t, "FOC0001, FOC0002", got.SerialNumber)
	assert.Equal(t, "Cisco", got.AdditionalInfo["vendor"])
	assert.Equal(t, "raw output", got.CommandOutputs["show version"])
}

func TestReadArtifactIgnoresUnknownFields(t *testing.T) {
	root := t.TempDir()
	path := root + "/dev.json"
	payload := `{"hostname":"sw1","host":"10.0.0.1","model":"m","version":"1.0",
		"serial_number":"S1","detected_prompt":"sw1#","success":true,
		"future_field":{"nested":true}}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	a, err := ReadArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, "sw1", a.Hostname)
	assert.True(t, a.Success)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "nyc-core-1", NormalizeName("NYC-Core-1"))
	assert.Equal(t, "sw1_lab", NormalizeName("sw1 lab"))
	assert.Equal(t, "10.0.0.1", NormalizeName("10.0.0.1"))
	assert.Equal(t, "", NormalizeName("   "))
}
