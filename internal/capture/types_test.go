package capture

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAndValid(t *testing.T) {
	typ, ok := Parse("version")
	assert.True(t, ok)
	assert.Equal(t, TypeVersion, typ)

	typ, ok = Parse("  BGP-Summary ")
	assert.True(t, ok)
	assert.Equal(t, TypeBGPSummary, typ)

	_, ok = Parse("not-a-type")
	assert.False(t, ok)

	assert.True(t, Valid("configs"))
	assert.False(t, Valid("CONFIGS "))
}

func TestAllTypesAreValid(t *testing.T) {
	assert.Len(t, All, 31)
	for _, typ := range All {
		assert.True(t, Valid(string(typ)), typ)
	}
}

func TestFingerprinted(t *testing.T) {
	assert.True(t, TypeVersion.Fingerprinted())
	assert.True(t, TypeInventory.Fingerprinted())
	assert.False(t, TypeConfigs.Fingerprinted())
	assert.False(t, TypeARP.Fingerprinted())
}

func TestCommandRoundTrip(t *testing.T) {
	for _, typ := range All {
		cmd := typ.Command()
		assert.True(t, strings.HasPrefix(cmd, "show"), cmd)
	}
	assert.Equal(t, "show version", TypeVersion.Command())
	assert.Equal(t, TypeVersion, TypeForCommand("show version"))
	assert.Equal(t, TypeConfigs, TypeForCommand("show running-config"))
	assert.Equal(t, TypeConfigs, TypeForCommand("show something unusual"))
}

func TestSuccessful(t *testing.T) {
	big := strings.Repeat("interface GigabitEthernet1/0/1\n", 10)
	assert.True(t, Successful([]byte(big)))

	assert.False(t, Successful([]byte("tiny")), "too small")
	assert.False(t, Successful([]byte(strings.Repeat("x", 100)+"\n% Invalid command\n")))
	assert.False(t, Successful([]byte("Connection refused by remote host\n"+strings.Repeat("x", 100))))
}
