package inventory

import (
	"os"
	"path/filepath"

	"github.com/opsforge/fleetcap/internal/fingerprint"
)

// Selection narrows a batch to devices with or without an existing
// fingerprint artifact.
type Selection string

const (
	SelectAll             Selection = "all"
	SelectFingerprinted   Selection = "fingerprinted"
	SelectUnfingerprinted Selection = "unfingerprinted"
)

// BySelection filters devices against the fingerprint artifact directory.
// SelectFingerprinted keeps only devices whose artifact already exists,
// SelectUnfingerprinted keeps the rest.
func BySelection(devices []Device, fingerprintRoot string, sel Selection) []Device {
	if sel == SelectAll || sel == "" {
		return devices
	}
	var out []Device
	for _, d := range devices {
		if hasArtifact(fingerprintRoot, d) == (sel == SelectFingerprinted) {
			out = append(out, d)
		}
	}
	return out
}

func hasArtifact(root string, d Device) bool {
	for _, stem := range []string{fingerprint.NormalizeName(d.Name), fingerprint.NormalizeName(d.Host)} {
		if stem == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, stem+".json")); err == nil {
			return true
		}
	}
	return false
}
