package fingerprint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Artifact is the on-disk fingerprint record. Field names are part of the
// interchange format; readers ignore fields they do not know.
type Artifact struct {
	Hostname        string            `json:"hostname"`
	Host            string            `json:"host"`
	Model           string            `json:"model"`
	Version         string            `json:"version"`
	SerialNumber    string            `json:"serial_number"`
	CommandOutputs  map[string]string `json:"command_outputs,omitempty"`
	AdditionalInfo  map[string]string `json:"additional_info,omitempty"`
	DetectedPrompt  string            `json:"detected_prompt"`
	Success         bool              `json:"success"`
	FingerprintTime time.Time         `json:"fingerprint_time"`
}

// NewArtifact builds the artifact for a derived device.
func NewArtifact(d *Device, prompt string, outputs map[string]string) *Artifact {
	info := map[string]string{
		"vendor": d.Vendor,
		"driver": string(d.Platform),
	}
	return &Artifact{
		Hostname:        d.Hostname,
		Host:            d.Host,
		Model:           d.Model,
		Version:         d.Version,
		SerialNumber:    strings.Join(d.Serials, ", "),
		CommandOutputs:  outputs,
		AdditionalInfo:  info,
		DetectedPrompt:  prompt,
		Success:         d.Hostname != "" && (d.Model != "" || d.Version != ""),
		FingerprintTime: time.Now().UTC(),
	}
}

// Write persists the artifact under root as <normalized-hostname>.json using
// the tmp-fsync-rename pattern, so readers never observe a partial file.
func (a *Artifact) Write(root string) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create fingerprint root: %w", err)
	}
	name := NormalizeName(a.Hostname)
	if name == "" {
		name = NormalizeName(a.Host)
	}
	path := filepath.Join(root, name+".json")

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode fingerprint: %w", err)
	}

	tmp, err := os.CreateTemp(root, "."+name+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp fingerprint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write fingerprint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync fingerprint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close fingerprint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename fingerprint: %w", err)
	}
	return path, nil
}

// ReadArtifact loads one fingerprint file. Unknown JSON fields are ignored.
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fingerprint %s: %w", path, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode fingerprint %s: %w", path, err)
	}
	return &a, nil
}

// NormalizeName lowercases a device name and replaces filesystem-hostile
// characters so it is safe as a file stem.
func NormalizeName(name string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
