package inventory

import (
	"fmt"
	"os"
	"sort"
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"gopkg.in/yaml.v3"
)

// Device is one SSH target from the inventory document.
type Device struct {
	Name         string
	Host         string
	Port         int
	Site         string
	Vendor       string
	DeviceType   string
	CredentialID string
}

// document mirrors the inventory YAML layout. Unknown fields are ignored by
// the YAML decoder, so operator tooling can carry extra keys.
type document struct {
	Groups []struct {
		FolderName string    `yaml:"folder_name"`
		Sessions   []session `yaml:"sessions"`
	} `yaml:"groups"`
}

type session struct {
	DisplayName  string `yaml:"display_name"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Vendor       string `yaml:"vendor"`
	DeviceType   string `yaml:"device_type"`
	CredentialID string `yaml:"credential_id"`
}

// Load parses an inventory file into a flat device list. Sessions without a
// host are skipped; the folder name becomes the device site.
func Load(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", path, err)
	}

	var devices []Device
	for _, g := range doc.Groups {
		for _, s := range g.Sessions {
			if s.Host == "" {
				continue
			}
			port := s.Port
			if port == 0 {
				port = 22
			}
			name := s.DisplayName
			if name == "" {
				name = s.Host
			}
			devices = append(devices, Device{
				Name:         name,
				Host:         s.Host,
				Port:         port,
				Site:         g.FolderName,
				Vendor:       s.Vendor,
				DeviceType:   s.DeviceType,
				CredentialID: s.CredentialID,
			})
		}
	}
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].Site != devices[j].Site {
			return devices[i].Site < devices[j].Site
		}
		return devices[i].Name < devices[j].Name
	})
	return devices, nil
}

// Filter selects devices by glob patterns. Empty patterns match everything.
type Filter struct {
	Site   string
	Vendor string
	Name   string
}

// Apply returns the devices matching every configured pattern, preserving
// order. Matching is case-insensitive.
func (f Filter) Apply(devices []Device) []Device {
	var out []Device
	for _, d := range devices {
		if !matches(f.Site, d.Site) {
			continue
		}
		if !matches(f.Vendor, d.Vendor) {
			continue
		}
		if !matches(f.Name, d.Name) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func matches(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	return wildcard.Match(strings.ToLower(pattern), strings.ToLower(value))
}
