package inventory

import (
	"os"
	"path/filepath"
	"testing"

	fleeterrors "github.com/opsforge/fleetcap/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inventoryYAML = `
groups:
  - folder_name: NYC
    sessions:
      - display_name: NYC-core-1
        host: 10.1.0.1
        vendor: cisco
        device_type: switch
        credential_id: PROD
      - display_name: NYC-edge-1
        host: 10.1.0.2
        port: 2222
        vendor: arista
        credential_id: PROD
      - display_name: orphan-no-host
        vendor: cisco
  - folder_name: LON
    sessions:
      - display_name: LON-fw-1
        host: 10.2.0.1
        vendor: fortinet
        credential_id: FW
        extra_unknown_field: ignored
`

func writeInventory(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(inventoryYAML), 0o644))
	return path
}

func TestLoadInventory(t *testing.T) {
	devices, err := Load(writeInventory(t))
	require.NoError(t, err)
	require.Len(t, devices, 3, "sessions without a host are dropped")

	// Sorted by site then name.
	assert.Equal(t, "LON-fw-1", devices[0].Name)
	assert.Equal(t, "LON", devices[0].Site)
	assert.Equal(t, "NYC-core-1", devices[1].Name)
	assert.Equal(t, 22, devices[1].Port, "default SSH port")
	assert.Equal(t, 2222, devices[2].Port)
	assert.Equal(t, "PROD", devices[2].CredentialID)
}

func TestLoadInventoryMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/inventory.yaml")
	assert.Error(t, err)
}

func TestFilterApply(t *testing.T) {
	devices, err := Load(writeInventory(t))
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"no filter keeps all", Filter{}, []string{"LON-fw-1", "NYC-core-1", "NYC-edge-1"}},
		{"site glob", Filter{Site: "NYC"}, []string{"NYC-core-1", "NYC-edge-1"}},
		{"site glob case-insensitive", Filter{Site: "nyc"}, []string{"NYC-core-1", "NYC-edge-1"}},
		{"vendor glob", Filter{Vendor: "cisco"}, []string{"NYC-core-1"}},
		{"name wildcard", Filter{Name: "*edge*"}, []string{"NYC-edge-1"}},
		{"combined", Filter{Site: "NYC", Vendor: "arista"}, []string{"NYC-edge-1"}},
		{"no match", Filter{Site: "TYO"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var names []string
			for _, d := range tt.filter.Apply(devices) {
				names = append(names, d.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestLoadCredentials(t *testing.T) {
	t.Setenv("CRED_PROD_USER", "netops")
	t.Setenv("CRED_PROD_PASS", "secret")
	t.Setenv("CRED_FW_USER", "fwadmin")
	t.Setenv("CRED_FW_KEY", "/keys/fw.pem")

	creds, err := LoadCredentials("")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, creds.Len(), 2)

	prod, err := creds.Resolve("PROD")
	require.NoError(t, err)
	assert.Equal(t, "netops", prod.User)
	assert.Equal(t, "secret", prod.Password)

	fw, err := creds.Resolve("FW")
	require.NoError(t, err)
	assert.Equal(t, "/keys/fw.pem", fw.KeyPath)
	assert.Empty(t, fw.Password)
}

func TestResolveMissingCredential(t *testing.T) {
	creds, err := LoadCredentials("")
	require.NoError(t, err)

	_, err = creds.Resolve("NO_SUCH_ID")
	assert.ErrorIs(t, err, fleeterrors.ErrCredentialMissing)
}

func TestResolveUnusableCredential(t *testing.T) {
	t.Setenv("CRED_EMPTY_USER", "someone")
	// No password and no key.

	creds, err := LoadCredentials("")
	require.NoError(t, err)

	_, err = creds.Resolve("EMPTY")
	assert.ErrorIs(t, err, fleeterrors.ErrCredentialMissing)
}

func TestLoadCredentialsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.env")
	require.NoError(t, os.WriteFile(path, []byte("CRED_LAB_USER=labuser\nCRED_LAB_PASS=labpass\n"), 0o600))

	creds, err := LoadCredentials(path)
	require.NoError(t, err)

	lab, err := creds.Resolve("LAB")
	require.NoError(t, err)
	assert.Equal(t, "labuser", lab.User)
	assert.Equal(t, "labpass", lab.Password)
}

func TestBySelection(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "nyc-core-1.json"), []byte("{}"), 0o644))

	devices := []Device{
		{Name: "NYC-core-1", Host: "10.1.0.1"},
		{Name: "NYC-edge-1", Host: "10.1.0.2"},
	}

	all := BySelection(devices, root, SelectAll)
	assert.Len(t, all, 2)

	fp := BySelection(devices, root, SelectFingerprinted)
	require.Len(t, fp, 1)
	assert.Equal(t, "NYC-core-1", fp[0].Name)

	unfp := BySelection(devices, root, SelectUnfingerprinted)
	require.Len(t, unfp, 1)
	assert.Equal(t, "NYC-edge-1", unfp[0].Name)
}
