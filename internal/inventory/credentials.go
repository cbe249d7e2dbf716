package inventory

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	fleeterrors "github.com/opsforge/fleetcap/internal/errors"
	"github.com/opsforge/fleetcap/internal/sshx"
	"github.com/rs/zerolog/log"
)

// Credentials maps credential IDs to authentication material. The set is read
// from the environment once at startup and never re-read, so mid-batch
// environment changes cannot split a run across two credential sets.
type Credentials struct {
	byID map[string]sshx.Credential
}

const (
	credPrefix     = "CRED_"
	credUserSuffix = "_USER"
	credPassSuffix = "_PASS"
	credKeySuffix  = "_KEY"
)

// LoadCredentials snapshots every CRED_<ID>_USER / _PASS / _KEY triple from
// the environment. An optional .env file is merged in first without
// overriding variables already set.
func LoadCredentials(envFile string) (*Credentials, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Warn().Err(err).Msg("Failed to load .env file")
		}
	}

	c := &Credentials{byID: make(map[string]sshx.Credential)}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, credPrefix) || !strings.HasSuffix(name, credUserSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, credPrefix), credUserSuffix)
		if id == "" {
			continue
		}
		c.byID[id] = sshx.Credential{
			User:     value,
			Password: os.Getenv(credPrefix + id + credPassSuffix),
			KeyPath:  os.Getenv(credPrefix + id + credKeySuffix),
		}
	}
	log.Debug().Int("credentials", len(c.byID)).Msg("Loaded credential set")
	return c, nil
}

// Resolve returns the credential for an ID. A missing or unusable entry is
// ErrCredentialMissing.
func (c *Credentials) Resolve(id string) (sshx.Credential, error) {
	cred, ok := c.byID[id]
	if !ok {
		return sshx.Credential{}, fmt.Errorf("%w: id %q", fleeterrors.ErrCredentialMissing, id)
	}
	if cred.User == "" || (cred.Password == "" && cred.KeyPath == "") {
		return sshx.Credential{}, fmt.Errorf("%w: id %q has no usable auth material", fleeterrors.ErrCredentialMissing, id)
	}
	return cred, nil
}

// Len returns the number of loaded credential IDs.
func (c *Credentials) Len() int { return len(c.byID) }
