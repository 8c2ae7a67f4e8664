package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
)

const (
	// ClientConfigFile holds the registration of the compute client living in a directory
	ClientConfigFile = "compute-client.yaml"
	// KeyringService is the OS keyring service under which private keys are stored
	KeyringService = "compute-client"
)

// ClientIdentity is who this compute client is to the job-queue service
type ClientIdentity struct {
	ID         string
	PrivateKey string
	Name       string
}

type clientConfigFile struct {
	ComputeClientID         string `yaml:"compute_client_id"`
	ComputeClientPrivateKey string `yaml:"compute_client_private_key,omitempty"`
	ComputeClientName       string `yaml:"compute_client_name"`
}

// LoadClientIdentity resolves the identity from the environment, then from the config file in
// dir. A config file without a private key defers to the OS keyring.
func LoadClientIdentity(dir string, getenv func(string) string) (*ClientIdentity, error) {
	if id := getenv(types.EnvComputeClientID); id != "" {
		identity := &ClientIdentity{
			ID:         id,
			PrivateKey: getenv(types.EnvComputeClientPrivateKey),
			Name:       getenv(types.EnvComputeClientName),
		}
		if identity.PrivateKey == "" || identity.Name == "" {
			return nil, fmt.Errorf("If %s is set then %s and %s must also be set",
				types.EnvComputeClientID, types.EnvComputeClientPrivateKey, types.EnvComputeClientName)
		}
		return identity, nil
	}

	path := filepath.Join(dir, ClientConfigFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("This directory is not registered as a compute client and the %s env var is not set. To register, run \"compute-client register\" in this directory.", types.EnvComputeClientID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg clientConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.ComputeClientID == "" {
		return nil, fmt.Errorf("%s has no compute_client_id", path)
	}

	identity := &ClientIdentity{
		ID:         cfg.ComputeClientID,
		PrivateKey: cfg.ComputeClientPrivateKey,
		Name:       cfg.ComputeClientName,
	}
	if identity.PrivateKey == "" {
		key, err := keyring.Get(KeyringService, identity.ID)
		if err != nil {
			return nil, fmt.Errorf("private key for compute client %s is neither in %s nor in the keyring: %w", identity.ID, ClientConfigFile, err)
		}
		identity.PrivateKey = key
	}
	return identity, nil
}

// SaveClientIdentity writes the config file into dir. With useKeyring the private key goes to
// the OS keyring and is left out of the file.
func SaveClientIdentity(dir string, identity ClientIdentity, useKeyring bool) error {
	path := filepath.Join(dir, ClientConfigFile)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("This directory is already registered as a compute client. To re-register, delete the file %s.", path)
	}

	cfg := clientConfigFile{
		ComputeClientID:   identity.ID,
		ComputeClientName: identity.Name,
	}
	if useKeyring {
		if err := keyring.Set(KeyringService, identity.ID, identity.PrivateKey); err != nil {
			return fmt.Errorf("storing private key in keyring: %w", err)
		}
	} else {
		cfg.ComputeClientPrivateKey = identity.PrivateKey
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ParseRegistrationCode splits the "<id>.<key>" code shown after registering in the web app
func ParseRegistrationCode(code string) (string, string, error) {
	parts := strings.Split(strings.TrimSpace(code), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("Invalid code.")
	}
	return parts[0], parts[1], nil
}

// RegistrationURL is the web app page that registers a compute client called name
func RegistrationURL(webAppURL, name string) string {
	return fmt.Sprintf("%s/register_compute_client/%s", strings.TrimRight(webAppURL, "/"), name)
}

// ConfigureURL is the web app page of a registered compute client
func ConfigureURL(webAppURL, id string) string {
	return fmt.Sprintf("%s/compute_client/%s", strings.TrimRight(webAppURL, "/"), id)
}
