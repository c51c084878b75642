package storage

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"orca/pkg/models"
)

// StaticCredentials maps credential references to logins held in memory.
type StaticCredentials struct {
	mu    sync.RWMutex
	creds map[string]models.Credential
}

func NewStaticCredentials(creds map[string]models.Credential) *StaticCredentials {
	c := &StaticCredentials{creds: make(map[string]models.Credential, len(creds))}
	for ref, cred := range creds {
		c.creds[ref] = cred
	}
	return c
}

func (s *StaticCredentials) Set(ref string, cred models.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[ref] = cred
}

// Credential looks the system up by CredentialRef, falling back to its ID.
// A username on the system overrides the one stored with the credential.
func (s *StaticCredentials) Credential(_ context.Context, system models.System) (models.Credential, error) {
	ref := system.CredentialRef
	if ref == "" {
		ref = system.ID.String()
	}
	s.mu.RLock()
	cred, ok := s.creds[ref]
	s.mu.RUnlock()
	if !ok {
		return models.Credential{}, fmt.Errorf("credential %q: %w", ref, ErrNotFound)
	}
	if system.Username != "" {
		cred.Username = system.Username
	}
	return cred, nil
}

type credentialFile struct {
	Credentials map[string]struct {
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		PrivateKeyFile string `yaml:"private_key_file"`
	} `yaml:"credentials"`
}

// LoadCredentialsFile reads a YAML file of the form
//
//	credentials:
//	  web-admin:
//	    username: deploy
//	    private_key_file: /etc/orca/keys/deploy
func LoadCredentialsFile(path string) (*StaticCredentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	var f credentialFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	creds := make(map[string]models.Credential, len(f.Credentials))
	for ref, c := range f.Credentials {
		cred := models.Credential{Username: c.Username, Password: c.Password}
		if c.PrivateKeyFile != "" {
			key, err := os.ReadFile(c.PrivateKeyFile)
			if err != nil {
				return nil, fmt.Errorf("credential %q: read private key: %w", ref, err)
			}
			cred.PrivateKey = key
		}
		creds[ref] = cred
	}
	return NewStaticCredentials(creds), nil
}
