package storage

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"orca/pkg/models"
)

type inventoryFile struct {
	Systems []inventoryEntry `yaml:"systems" validate:"dive"`
}

type inventoryEntry struct {
	ID            string `yaml:"id" validate:"omitempty,uuid"`
	Name          string `yaml:"name" validate:"required"`
	Address       string `yaml:"address" validate:"required,hostname|ip"`
	Port          int    `yaml:"port" validate:"gte=0,lte=65535"`
	Platform      string `yaml:"platform" validate:"oneof=linux windows"`
	UseTLS        bool   `yaml:"use_tls"`
	Username      string `yaml:"username"`
	CredentialRef string `yaml:"credential_ref"`
	Disabled      bool   `yaml:"disabled"`
}

// LoadInventoryFile reads a YAML list of managed systems:
//
//	systems:
//	  - name: web-1
//	    address: 10.0.0.5
//	    platform: linux
//	    credential_ref: web-admin
//
// Entries without an id get a stable one derived from the name so
// reloading the file never duplicates a system.
func LoadInventoryFile(path string) ([]models.System, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory file: %w", err)
	}
	var f inventoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse inventory file: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("invalid inventory file: %w", err)
	}

	seen := make(map[uuid.UUID]string, len(f.Systems))
	systems := make([]models.System, 0, len(f.Systems))
	for _, e := range f.Systems {
		id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("orca:system:"+e.Name))
		if e.ID != "" {
			id = uuid.MustParse(e.ID)
		}
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("inventory: %q and %q share id %s", prev, e.Name, id)
		}
		seen[id] = e.Name
		systems = append(systems, models.System{
			ID:            id,
			Name:          e.Name,
			Address:       e.Address,
			Port:          e.Port,
			Platform:      models.Platform(e.Platform),
			UseTLS:        e.UseTLS,
			Username:      e.Username,
			CredentialRef: e.CredentialRef,
			Health:        models.HealthUnknown,
			Active:        !e.Disabled,
		})
	}
	return systems, nil
}
