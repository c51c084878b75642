package models

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Platform selects the connector used to reach a system.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
)

// DefaultPort returns the management port used when a system has none set.
func (p Platform) DefaultPort(useTLS bool) int {
	switch p {
	case PlatformLinux:
		return 22
	case PlatformWindows:
		if useTLS {
			return 5986
		}
		return 5985
	}
	return 0
}

// HealthStatus is the last known reachability of a system.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// System is a managed target. The engine only reads it.
type System struct {
	ID            uuid.UUID    `json:"id" gorm:"type:uuid;primaryKey"`
	Name          string       `json:"name" gorm:"not null"`
	Address       string       `json:"address" gorm:"not null"`
	Port          int          `json:"port"`
	Platform      Platform     `json:"platform" gorm:"type:varchar(20);not null"`
	UseTLS        bool         `json:"use_tls"`
	Username      string       `json:"username" gorm:"not null"`
	CredentialRef string       `json:"credential_ref"`
	Health        HealthStatus `json:"health" gorm:"type:varchar(20);default:'unknown'"`
	LastCheckedAt *time.Time   `json:"last_checked_at"`
	Active        bool         `json:"active" gorm:"default:true"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (s *System) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return
}

// HostPort returns the dialable address, falling back to the platform port.
func (s System) HostPort() string {
	port := s.Port
	if port == 0 {
		port = s.Platform.DefaultPort(s.UseTLS)
	}
	return net.JoinHostPort(s.Address, strconv.Itoa(port))
}

func (s System) String() string {
	return fmt.Sprintf("%s(%s %s)", s.Name, s.Platform, s.HostPort())
}

// Credential is an already decrypted login for a system.
type Credential struct {
	Username   string `json:"username"`
	Password   string `json:"-"`
	PrivateKey []byte `json:"-"` // PEM encoded
}

// Target is what a connector needs to reach one system.
type Target struct {
	System     System
	Credential Credential
}
