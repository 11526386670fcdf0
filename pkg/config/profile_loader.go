package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantProfile is a per-tenant operating profile: command limits, retention
// and the authorization rules fed to the CEL authorizer.
type TenantProfile struct {
	Name        string            `yaml:"name" json:"name"`
	TenantID    string            `yaml:"tenant_id" json:"tenant_id"`
	Limits      LimitsConfig      `yaml:"limits" json:"limits"`
	Retention   RetentionConfig   `yaml:"retention" json:"retention"`
	Authz       map[string]string `yaml:"authz,omitempty" json:"authz,omitempty"`
	SigningMode string            `yaml:"signing_mode,omitempty" json:"signing_mode,omitempty"` // "ed25519" | "none"
}

// LimitsConfig bounds command and dispatch throughput per tenant.
type LimitsConfig struct {
	OutboxBatchSize   int     `yaml:"outbox_batch_size" json:"outbox_batch_size"`
	PublishPerSecond  float64 `yaml:"publish_per_second" json:"publish_per_second"`
	MaxPendingRuns    int     `yaml:"max_pending_runs,omitempty" json:"max_pending_runs,omitempty"`
	IdempotencyTTLDay int     `yaml:"idempotency_ttl_days,omitempty" json:"idempotency_ttl_days,omitempty"`
}

// RetentionConfig defines how long records are kept.
type RetentionConfig struct {
	EvidenceDays    int `yaml:"evidence_days" json:"evidence_days"`
	OutboxDays      int `yaml:"outbox_days" json:"outbox_days"`
	IdempotencyDays int `yaml:"idempotency_days" json:"idempotency_days"`
}

// LoadProfile loads one tenant profile YAML by tenant id. It searches the
// profiles directory for profile_<tenant>.yaml.
func LoadProfile(profilesDir, tenantID string) (*TenantProfile, error) {
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", strings.ToLower(tenantID)))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", tenantID, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", tenantID, err)
	}

	if profile.TenantID == "" {
		profile.TenantID = tenantID
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml from the profiles directory,
// keyed by tenant id.
func LoadAllProfiles(profilesDir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TenantProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.TenantID == "" {
			base := filepath.Base(path)
			profile.TenantID = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.TenantID] = &profile
	}
	return profiles, nil
}

// SignsEvidence reports whether evidence entries for this tenant should carry
// an Ed25519 signature.
func (p *TenantProfile) SignsEvidence() bool {
	return p.SigningMode == "ed25519"
}
