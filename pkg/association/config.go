package association

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy holds the runtime policies that parameterize the lifecycle engine.
// One engine serves every deployment; behavior differences between sole-owner
// and many-to-many installations are policy flags, not separate services.
type Policy struct {
	// ManyToMany enables delegate-type associations alongside the owner
	// row. When disabled, every row behaves as an owner row: termination
	// always cascades to credential deregistration.
	ManyToMany bool `yaml:"manyToMany" json:"manyToMany"`

	// ForbidReassociation rejects associate() for a provisioned device
	// that already has a terminal association row.
	ForbidReassociation bool `yaml:"forbidReassociation" json:"forbidReassociation"`

	// RequireSubscriptionComplete gates terminate() on the external
	// subscription workflow having completed.
	RequireSubscriptionComplete bool `yaml:"requireSubscriptionComplete" json:"requireSubscriptionComplete"`

	// ReplacementRequiresDefect restricts the replacement saga to current
	// devices in FAULTY or STOLEN state.
	ReplacementRequiresDefect bool `yaml:"replacementRequiresDefect" json:"replacementRequiresDefect"`

	// ResetReplacedDevice moves the replaced device back to PROVISIONED at
	// the end of the replacement saga.
	ResetReplacedDevice bool `yaml:"resetReplacedDevice" json:"resetReplacedDevice"`

	// NotifyVehicleRegistry triggers the vehicle registry update and the
	// reset notification at the tail of the replacement saga.
	NotifyVehicleRegistry bool `yaml:"notifyVehicleRegistry" json:"notifyVehicleRegistry"`
}

// DefaultPolicy returns the default engine policy.
func DefaultPolicy() *Policy {
	return &Policy{
		ManyToMany:                  true,
		ForbidReassociation:         false,
		RequireSubscriptionComplete: false,
		ReplacementRequiresDefect:   true,
		ResetReplacedDevice:         true,
		NotifyVehicleRegistry:       true,
	}
}

// LoadPolicy loads the engine policy from a YAML file. If the file does
// not exist, the default policy is returned.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("read policy config: %w", err)
	}

	cfg := DefaultPolicy()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse policy config: %w", err)
	}
	return cfg, nil
}
