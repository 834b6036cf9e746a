package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/abshkbh/qalloc/pkg/qubit"
)

const (
	allocatorConfigKey  = "qalloc.allocator"
	restServerConfigKey = "qalloc.restserver"
	clientConfigKey     = "qalloc.client"
)

const (
	// PolicyFreeList selects the borrow-capable free-list allocator.
	PolicyFreeList = "freelist"
	// PolicyRestricted selects the restricted-reuse allocator.
	PolicyRestricted = "restricted"
)

// CapacityLimit bounds capacity and max_capacity of configured pools. A
// max_capacity of zero means CapacityLimit.
const CapacityLimit = 1 << 20

type AllocatorConfig struct {
	Policy            string `mapstructure:"policy" json:"policy"`
	Capacity          int    `mapstructure:"capacity" json:"capacity"`
	MaxCapacity       int    `mapstructure:"max_capacity" json:"maxCapacity"`
	MayExtendCapacity bool   `mapstructure:"may_extend_capacity" json:"mayExtendCapacity"`
	DisableBorrowing  bool   `mapstructure:"disable_borrowing" json:"disableBorrowing"`
	EncourageReuse    bool   `mapstructure:"encourage_reuse" json:"encourageReuse"`
}

// DefaultAllocatorConfig mirrors qubit.DefaultOptions.
func DefaultAllocatorConfig() AllocatorConfig {
	opts := qubit.DefaultOptions()
	return AllocatorConfig{
		Policy:            PolicyFreeList,
		Capacity:          opts.Capacity,
		MaxCapacity:       CapacityLimit,
		MayExtendCapacity: opts.MayExtendCapacity,
		DisableBorrowing:  opts.DisableBorrowing,
		EncourageReuse:    opts.EncourageReuse,
	}
}

// Validate checks the policy name and numeric ranges. Capacities above
// CapacityLimit are rejected.
func (c AllocatorConfig) Validate() error {
	switch c.Policy {
	case PolicyFreeList, PolicyRestricted:
	default:
		return fmt.Errorf("%w: unknown allocator policy %q", qubit.ErrArgument, c.Policy)
	}
	if c.Capacity < 0 || c.MaxCapacity < 0 {
		return fmt.Errorf("%w: negative capacity", qubit.ErrArgument)
	}
	if c.Capacity > CapacityLimit || c.MaxCapacity > CapacityLimit {
		return fmt.Errorf("%w: capacity limit is %d", qubit.ErrArgument, CapacityLimit)
	}
	if c.Capacity > c.maxCapacity() {
		return fmt.Errorf("%w: capacity %d exceeds max_capacity %d", qubit.ErrArgument, c.Capacity, c.maxCapacity())
	}
	return nil
}

func (c AllocatorConfig) maxCapacity() int {
	if c.MaxCapacity == 0 {
		return CapacityLimit
	}
	return c.MaxCapacity
}

// Options converts the config to allocator options.
func (c AllocatorConfig) Options() qubit.Options {
	return qubit.Options{
		Capacity:          c.Capacity,
		MaxCapacity:       c.maxCapacity(),
		MayExtendCapacity: c.MayExtendCapacity,
		DisableBorrowing:  c.DisableBorrowing,
		EncourageReuse:    c.EncourageReuse,
	}
}

func (c AllocatorConfig) String() string {
	return fmt.Sprintf(`{
Policy: %s
Capacity: %d
MaxCapacity: %d
MayExtendCapacity: %t
DisableBorrowing: %t
EncourageReuse: %t
}`,
		c.Policy,
		c.Capacity,
		c.MaxCapacity,
		c.MayExtendCapacity,
		c.DisableBorrowing,
		c.EncourageReuse,
	)
}

type RestServerConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	// Allocator is the default for pools created without explicit options.
	Allocator AllocatorConfig `mapstructure:"-"`
}

func (c RestServerConfig) String() string {
	return fmt.Sprintf(`{
Host: %s
Port: %s
LogLevel: %s
Allocator: %s
}`, c.Host, c.Port, c.LogLevel, c.Allocator)
}

type ClientConfig struct {
	ServerHost string `mapstructure:"server_host"`
	ServerPort string `mapstructure:"server_port"`
}

func (c ClientConfig) String() string {
	return fmt.Sprintf(`{
ServerHost: %s
ServerPort: %s
}`, c.ServerHost, c.ServerPort)
}

func readConfig(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return v, nil
}

func allocatorConfig(v *viper.Viper) (AllocatorConfig, error) {
	result := DefaultAllocatorConfig()
	sub := v.Sub(allocatorConfigKey)
	if sub == nil {
		return result, nil
	}
	if err := sub.Unmarshal(&result); err != nil {
		return AllocatorConfig{}, fmt.Errorf("error unmarshalling allocator config: %w", err)
	}
	if err := result.Validate(); err != nil {
		return AllocatorConfig{}, err
	}
	return result, nil
}

// GetAllocatorConfig reads the allocator section, falling back to
// DefaultAllocatorConfig for missing keys.
func GetAllocatorConfig(configFile string) (*AllocatorConfig, error) {
	v, err := readConfig(configFile)
	if err != nil {
		return nil, err
	}
	result, err := allocatorConfig(v)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func GetRestServerConfig(configFile string) (*RestServerConfig, error) {
	v, err := readConfig(configFile)
	if err != nil {
		return nil, err
	}

	restServerConfig := v.Sub(restServerConfigKey)
	if restServerConfig == nil {
		return nil, fmt.Errorf("restserver configuration not found")
	}

	result := RestServerConfig{LogLevel: "info"}
	if err := restServerConfig.Unmarshal(&result); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if result.Allocator, err = allocatorConfig(v); err != nil {
		return nil, err
	}
	return &result, nil
}

func GetClientConfig(configFile string) (*ClientConfig, error) {
	v, err := readConfig(configFile)
	if err != nil {
		return nil, err
	}

	clientConfig := v.Sub(clientConfigKey)
	if clientConfig == nil {
		return nil, fmt.Errorf("client configuration not found")
	}

	var result ClientConfig
	if err := clientConfig.Unmarshal(&result); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return &result, nil
}
