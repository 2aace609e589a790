// Package config is used to load the configuration file
package config

import (
	"fmt"
	"strings"

	"github.com/blacktop/go-macho/types"
	"github.com/spf13/viper"

	"github.com/blacktop/machobj/pkg/ld"
	"github.com/blacktop/machobj/pkg/macho"
)

type parse struct {
	Arch               string   `mapstructure:"arch"`
	SubtypeMustMatch   bool     `mapstructure:"subtype-must-match"`
	Platforms          []string `mapstructure:"platforms"`
	TreatBitcodeAsData bool     `mapstructure:"treat-bitcode-as-data"`
	WarnStabs          bool     `mapstructure:"warn-stabs"`
	MaxCommonAlign     uint8    `mapstructure:"max-common-align"`
	AuthPointers       bool     `mapstructure:"auth-pointers"`
	ForceDwarf         bool     `mapstructure:"force-dwarf"`
	KeepDwarfUnwind    bool     `mapstructure:"keep-dwarf-unwind"`
}

// Config is the configuration struct
type Config struct {
	Parse parse `mapstructure:"parse"`

	cpu       macho.Cpu
	subtype   uint32
	platforms []ld.PlatformVersion
}

func (c *Config) verify() error {
	if c.Parse.Arch != "" {
		cpu, sub, ok := macho.CpuByName(c.Parse.Arch)
		if !ok {
			return fmt.Errorf("config: unknown arch %q", c.Parse.Arch)
		}
		if ld.ArchForCpu(cpu) == nil {
			return fmt.Errorf("config: arch %q is not supported", c.Parse.Arch)
		}
		c.cpu, c.subtype = cpu, sub
	} else if c.Parse.SubtypeMustMatch {
		return fmt.Errorf("config: subtype-must-match requires arch")
	}

	if c.Parse.MaxCommonAlign > 15 {
		return fmt.Errorf("config: max-common-align must be at most 15, got %d", c.Parse.MaxCommonAlign)
	}
	if c.Parse.ForceDwarf && c.Parse.KeepDwarfUnwind {
		return fmt.Errorf("config: force-dwarf and keep-dwarf-unwind cannot be set at the same time")
	}

	c.platforms = c.platforms[:0]
	for _, p := range c.Parse.Platforms {
		pv, err := parsePlatform(p)
		if err != nil {
			return fmt.Errorf("config: %v", err)
		}
		c.platforms = append(c.platforms, pv)
	}

	return nil
}

// parsePlatform reads "name[:minos]", e.g. "macOS:14.0".
func parsePlatform(s string) (ld.PlatformVersion, error) {
	name, minos, _ := strings.Cut(s, ":")
	platform, err := types.GetPlatformByName(strings.TrimSpace(name))
	if err != nil {
		return ld.PlatformVersion{}, fmt.Errorf("failed to parse platform name %s: %v", name, err)
	}
	pv := ld.PlatformVersion{Platform: platform}
	if minos != "" {
		if err := pv.MinOS.Set(strings.TrimSpace(minos)); err != nil {
			return ld.PlatformVersion{}, fmt.Errorf("failed to parse min OS version %s: %v", minos, err)
		}
	}
	return pv, nil
}

// Options converts the verified configuration into parser options.
func (c *Config) Options() *ld.Options {
	return &ld.Options{
		Arch:                          c.cpu,
		SubType:                       c.subtype,
		SubTypeMustMatch:              c.Parse.SubtypeMustMatch,
		Platforms:                     append([]ld.PlatformVersion(nil), c.platforms...),
		TreatBitcodeAsData:            c.Parse.TreatBitcodeAsData,
		WarnStabs:                     c.Parse.WarnStabs,
		MaxDefaultCommonAlign:         c.Parse.MaxCommonAlign,
		SupportsAuthenticatedPointers: c.Parse.AuthPointers,
		ForceDwarf:                    c.Parse.ForceDwarf,
		KeepDwarfUnwind:               c.Parse.KeepDwarfUnwind,
	}
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper())
}

// Load reads the configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	var c Config

	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return &c, nil
}
