// Package config is used to load the link configuration
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/blacktop/machlink/pkg/ld"
	"github.com/blacktop/machlink/pkg/ld/chained"
	"github.com/blacktop/machlink/pkg/macho"
	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Link holds the knobs that may come from the config file, MACHLINK_*
// environment variables, command flags or the link plan.
type Link struct {
	Output            string `mapstructure:"output"`
	Arch              string `mapstructure:"arch"`
	Kind              string `mapstructure:"kind"`
	Fixups            string `mapstructure:"fixups"`
	ChainedFormat     string `mapstructure:"chained-format"`
	SplitSeg          int    `mapstructure:"split-seg"`
	UUID              string `mapstructure:"uuid"`
	UnalignedPointers string `mapstructure:"unaligned-pointers"`

	HeaderPad         uint64 `mapstructure:"header-pad"`
	PageZeroSize      uint64 `mapstructure:"pagezero-size"`
	StackSize         uint64 `mapstructure:"stack-size"`
	BaseAddress       uint64 `mapstructure:"base-address"`
	CodeSignatureSize uint64 `mapstructure:"code-signature-size"`

	PIE                     bool `mapstructure:"pie"`
	FlatNamespace           bool `mapstructure:"flat-namespace"`
	StripLocals             bool `mapstructure:"strip-locals"`
	KeepPrivateExterns      bool `mapstructure:"keep-private-externs"`
	DebugNotes              bool `mapstructure:"debug-notes"`
	FunctionStarts          bool `mapstructure:"function-starts"`
	DataInCode              bool `mapstructure:"data-in-code"`
	IgnoreOptimizationHints bool `mapstructure:"ignore-optimization-hints"`
	Thumb2                  bool `mapstructure:"thumb2"`
	AllowTextRelocs         bool `mapstructure:"allow-text-relocs"`

	MapFile    string `mapstructure:"map"`
	Provenance string `mapstructure:"provenance"`
	Verify     bool   `mapstructure:"verify"`
}

// Config is the configuration struct
type Config struct {
	Verbose bool `mapstructure:"verbose"`
	Link    Link `mapstructure:"link"`
}

func (c *Config) verify() error {
	if c.Link.UnalignedPointers == "" {
		return fmt.Errorf("config: link.unaligned-pointers is required (error, warn or ignore)")
	}
	if _, err := ld.ParseUnalignedPolicy(c.Link.UnalignedPointers); err != nil {
		return fmt.Errorf("config: %v", err)
	}
	if c.Link.Arch != "" {
		if _, err := macho.ParseArch(c.Link.Arch); err != nil {
			return fmt.Errorf("config: %v", err)
		}
	}
	if c.Link.Kind != "" {
		if _, err := ld.ParseOutputKind(c.Link.Kind); err != nil {
			return fmt.Errorf("config: %v", err)
		}
	}
	if c.Link.Fixups != "" {
		if _, err := ld.ParseFixupMode(c.Link.Fixups); err != nil {
			return fmt.Errorf("config: %v", err)
		}
	}
	if _, err := chained.ParseFormat(c.Link.ChainedFormat); err != nil {
		return fmt.Errorf("config: %v", err)
	}
	if _, err := ld.ParseUUIDMode(c.Link.UUID); err != nil {
		return fmt.Errorf("config: %v", err)
	}
	if c.Link.SplitSeg < 0 || c.Link.SplitSeg > 2 {
		return fmt.Errorf("config: link.split-seg must be 0, 1 or 2")
	}
	if c.Link.MapFile != "" && c.Link.MapFile == c.Link.Output {
		return fmt.Errorf("config: map file and output are the same path")
	}
	return nil
}

// Load unmarshals v into a Config. defaults sit below every other source
// and are how a link plan feeds its options in.
func Load(v *viper.Viper, defaults map[string]any) (*Config, error) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	var c *Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		sizeHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&c, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}

// sizeHook decodes sizes and addresses given as strings: decimal, 0x hex or
// with a unit such as 16KiB.
func sizeHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Uint64 {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if s == "" {
		return uint64(0), nil
	}
	if n, err := strconv.ParseUint(s, 0, 64); err == nil {
		return n, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return nil, fmt.Errorf("invalid size %q", s)
	}
	return n, nil
}

var envReplacer = strings.NewReplacer("-", "_", ".", "_")

// BindEnv makes every key readable from a MACHLINK_ environment variable,
// link.unaligned-pointers becoming MACHLINK_LINK_UNALIGNED_POINTERS.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("machlink")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()
}

// LoadConfig loads the configuration from the global viper instance
func LoadConfig(defaults map[string]any) (*Config, error) {
	return Load(viper.GetViper(), defaults)
}

// Apply overwrites the knobs of o with the configured values. Identity
// fields (install name, versions, platform) are left alone.
func (c *Config) Apply(o *ld.Options) error {
	var err error
	l := c.Link
	if l.Arch != "" {
		if o.Arch, err = macho.ParseArch(l.Arch); err != nil {
			return err
		}
	}
	if l.Kind != "" {
		if o.OutputKind, err = ld.ParseOutputKind(l.Kind); err != nil {
			return err
		}
	}
	if l.Fixups != "" {
		if o.FixupMode, err = ld.ParseFixupMode(l.Fixups); err != nil {
			return err
		}
	}
	if o.ChainedFormat, err = chained.ParseFormat(l.ChainedFormat); err != nil {
		return err
	}
	if o.Unaligned, err = ld.ParseUnalignedPolicy(l.UnalignedPointers); err != nil {
		return err
	}
	if o.UUID, err = ld.ParseUUIDMode(l.UUID); err != nil {
		return err
	}
	o.SplitSegVersion = l.SplitSeg

	o.HeaderPad = l.HeaderPad
	o.PageZeroSize = l.PageZeroSize
	o.StackSize = l.StackSize
	o.BaseAddress = l.BaseAddress
	o.CodeSignatureSize = l.CodeSignatureSize

	o.PIE = l.PIE
	o.FlatNamespace = l.FlatNamespace
	o.StripLocals = l.StripLocals
	o.KeepPrivateExterns = l.KeepPrivateExterns
	o.DebugNotes = l.DebugNotes
	o.FunctionStarts = l.FunctionStarts
	o.DataInCode = l.DataInCode
	o.OptimizationHints = !l.IgnoreOptimizationHints
	o.Thumb2 = l.Thumb2
	o.AllowTextRelocs = l.AllowTextRelocs
	return nil
}
