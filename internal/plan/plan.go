// Package plan decodes the YAML link plan handed over by the atom graph
// front end: sections with their atoms and fixups, dependent dylibs, input
// files and the link options.
package plan

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/invopop/jsonschema"
	yaml "gopkg.in/yaml.v3"
)

// Plan is one link.
type Plan struct {
	Output  string  `yaml:"output,omitempty" json:"output,omitempty" jsonschema:"description=path of the image to write"`
	Options Options `yaml:"options" json:"options"`
	Dylibs  []Dylib `yaml:"dylibs,omitempty" json:"dylibs,omitempty"`
	Files   []File  `yaml:"files,omitempty" json:"files,omitempty"`
	// Sections in output order.
	Sections []Section `yaml:"sections" json:"sections"`
	// Externals are atoms that live in no section: proxies for symbols in
	// dylibs and absolute symbols.
	Externals []Atom `yaml:"externals,omitempty" json:"externals,omitempty"`
	// Indirect lists the atom names of the indirect binding table by index.
	Indirect []string `yaml:"indirect,omitempty" json:"indirect,omitempty"`
	// DeadStripped atoms are only reported in the map file.
	DeadStripped []Atom `yaml:"dead_stripped,omitempty" json:"dead_stripped,omitempty"`
}

// Options mirrors the link configuration plus the identity of the image.
type Options struct {
	Arch              string `yaml:"arch,omitempty" json:"arch,omitempty" jsonschema:"enum=x86_64,enum=i386,enum=arm64,enum=arm64e,enum=armv7"`
	Kind              string `yaml:"kind,omitempty" json:"kind,omitempty" jsonschema:"enum=executable,enum=static,enum=dylib,enum=bundle,enum=object,enum=preload,enum=kext"`
	Fixups            string `yaml:"fixups,omitempty" json:"fixups,omitempty" jsonschema:"enum=dyld-info,enum=chained,enum=classic"`
	ChainedFormat     string `yaml:"chained_format,omitempty" json:"chained_format,omitempty"`
	SplitSeg          int    `yaml:"split_seg,omitempty" json:"split_seg,omitempty" jsonschema:"minimum=0,maximum=2"`
	UUID              string `yaml:"uuid,omitempty" json:"uuid,omitempty" jsonschema:"enum=content,enum=random,enum=none"`
	UnalignedPointers string `yaml:"unaligned_pointers,omitempty" json:"unaligned_pointers,omitempty" jsonschema:"enum=error,enum=warn,enum=ignore"`

	InstallName      string     `yaml:"install_name,omitempty" json:"install_name,omitempty"`
	CurrentVersion   string     `yaml:"current_version,omitempty" json:"current_version,omitempty"`
	CompatVersion    string     `yaml:"compatibility_version,omitempty" json:"compatibility_version,omitempty"`
	Dylinker         string     `yaml:"dylinker,omitempty" json:"dylinker,omitempty"`
	Entry            string     `yaml:"entry,omitempty" json:"entry,omitempty"`
	Init             string     `yaml:"init,omitempty" json:"init,omitempty"`
	Platform         string     `yaml:"platform,omitempty" json:"platform,omitempty"`
	MinOS            string     `yaml:"min_os,omitempty" json:"min_os,omitempty"`
	SDK              string     `yaml:"sdk,omitempty" json:"sdk,omitempty"`
	SourceVersion    string     `yaml:"source_version,omitempty" json:"source_version,omitempty"`
	RPaths           []string   `yaml:"rpaths,omitempty" json:"rpaths,omitempty"`
	Umbrella         string     `yaml:"umbrella,omitempty" json:"umbrella,omitempty"`
	SubUmbrellas     []string   `yaml:"sub_umbrellas,omitempty" json:"sub_umbrellas,omitempty"`
	SubLibraries     []string   `yaml:"sub_libraries,omitempty" json:"sub_libraries,omitempty"`
	AllowableClients []string   `yaml:"allowable_clients,omitempty" json:"allowable_clients,omitempty"`
	LinkerOptions    [][]string `yaml:"linker_options,omitempty" json:"linker_options,omitempty"`

	HeaderPad         uint64 `yaml:"header_pad,omitempty" json:"header_pad,omitempty"`
	PageZeroSize      uint64 `yaml:"pagezero_size,omitempty" json:"pagezero_size,omitempty"`
	StackSize         uint64 `yaml:"stack_size,omitempty" json:"stack_size,omitempty"`
	BaseAddress       uint64 `yaml:"base_address,omitempty" json:"base_address,omitempty"`
	CodeSignatureSize uint64 `yaml:"code_signature_size,omitempty" json:"code_signature_size,omitempty"`

	PIE                     bool `yaml:"pie,omitempty" json:"pie,omitempty"`
	FlatNamespace           bool `yaml:"flat_namespace,omitempty" json:"flat_namespace,omitempty"`
	StripLocals             bool `yaml:"strip_locals,omitempty" json:"strip_locals,omitempty"`
	KeepPrivateExterns      bool `yaml:"keep_private_externs,omitempty" json:"keep_private_externs,omitempty"`
	DebugNotes              bool `yaml:"debug_notes,omitempty" json:"debug_notes,omitempty"`
	FunctionStarts          bool `yaml:"function_starts,omitempty" json:"function_starts,omitempty"`
	DataInCode              bool `yaml:"data_in_code,omitempty" json:"data_in_code,omitempty"`
	IgnoreOptimizationHints bool `yaml:"ignore_optimization_hints,omitempty" json:"ignore_optimization_hints,omitempty"`
	Thumb2                  bool `yaml:"thumb2,omitempty" json:"thumb2,omitempty"`
	AllowTextRelocs         bool `yaml:"allow_text_relocs,omitempty" json:"allow_text_relocs,omitempty"`
	Encryptable             bool `yaml:"encryptable,omitempty" json:"encryptable,omitempty"`
	AppExtensionSafe        bool `yaml:"app_extension_safe,omitempty" json:"app_extension_safe,omitempty"`
	DeadStrippableDylib     bool `yaml:"dead_strippable_dylib,omitempty" json:"dead_strippable_dylib,omitempty"`
}

// Dylib is a dependent library. A plain string is its install name.
type Dylib struct {
	ID             string `yaml:"id,omitempty" json:"id,omitempty"`
	InstallName    string `yaml:"install_name" json:"install_name"`
	CurrentVersion string `yaml:"current_version,omitempty" json:"current_version,omitempty"`
	CompatVersion  string `yaml:"compatibility_version,omitempty" json:"compatibility_version,omitempty"`
	Weak           bool   `yaml:"weak,omitempty" json:"weak,omitempty"`
	Reexport       bool   `yaml:"reexport,omitempty" json:"reexport,omitempty"`
	Upward         bool   `yaml:"upward,omitempty" json:"upward,omitempty"`
	Lazy           bool   `yaml:"lazy,omitempty" json:"lazy,omitempty"`
}

// UnmarshalYAML is a custom unmarshaler that accepts a bare install name.
func (d *Dylib) UnmarshalYAML(value *yaml.Node) error {
	type t Dylib
	if value.Kind == yaml.ScalarNode {
		*d = Dylib{InstallName: value.Value}
		return nil
	}
	var dylib t
	if err := value.Decode(&dylib); err != nil {
		return err
	}
	*d = Dylib(dylib)
	return nil
}

func (Dylib) JSONSchema() *jsonschema.Schema {
	type t Dylib
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&t{})
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{
				Type: "string",
			},
			schema,
		},
	}
}

// File is an input object file, used for debug notes and the map file.
type File struct {
	ID      string    `yaml:"id" json:"id"`
	Path    string    `yaml:"path" json:"path"`
	Source  string    `yaml:"source,omitempty" json:"source,omitempty"`
	MTime   time.Time `yaml:"mtime,omitempty" json:"mtime,omitempty"`
	Archive string    `yaml:"archive,omitempty" json:"archive,omitempty"`
}

// Section is an output section.
type Section struct {
	Segment  string `yaml:"segment" json:"segment"`
	Section  string `yaml:"section" json:"section"`
	Type     string `yaml:"type,omitempty" json:"type,omitempty"`
	Align    uint8  `yaml:"align,omitempty" json:"align,omitempty" jsonschema:"description=log2 alignment"`
	StubSize uint32 `yaml:"stub_size,omitempty" json:"stub_size,omitempty"`
	Atoms    []Atom `yaml:"atoms,omitempty" json:"atoms,omitempty"`
}

// Atom is one indivisible chunk of code or data.
type Atom struct {
	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	Definition string `yaml:"definition,omitempty" json:"definition,omitempty" jsonschema:"enum=regular,enum=tentative,enum=absolute,enum=proxy"`
	Scope      string `yaml:"scope,omitempty" json:"scope,omitempty" jsonschema:"enum=translation-unit,enum=linkage-unit,enum=global"`
	Combine    string `yaml:"combine,omitempty" json:"combine,omitempty" jsonschema:"enum=never,enum=by-name,enum=by-name-and-content,enum=by-name-and-references"`
	Inclusion  string `yaml:"inclusion,omitempty" json:"inclusion,omitempty" jsonschema:"enum=not-in,enum=in,enum=in-never-strip,enum=in-as-absolute,enum=in-with-auto-strip-label"`
	Type       string `yaml:"type,omitempty" json:"type,omitempty"`
	Align      uint8  `yaml:"align,omitempty" json:"align,omitempty"`
	Modulus    uint64 `yaml:"modulus,omitempty" json:"modulus,omitempty"`
	Size       uint64 `yaml:"size,omitempty" json:"size,omitempty"`
	// Content is hex, whitespace is ignored.
	Content    string   `yaml:"content,omitempty" json:"content,omitempty"`
	File       string   `yaml:"file,omitempty" json:"file,omitempty"`
	Dylib      string   `yaml:"dylib,omitempty" json:"dylib,omitempty"`
	Value      uint64   `yaml:"value,omitempty" json:"value,omitempty"`
	SourceFile string   `yaml:"source_file,omitempty" json:"source_file,omitempty"`
	Flags      []string `yaml:"flags,omitempty" json:"flags,omitempty" jsonschema:"enum=thumb,enum=weak-import,enum=no-dead-strip,enum=alt-entry,enum=resolver,enum=overrides-weak-def,enum=cold"`
	Fixups     []Fixup  `yaml:"fixups,omitempty" json:"fixups,omitempty"`
}

// Fixup is a relocation directive. At most one of Target, ByName and
// Indirect names the target.
type Fixup struct {
	Offset     uint32  `yaml:"offset" json:"offset"`
	Kind       string  `yaml:"kind" json:"kind"`
	Cluster    string  `yaml:"cluster,omitempty" json:"cluster,omitempty" jsonschema:"pattern=^[1-5]of[1-5]$"`
	Target     string  `yaml:"target,omitempty" json:"target,omitempty"`
	ByName     string  `yaml:"by_name,omitempty" json:"by_name,omitempty"`
	Indirect   *uint32 `yaml:"indirect,omitempty" json:"indirect,omitempty"`
	Addend     int64   `yaml:"addend,omitempty" json:"addend,omitempty"`
	WeakImport bool    `yaml:"weak_import,omitempty" json:"weak_import,omitempty"`
	Auth       *Auth   `yaml:"auth,omitempty" json:"auth,omitempty"`
	Hint       *Hint   `yaml:"hint,omitempty" json:"hint,omitempty"`
}

// Auth is arm64e pointer signing.
type Auth struct {
	Key              uint8  `yaml:"key" json:"key" jsonschema:"minimum=0,maximum=3"`
	Discriminator    uint16 `yaml:"discriminator,omitempty" json:"discriminator,omitempty"`
	AddressDiversity bool   `yaml:"address_diversity,omitempty" json:"address_diversity,omitempty"`
}

// Hint is an arm64 linker optimization hint over instructions at Offsets
// from the atom start.
type Hint struct {
	Kind    string   `yaml:"kind" json:"kind"`
	Offsets []uint32 `yaml:"offsets" json:"offsets"`
}

// Parse decodes a plan, rejecting unknown keys.
func Parse(r io.Reader) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode link plan: %w", err)
	}
	return &p, nil
}

// Load reads the plan at path.
func Load(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open link plan: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Schema is the JSON schema of the plan format.
func Schema() *jsonschema.Schema {
	schema := jsonschema.Reflect(&Plan{})
	schema.Description = "machlink link plan"
	return schema
}
