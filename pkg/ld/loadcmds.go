package ld

import (
	"fmt"

	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/machlink/pkg/macho"
)

const (
	dylibTimestamp   = 2
	dylibIDTimestamp = 1
)

// loadCommand is one entry of the load command area. size is fixed when the
// command list is built and put must write exactly that many bytes.
type loadCommand struct {
	cmd  types.LoadCmd
	size uint32
	put  func(b []byte) int
}

// loadCommands decides which commands the image carries. Field values are
// read when the commands are written, sizes are fixed now.
func (l *Linker) loadCommands() []loadCommand {
	var cmds []loadCommand
	add := func(cmd types.LoadCmd, size uint32, put func([]byte) int) {
		cmds = append(cmds, loadCommand{cmd: cmd, size: size, put: put})
	}
	o := l.order
	is64 := l.is64
	final := l.opts.finalImage()

	segCmd := types.LC_SEGMENT
	if is64 {
		segCmd = types.LC_SEGMENT_64
	}
	for _, seg := range l.segments {
		add(segCmd, l.segmentHeader(seg).Size(is64), func(b []byte) int {
			return l.segmentHeader(seg).Put(b, is64, o)
		})
	}

	if l.opts.OutputKind == OutputDylib {
		id := &macho.DylibCmd{
			Cmd:            types.LC_ID_DYLIB,
			Name:           l.opts.InstallName,
			Timestamp:      dylibIDTimestamp,
			CurrentVersion: l.opts.CurrentVersion,
			CompatVersion:  l.opts.CompatVersion,
		}
		add(types.LC_ID_DYLIB, id.Size(is64), func(b []byte) int { return id.Put(b, is64, o) })
	}

	switch {
	case final && l.opts.usesDyldInfo():
		add(types.LC_DYLD_INFO_ONLY, macho.DyldInfoCmdSize, func(b []byte) int {
			c := &macho.DyldInfoCmd{}
			c.RebaseOff, c.RebaseSize = l.blobRange(blobRebase)
			c.BindOff, c.BindSize = l.blobRange(blobBind)
			c.WeakBindOff, c.WeakBindSize = l.blobRange(blobWeakBind)
			c.LazyBindOff, c.LazyBindSize = l.blobRange(blobLazyBind)
			c.ExportOff, c.ExportSize = l.blobRange(blobExportTrie)
			return c.Put(b, o)
		})
	case final && l.opts.usesChained():
		add(types.LC_DYLD_CHAINED_FIXUPS, macho.LinkEditDataCmdSize, l.linkEditDataCmd(types.LC_DYLD_CHAINED_FIXUPS, blobChainedFixups))
		add(types.LC_DYLD_EXPORTS_TRIE, macho.LinkEditDataCmdSize, l.linkEditDataCmd(types.LC_DYLD_EXPORTS_TRIE, blobExportTrie))
	}

	add(types.LC_SYMTAB, macho.SymtabCmdSize, func(b []byte) int {
		symOff, symSize := l.blobRange(blobSymtab)
		strOff, strSize := l.blobRange(blobStrings)
		c := &macho.SymtabCmd{Symoff: symOff, Nsyms: symSize / l.nlistSize(), Stroff: strOff, Strsize: strSize}
		if c.Nsyms == 0 {
			c.Symoff = 0
		}
		return c.Put(b, o)
	})
	if l.opts.OutputKind != OutputPreload {
		add(types.LC_DYSYMTAB, macho.DysymtabCmdSize, func(b []byte) int {
			r := l.result()
			c := &macho.DysymtabCmd{
				Ilocalsym:  r.LocalStart,
				Nlocalsym:  r.LocalCount,
				Iextdefsym: r.GlobalStart,
				Nextdefsym: r.GlobalCount,
				Iundefsym:  r.ImportStart,
				Nundefsym:  r.ImportCount,
			}
			if len(l.indirect) > 0 {
				c.Indirectsymoff, _ = l.blobRange(blobIndirectSymbols)
				c.Nindirectsyms = uint32(len(l.indirect))
			}
			if len(l.externRelocs) > 0 {
				c.Extreloff, _ = l.blobRange(blobExternRelocs)
				c.Nextrel = uint32(len(l.externRelocs))
			}
			if len(l.localRelocs) > 0 {
				c.Locreloff, _ = l.blobRange(blobLocalRelocs)
				c.Nlocrel = uint32(len(l.localRelocs))
			}
			return c.Put(b, o)
		})
	}

	if l.opts.OutputKind == OutputDynamicExecutable {
		dyld := &macho.StringCmd{Cmd: types.LC_LOAD_DYLINKER, Value: l.opts.DylinkerPath}
		add(types.LC_LOAD_DYLINKER, dyld.Size(is64), func(b []byte) int { return dyld.Put(b, is64, o) })
	}

	if l.opts.OutputKind == OutputDylib && l.opts.InitName != "" {
		r := &macho.RoutinesCmd{}
		cmd := types.LC_ROUTINES
		if is64 {
			cmd = types.LC_ROUTINES_64
		}
		add(cmd, r.Size(is64), func(b []byte) int {
			r.InitAddress = l.addressOf(l.opts.InitName)
			return r.Put(b, is64, o)
		})
	}

	if final && l.opts.UUID != UUIDNone {
		add(types.LC_UUID, macho.UUIDCmdSize, func(b []byte) int {
			return (&macho.UUIDCmd{}).Put(b, o)
		})
	}

	if l.opts.Platform != 0 {
		bv := &macho.BuildVersionCmd{
			Platform:    l.opts.Platform,
			MinOS:       l.opts.MinOS,
			SDK:         l.opts.SDK,
			ToolVersion: l.opts.ToolVersion,
		}
		add(types.LC_BUILD_VERSION, bv.Size(), func(b []byte) int { return bv.Put(b, o) })
	}

	if final && l.opts.SourceVersion != 0 {
		sv := &macho.SourceVersionCmd{Version: l.opts.SourceVersion}
		add(types.LC_SOURCE_VERSION, macho.SourceVersionCmdSize, func(b []byte) int { return sv.Put(b, o) })
	}

	switch l.opts.OutputKind {
	case OutputDynamicExecutable:
		add(types.LC_MAIN, macho.EntryPointCmdSize, func(b []byte) int {
			c := &macho.EntryPointCmd{StackSize: l.opts.StackSize}
			if l.entry != nil {
				c.EntryOffset = l.entry.Address() - l.imageBase()
			}
			return c.Put(b, o)
		})
	case OutputStaticExecutable, OutputPreload:
		th := &macho.ThreadCmd{State: l.traits.ThreadState(), Is64: is64}
		add(types.LC_UNIXTHREAD, th.Size(), func(b []byte) int {
			th.PC = l.entryAddress()
			return th.Put(b, o)
		})
	}

	if final && l.opts.Encryptable {
		enc := &macho.EncryptionInfoCmd{}
		cmd := types.LC_ENCRYPTION_INFO
		if is64 {
			cmd = types.LC_ENCRYPTION_INFO_64
		}
		add(cmd, enc.CmdSize(is64), func(b []byte) int {
			enc.Offset, enc.Size = l.encryptedRange()
			return enc.Put(b, is64, o)
		})
	}

	if final && l.opts.SplitSegVersion > 0 {
		add(types.LC_SEGMENT_SPLIT_INFO, macho.LinkEditDataCmdSize, l.linkEditDataCmd(types.LC_SEGMENT_SPLIT_INFO, blobSplitSeg))
	}

	if final {
		for _, d := range l.in.Dylibs {
			dc := &macho.DylibCmd{
				Cmd:            dylibLoadCmd(d),
				Name:           d.InstallName,
				Timestamp:      dylibTimestamp,
				CurrentVersion: d.CurrentVersion,
				CompatVersion:  d.CompatVersion,
			}
			add(dc.Cmd, dc.Size(is64), func(b []byte) int { return dc.Put(b, is64, o) })
		}
		for _, p := range l.opts.RPaths {
			sc := &macho.StringCmd{Cmd: types.LC_RPATH, Value: p}
			add(sc.Cmd, sc.Size(is64), func(b []byte) int { return sc.Put(b, is64, o) })
		}
		var subs []*macho.StringCmd
		if l.opts.Umbrella != "" {
			subs = append(subs, &macho.StringCmd{Cmd: types.LC_SUB_FRAMEWORK, Value: l.opts.Umbrella})
		}
		for _, s := range l.opts.SubUmbrellas {
			subs = append(subs, &macho.StringCmd{Cmd: types.LC_SUB_UMBRELLA, Value: s})
		}
		for _, s := range l.opts.SubLibraries {
			subs = append(subs, &macho.StringCmd{Cmd: types.LC_SUB_LIBRARY, Value: s})
		}
		for _, s := range l.opts.AllowableClients {
			subs = append(subs, &macho.StringCmd{Cmd: types.LC_SUB_CLIENT, Value: s})
		}
		for _, sc := range subs {
			add(sc.Cmd, sc.Size(is64), func(b []byte) int { return sc.Put(b, is64, o) })
		}
	}

	if final && l.opts.FunctionStarts {
		add(types.LC_FUNCTION_STARTS, macho.LinkEditDataCmdSize, l.linkEditDataCmd(types.LC_FUNCTION_STARTS, blobFunctionStarts))
	}
	if l.opts.DataInCode {
		add(types.LC_DATA_IN_CODE, macho.LinkEditDataCmdSize, l.linkEditDataCmd(types.LC_DATA_IN_CODE, blobDataInCode))
	}
	if !final {
		for _, opts := range l.opts.LinkerOptions {
			lo := &macho.LinkerOptionCmd{Options: opts}
			add(types.LC_LINKER_OPTION, lo.Size(is64), func(b []byte) int { return lo.Put(b, is64, o) })
		}
		if _, ok := l.linkedit[blobOptimizationHints]; ok {
			add(types.LC_LINKER_OPTIMIZATION_HINT, macho.LinkEditDataCmdSize,
				l.linkEditDataCmd(types.LC_LINKER_OPTIMIZATION_HINT, blobOptimizationHints))
		}
	}
	if final && l.opts.CodeSignatureSize > 0 {
		add(types.LC_CODE_SIGNATURE, macho.LinkEditDataCmdSize, l.linkEditDataCmd(types.LC_CODE_SIGNATURE, blobCodeSignature))
	}
	return cmds
}

func dylibLoadCmd(d *Dylib) types.LoadCmd {
	switch {
	case d.Reexport:
		return types.LC_REEXPORT_DYLIB
	case d.Weak:
		return types.LC_LOAD_WEAK_DYLIB
	case d.Upward:
		return types.LC_LOAD_UPWARD_DYLIB
	case d.Lazy:
		return types.LC_LAZY_LOAD_DYLIB
	}
	return types.LC_LOAD_DYLIB
}

func (l *Linker) linkEditDataCmd(cmd types.LoadCmd, k blobKind) func([]byte) int {
	return func(b []byte) int {
		off, size := l.blobRange(k)
		return (&macho.LinkEditDataCmd{Cmd: cmd, Offset: off, Size: size}).Put(b, l.order)
	}
}

// blobRange is the file offset and size of a LINKEDIT blob. Empty blobs
// report a zero offset.
func (l *Linker) blobRange(k blobKind) (uint32, uint32) {
	sect, ok := l.linkedit[k]
	if !ok || sect.size == 0 {
		return 0, 0
	}
	return uint32(sect.fileOffset), uint32(sect.size)
}

func (l *Linker) nlistSize() uint32 {
	if l.is64 {
		return macho.Nlist64Size
	}
	return macho.Nlist32Size
}

func (l *Linker) segmentHeader(seg *Segment) *macho.SegmentHeader {
	h := &macho.SegmentHeader{
		Name:    seg.Name,
		Addr:    seg.address,
		Memsz:   seg.size,
		Offset:  seg.fileOffset,
		Filesz:  seg.fileSize,
		Maxprot: seg.MaxProt,
		Prot:    seg.InitProt,
		Flag:    seg.Flags,
	}
	for _, sect := range seg.Sections {
		if sect.IsHidden() {
			continue
		}
		h.Sections = append(h.Sections, l.sectionHeader(sect))
	}
	h.Nsect = uint32(len(h.Sections))
	return h
}

func (l *Linker) sectionHeader(sect *Section) *macho.Section {
	s := &macho.Section{
		Name:   sect.SectionName,
		Seg:    sect.SegmentName,
		Addr:   sect.address,
		Size:   sect.size,
		Align:  uint32(sect.Align),
		Flags:  sect.Flags(),
		Reloff: sect.relocOff,
		Nreloc: uint32(len(sect.relocs)),
	}
	if !sect.IsZerofill() {
		s.Offset = uint32(sect.fileOffset)
	}
	if len(sect.relocs) > 0 {
		s.Flags |= macho.S_ATTR_LOC_RELOC
		for _, r := range sect.relocs {
			if r.Extern {
				s.Flags |= macho.S_ATTR_EXT_RELOC
				break
			}
		}
	}
	if sect.IsIndirectPointers() {
		s.Reserved1 = sect.indirectStart
	}
	if sect.Type == TypeStub {
		s.Reserved2 = sect.StubSize
	}
	return s
}

func (l *Linker) loadCommandsSize() uint32 {
	var n uint32
	for _, c := range l.cmds {
		n += c.size
	}
	return n
}

func (l *Linker) loadCommandsCount() uint32 { return uint32(len(l.cmds)) }

func (l *Linker) headerFlags() types.HeaderFlag {
	var f types.HeaderFlag
	switch l.opts.OutputKind {
	case OutputObject:
		return f
	case OutputStaticExecutable:
		return types.NoUndefs
	case OutputPreload, OutputKext:
		return f
	}
	f |= types.DyldLink
	if l.opts.FlatNamespace {
		f |= types.ForceFlat
	} else {
		f |= types.TwoLevel
	}
	if !l.hasFlatImports() {
		f |= types.NoUndefs
	}
	if l.opts.OutputKind == OutputDynamicExecutable && l.opts.PIE {
		f |= types.PIE
	}
	if l.opts.OutputKind == OutputDylib {
		reexports := false
		for _, d := range l.in.Dylibs {
			reexports = reexports || d.Reexport
		}
		if !reexports {
			f |= types.NoReexportedDylibs
		}
		if l.opts.DeadStrippableDylib {
			f |= types.DeadStrippableDylib
		}
	}
	for _, sym := range l.globals {
		if sym.atom != nil && sym.atom.IsGlobalWeakDef() {
			f |= types.WeakDefines
			break
		}
	}
	if len(l.weakBinds) > 0 || l.bindsToWeak() {
		f |= types.BindsToWeak
	}
	for _, sect := range l.sections {
		if sect.Type == TypeTLVDefs {
			f |= types.HasTLVDescriptors
		}
	}
	if l.opts.AppExtensionSafe {
		f |= types.AppExtensionSafe
	}
	return f
}

func (l *Linker) hasFlatImports() bool {
	for _, sym := range l.imports {
		if sym.atom == nil || sym.atom.Dylib == nil || l.opts.FlatNamespace {
			return true
		}
	}
	return false
}

func (l *Linker) bindsToWeak() bool {
	for _, imp := range l.chainedImports {
		if imp.LibOrdinal == macho.BIND_SPECIAL_DYLIB_WEAK_LOOKUP {
			return true
		}
	}
	return false
}

// writeLoadCommands serializes the mach header and every load command and
// checks each against its declared size.
func (l *Linker) writeLoadCommands() error {
	size := uint64(macho.HeaderSize(l.traits)) + uint64(l.loadCommandsSize())
	if size > l.headerAtom.Size {
		return fmt.Errorf("%w: load commands need %#x bytes, %#x reserved", ErrBufferTooSmall, size, l.headerAtom.Size)
	}
	cur, err := l.image.Cursor(l.headerSection.fileOffset, size)
	if err != nil {
		return err
	}
	defer cur.Close()
	b := cur.Bytes()

	hdr := macho.FileHeader{
		Magic:  l.traits.Magic(),
		Cpu:    l.traits.CPU(),
		SubCpu: l.traits.SubCPU(),
		Type:   l.opts.OutputKind.FileType(),
		Ncmd:   l.loadCommandsCount(),
		Cmdsz:  l.loadCommandsSize(),
		Flags:  l.headerFlags(),
	}
	n := uint64(hdr.Put(b, l.order))
	for _, c := range l.cmds {
		if c.cmd == types.LC_UUID {
			l.uuidOffset = l.headerSection.fileOffset + n + 8
			l.uuidDone = true
		}
		w := c.put(b[n : n+uint64(c.size)])
		if uint32(w) != c.size {
			return fmt.Errorf("%s wrote %d bytes, declared %d", c.cmd, w, c.size)
		}
		if got := l.order.Uint32(b[n+4:]); got != c.size {
			return fmt.Errorf("%s cmdsize %d, declared %d", c.cmd, got, c.size)
		}
		n += uint64(w)
	}
	if n != size {
		return fmt.Errorf("load commands wrote %#x bytes, declared %#x", n, size)
	}
	return nil
}

// ReserveUUID returns the file offset of the 16 byte LC_UUID payload. It
// fails if the image has no LC_UUID or the header was not written yet.
func (l *Linker) ReserveUUID() (uint64, error) {
	if !l.uuidDone {
		return 0, fmt.Errorf("no LC_UUID reserved")
	}
	return l.uuidOffset, nil
}

// PatchUUID stores id into the reserved LC_UUID slot.
func (l *Linker) PatchUUID(id [16]byte) error {
	off, err := l.ReserveUUID()
	if err != nil {
		return err
	}
	if _, err := l.image.WriteAt(id[:], int64(off)); err != nil {
		return fmt.Errorf("failed to patch LC_UUID: %w", err)
	}
	l.uuid = id
	return nil
}

func (l *Linker) addressOf(name string) uint64 {
	for _, sect := range l.sections {
		for _, atom := range sect.Atoms {
			if atom.Name == name && !atom.IsProxy() {
				return atom.Address()
			}
		}
	}
	return 0
}

func (l *Linker) entryAddress() uint64 {
	if l.entry != nil {
		addr := l.entry.Address()
		if l.entry.Thumb {
			addr |= 1
		}
		return addr
	}
	for _, sect := range l.sections {
		if sect.Type == TypeCode {
			return sect.address
		}
	}
	return l.imageBase()
}

// encryptedRange covers __TEXT from the first page after the load commands.
func (l *Linker) encryptedRange() (uint32, uint32) {
	for _, seg := range l.segments {
		if seg.Name != "__TEXT" {
			continue
		}
		start := seg.fileOffset + l.traits.PageSize()
		end := seg.fileOffset + seg.fileSize
		if start >= end {
			return 0, 0
		}
		return uint32(start), uint32(end - start)
	}
	return 0, 0
}
