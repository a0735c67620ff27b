package ld

import (
	"fmt"
	"math"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/pkg/fixupchains"
	"github.com/blacktop/machlink/pkg/ld/chained"
	"github.com/blacktop/machlink/pkg/ld/dyldinfo"
	"github.com/blacktop/machlink/pkg/ld/splitseg"
	"github.com/blacktop/machlink/pkg/macho"
	"github.com/blacktop/machlink/pkg/macho/utils"
	"github.com/dustin/go-humanize"
)

// blobKind names the LINKEDIT payload a placeholder section carries.
type blobKind uint8

const (
	blobNone blobKind = iota
	blobRebase
	blobBind
	blobWeakBind
	blobLazyBind
	blobChainedFixups
	blobExportTrie
	blobLocalRelocs
	blobSplitSeg
	blobFunctionStarts
	blobDataInCode
	blobOptimizationHints
	blobSectionRelocs
	blobSymtab
	blobExternRelocs
	blobIndirectSymbols
	blobStrings
	blobCodeSignature
)

var blobNames = map[blobKind]string{
	blobRebase:            "__rebase",
	blobBind:              "__binding",
	blobWeakBind:          "__weak_binding",
	blobLazyBind:          "__lazy_binding",
	blobChainedFixups:     "__chainfixups",
	blobExportTrie:        "__export",
	blobLocalRelocs:       "__local_relocs",
	blobSplitSeg:          "__split_info",
	blobFunctionStarts:    "__func_starts",
	blobDataInCode:        "__data_in_code",
	blobOptimizationHints: "__opt_hints",
	blobSectionRelocs:     "__sect_relocs",
	blobSymtab:            "__symbol_table",
	blobExternRelocs:      "__extern_relocs",
	blobIndirectSymbols:   "__ind_sym_tab",
	blobStrings:           "__string_pool",
	blobCodeSignature:     "__code_sign",
}

func (k blobKind) String() string { return blobNames[k] }

// linkeditOrder is the order blobs appear in LINKEDIT for this build.
func (l *Linker) linkeditOrder() []blobKind {
	var order []blobKind
	if !l.opts.finalImage() {
		order = append(order, blobSectionRelocs)
		if l.opts.DataInCode {
			order = append(order, blobDataInCode)
		}
		if l.opts.OptimizationHints && l.opts.Arch.IsARM64() {
			order = append(order, blobOptimizationHints)
		}
		return append(order, blobSymtab, blobIndirectSymbols, blobStrings)
	}
	switch {
	case l.opts.usesDyldInfo():
		order = append(order, blobRebase, blobBind, blobWeakBind, blobLazyBind, blobExportTrie)
	case l.opts.usesChained():
		order = append(order, blobChainedFixups, blobExportTrie)
	}
	if l.opts.usesClassic() {
		order = append(order, blobLocalRelocs)
	}
	if l.opts.SplitSegVersion > 0 {
		order = append(order, blobSplitSeg)
	}
	if l.opts.FunctionStarts {
		order = append(order, blobFunctionStarts)
	}
	if l.opts.DataInCode {
		order = append(order, blobDataInCode)
	}
	order = append(order, blobSymtab)
	if l.opts.usesClassic() {
		order = append(order, blobExternRelocs)
	}
	order = append(order, blobIndirectSymbols, blobStrings)
	if l.opts.CodeSignatureSize > 0 {
		order = append(order, blobCodeSignature)
	}
	return order
}

func (l *Linker) blobAlign(k blobKind) uint8 {
	switch k {
	case blobCodeSignature:
		return 4
	case blobStrings:
		return 0
	}
	return utils.Log2(uint64(l.ptrSize))
}

// linkeditSections creates one placeholder section per blob. Each holds a
// single atom whose content is filled in once the blob is encoded.
func (l *Linker) linkeditSections() []*Section {
	var out []*Section
	for _, k := range l.linkeditOrder() {
		sect := &Section{
			SegmentName: "__LINKEDIT",
			SectionName: k.String(),
			Type:        TypeLinkEdit,
			Align:       l.blobAlign(k),
			blob:        k,
		}
		sect.Atoms = []*Atom{{
			Name:        k.String(),
			Inclusion:   IncludeNotIn,
			ContentType: ContentData,
			Align:       Alignment{PowerOf2: sect.Align},
		}}
		l.linkedit[k] = sect
		out = append(out, sect)
	}
	return out
}

// encodeLinkEdit serializes every blob and re-lays out LINKEDIT now that the
// sizes are known.
func (l *Linker) encodeLinkEdit() error {
	for _, k := range l.linkeditOrder() {
		b, err := l.encodeBlob(k)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		l.blobs[k] = b
		atom := l.linkedit[k].Atoms[0]
		atom.Content = b
		atom.Size = uint64(len(b))
	}
	if err := l.layoutLinkEdit(); err != nil {
		return err
	}
	if err := l.setMaxValidPointer(); err != nil {
		return err
	}
	if rel, ok := l.linkedit[blobSectionRelocs]; ok {
		off := uint32(rel.fileOffset)
		for _, sect := range l.sections {
			if len(sect.relocs) == 0 {
				continue
			}
			sect.relocOff = off
			off += uint32(len(sect.relocs)) * macho.RelocationInfoSize
		}
	}
	for _, k := range l.linkeditOrder() {
		log.WithFields(log.Fields{
			"blob":   k.String(),
			"offset": fmt.Sprintf("%#x", l.linkedit[k].fileOffset),
			"size":   humanize.Bytes(uint64(len(l.blobs[k]))),
		}).Debug("linkedit")
	}
	return nil
}

func (l *Linker) encodeBlob(k blobKind) ([]byte, error) {
	switch k {
	case blobRebase:
		return dyldinfo.EncodeRebase(l.rebases, l.ptrSize), nil
	case blobBind:
		return dyldinfo.EncodeBind(l.binds, l.ptrSize), nil
	case blobWeakBind:
		return dyldinfo.EncodeWeakBind(l.weakBinds, l.ptrSize), nil
	case blobLazyBind:
		b, offsets := dyldinfo.EncodeLazyBind(l.lazyBinds, l.ptrSize)
		for i, a := range l.lazyAtoms {
			l.lazyOffsets[a] = offsets[i]
		}
		return b, nil
	case blobExportTrie:
		return dyldinfo.BuildTrie(l.exports)
	case blobChainedFixups:
		return l.encodeChainedFixups()
	case blobLocalRelocs:
		return l.encodeRelocs(l.localRelocs)
	case blobExternRelocs:
		return l.encodeRelocs(l.externRelocs)
	case blobSectionRelocs:
		var all []macho.Reloc
		for _, sect := range l.sections {
			all = append(all, sect.relocs...)
		}
		return l.encodeRelocs(all)
	case blobSplitSeg:
		if l.opts.SplitSegVersion == 1 {
			return splitseg.EncodeV1(l.splitSeg, l.ptrSize), nil
		}
		return splitseg.EncodeV2(l.splitSeg, l.ptrSize), nil
	case blobFunctionStarts:
		return l.encodeFunctionStarts(), nil
	case blobDataInCode:
		return l.encodeDataInCode(), nil
	case blobOptimizationHints:
		return l.encodeOptimizationHints(), nil
	case blobSymtab:
		return l.encodeSymtab(), nil
	case blobIndirectSymbols:
		b := make([]byte, 4*len(l.indirect))
		for i, v := range l.indirect {
			l.order.PutUint32(b[4*i:], v)
		}
		return b, nil
	case blobStrings:
		l.strings.Align(uint32(l.ptrSize))
		return l.strings.Bytes(), nil
	case blobCodeSignature:
		return make([]byte, l.opts.CodeSignatureSize), nil
	}
	return nil, fmt.Errorf("unknown linkedit blob %d", k)
}

func (l *Linker) encodeRelocs(relocs []macho.Reloc) ([]byte, error) {
	b := make([]byte, len(relocs)*macho.RelocationInfoSize)
	for i, r := range relocs {
		if err := r.Put(b[i*macho.RelocationInfoSize:], l.order); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (l *Linker) encodeFunctionStarts() []byte {
	if len(l.funcStarts) == 0 {
		return nil
	}
	var out []byte
	prev := l.textBase()
	for _, addr := range l.funcStarts {
		out = utils.AppendUleb128(out, addr-prev)
		prev = addr
	}
	out = append(out, 0)
	for len(out)%l.ptrSize != 0 {
		out = append(out, 0)
	}
	return out
}

func (l *Linker) encodeDataInCode() []byte {
	out := make([]byte, len(l.dataInCode)*macho.DataInCodeEntrySize)
	for i, e := range l.dataInCode {
		b := out[i*macho.DataInCodeEntrySize:]
		l.order.PutUint32(b[0:], e.offset)
		l.order.PutUint16(b[4:], e.length)
		l.order.PutUint16(b[6:], e.kind)
	}
	return out
}

func (l *Linker) encodeOptimizationHints() []byte {
	var out []byte
	for _, h := range l.lohs {
		out = utils.AppendUleb128(out, uint64(h.kind))
		out = utils.AppendUleb128(out, uint64(len(h.address)))
		for _, a := range h.address {
			out = utils.AppendUleb128(out, a)
		}
	}
	for len(out)%l.ptrSize != 0 {
		out = append(out, 0)
	}
	return out
}

func (l *Linker) encodeChainedFixups() ([]byte, error) {
	page := l.traits.PageSize()
	o, ok := l.order.(chained.ByteOrder)
	if !ok {
		return nil, fmt.Errorf("byte order %s cannot append", l.order)
	}
	fixups := &chained.Fixups{Format: l.opts.ChainedFormat, Imports: l.chainedImports}
	for _, seg := range l.segments {
		cs := chained.NewSegment(seg.address-l.imageBase(), seg.size, uint16(page))
		if seg.address < l.imageBase() {
			// __PAGEZERO has no fixups
			cs = chained.NewSegment(0, 0, uint16(page))
		}
		fixups.Segments = append(fixups.Segments, cs)
	}
	for _, s := range l.sortedSlots() {
		seg := s.atom.section.segment
		fixups.Segments[seg.index].Add(s.address - seg.address)
	}
	l.chainedSegs = fixups.Segments
	return fixups.Encode(o)
}

// setMaxValidPointer fills in the end of the image for 32-bit chains and
// re-encodes the blob in place. It needs the final __LINKEDIT size.
func (l *Linker) setMaxValidPointer() error {
	blob, ok := l.linkedit[blobChainedFixups]
	if !ok || l.opts.ChainedFormat != fixupchains.DYLD_CHAINED_PTR_32 {
		return nil
	}
	var end uint64
	for _, seg := range l.segments {
		if e := seg.address + seg.size; e > end {
			end = e
		}
	}
	if end > math.MaxUint32 {
		return fmt.Errorf("image end %#x: %w", end, ErrRange)
	}
	for _, cs := range l.chainedSegs {
		cs.MaxValidPointer = uint32(end)
	}
	o, _ := l.order.(chained.ByteOrder)
	fixups := &chained.Fixups{Format: l.opts.ChainedFormat, Imports: l.chainedImports, Segments: l.chainedSegs}
	b, err := fixups.Encode(o)
	if err != nil {
		return err
	}
	if uint64(len(b)) != blob.size {
		return fmt.Errorf("chained fixups changed size: %w", ErrBufferTooSmall)
	}
	l.blobs[blobChainedFixups] = b
	blob.Atoms[0].Content = b
	return nil
}

// layoutLinkEdit assigns offsets to the LINKEDIT sections after their sizes
// became known. Nothing else moves.
func (l *Linker) layoutLinkEdit() error {
	var seg *Segment
	for _, s := range l.segments {
		if s.Name == "__LINKEDIT" {
			seg = s
		}
	}
	var fileOff, addr uint64
	switch {
	case seg != nil:
		fileOff, addr = seg.fileOffset, seg.address
	case !l.opts.finalImage():
		fileOff = l.contentEnd()
	default:
		return fmt.Errorf("no __LINKEDIT segment")
	}
	start, startAddr := fileOff, addr
	for _, k := range l.linkeditOrder() {
		sect := l.linkedit[k]
		align := uint64(1) << sect.Align
		fileOff = utils.Align(fileOff, align)
		addr = startAddr + (fileOff - start)
		sect.fileOffset = fileOff
		sect.address = addr
		sect.segOffset = fileOff - start
		sect.size = sect.Atoms[0].Size
		sect.Atoms[0].place(sect, 0, addr)
		fileOff += sect.size
	}
	if seg != nil {
		seg.fileSize = fileOff - start
		seg.size = utils.Align(seg.fileSize, l.traits.PageSize())
	}
	return nil
}

// linkeditEnd is the end of the file image.
func (l *Linker) linkeditEnd() uint64 {
	var end uint64
	for _, sect := range l.linkedit {
		if e := sect.fileOffset + sect.size; e > end {
			end = e
		}
	}
	if c := l.contentEnd(); c > end {
		end = c
	}
	return end
}

// contentEnd is the end of the last non-LINKEDIT file content.
func (l *Linker) contentEnd() uint64 {
	var end uint64
	for _, sect := range l.sections {
		if sect.Type == TypeLinkEdit || sect.IsZerofill() {
			continue
		}
		if e := sect.fileOffset + sect.size; e > end {
			end = e
		}
	}
	if l.opts.finalImage() {
		for _, seg := range l.segments {
			if seg.Name == "__LINKEDIT" {
				continue
			}
			if e := seg.fileOffset + seg.fileSize; e > end {
				end = e
			}
		}
	}
	return end
}

// textBase is the address function starts are relative to.
func (l *Linker) textBase() uint64 {
	for _, seg := range l.segments {
		if seg.Name == "__TEXT" {
			return seg.address
		}
	}
	return l.imageBase()
}
