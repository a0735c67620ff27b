package ld

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/apex/log"
	"github.com/blacktop/machlink/pkg/ld/arm64"
	"github.com/blacktop/machlink/pkg/ld/chained"
	"golang.org/x/sync/errgroup"
)

// cluster is one parsed group of fixups computing a single value.
type cluster struct {
	atom    *Atom
	offset  uint32
	setKind FixupKind
	target  *Atom
	minus   *Atom
	addend  int64
	store   *Fixup
	lazy    *Atom // KindLazyTarget
	auth    *PointerAuth
}

func (c *cluster) site() uint64 { return c.atom.Address() + uint64(c.offset) }

func (c *cluster) fixupError(err error) error {
	fe := &FixupError{Atom: c.atom.String(), Offset: c.offset, Err: err}
	if c.target != nil {
		fe.Target = c.target.String()
	}
	return fe
}

// isPointer reports whether the cluster stores a pointer sized absolute
// address dyld may need to touch.
func (c *cluster) isPointer(ptrSize int) bool {
	return c.store != nil && c.store.Kind.IsPointerStore(ptrSize) &&
		c.target != nil && c.minus == nil && c.setKind == KindSetTargetAddress
}

// parseClusters splits an atom's fixups into clusters and resolves their
// bindings. Marker only clusters have no store.
func (l *Linker) parseClusters(a *Atom) ([]*cluster, error) {
	groups, err := clusters(a.Fixups)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a, err)
	}
	out := make([]*cluster, 0, len(groups))
	for _, g := range groups {
		c := &cluster{atom: a, offset: g[0].Offset}
		sets, subtracts := 0, 0
		for i := range g {
			f := &g[i]
			switch {
			case f.Kind == KindLazyTarget:
				t, err := l.targetOf(f)
				if err != nil {
					return nil, c.fixupError(err)
				}
				c.lazy = t
			case f.Kind == KindSubtractTargetAddress:
				if subtracts++; subtracts > 1 {
					return nil, c.fixupError(errors.New("more than one subtract in cluster"))
				}
				t, err := l.boundTargetOf(f)
				if err != nil {
					return nil, c.fixupError(err)
				}
				c.minus = t
			case f.Kind == KindAddAddend:
				c.addend += f.Addend
			case f.Kind == KindSubtractAddend:
				c.addend -= f.Addend
			case f.Kind.SetsTarget():
				if sets++; sets > 1 {
					return nil, c.fixupError(errors.New("more than one set target in cluster"))
				}
				t, err := l.boundTargetOf(f)
				if err != nil {
					return nil, c.fixupError(err)
				}
				c.target = t
				c.addend += f.Addend
				c.setKind = f.Kind
				if f.Kind >= KindStoreTargetAddressLittleEndian32 {
					c.setKind = KindSetTargetAddress
				}
			}
			if f.Kind == KindSetLazyOffset {
				t, err := l.boundTargetOf(f)
				if err != nil {
					return nil, c.fixupError(err)
				}
				c.target = t
			}
			if f.Kind.IsStore() {
				if c.store != nil {
					return nil, c.fixupError(errors.New("more than one store in cluster"))
				}
				if f.Kind != KindSetLazyOffset && sets == 0 {
					return nil, c.fixupError(fmt.Errorf("%s without a set target", f.Kind))
				}
				c.store = f
				c.offset = f.Offset
			}
			if f.Auth != nil {
				c.auth = f.Auth
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// boundTargetOf is targetOf for fixups that need an atom.
func (l *Linker) boundTargetOf(f *Fixup) (*Atom, error) {
	t, err := l.targetOf(f)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%s has no target: %w", f.Kind, ErrUnbound)
	}
	return t, nil
}

// addressOfTarget is the value a set-target fixup loads. Proxies resolve
// to zero, dyld supplies the rest.
func (l *Linker) addressOfTarget(t *Atom) uint64 {
	if t == nil || t.IsProxy() {
		return 0
	}
	addr := t.Address()
	if t.Thumb {
		addr |= 1
	}
	return addr
}

// accumulate computes a cluster's value before it is stored.
func (l *Linker) accumulate(c *cluster) int64 {
	var acc int64
	switch c.setKind {
	case KindSetTargetAddress:
		acc = int64(l.addressOfTarget(c.target))
	case KindSetTargetImageOffset:
		acc = int64(c.target.Address() - l.imageBase())
	case KindSetTargetSectionOffset:
		if c.target.section != nil {
			acc = int64(c.target.Address() - c.target.section.address)
		}
	case KindSetTargetTLVTemplateOffset:
		acc = int64(c.target.Address() - l.tlvBase)
	}
	if c.minus != nil {
		acc -= int64(c.minus.Address())
	}
	return acc + c.addend
}

// applyFixups patches every atom's content. Sections are independent so
// each one gets its own cursor.
func (l *Linker) applyFixups() error {
	var g errgroup.Group
	for _, sect := range l.sections {
		if sect.Type == TypeLinkEdit || sect == l.headerSection {
			continue
		}
		hasFixups := false
		for _, a := range sect.Atoms {
			if len(a.Fixups) > 0 {
				hasFixups = true
				break
			}
		}
		if !hasFixups {
			continue
		}
		if sect.IsZerofill() {
			return fmt.Errorf("zero fill section %s has fixups", sect)
		}
		g.Go(func() error {
			cur, err := l.image.Cursor(sect.fileOffset, sect.size)
			if err != nil {
				return fmt.Errorf("%s: %w", sect, err)
			}
			defer cur.Close()
			for _, a := range sect.Atoms {
				if err := l.applyAtomFixups(a, cur.Bytes()[a.sectionOffset:a.sectionOffset+a.Size]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (l *Linker) applyAtomFixups(a *Atom, content []byte) error {
	cs, err := l.parseClusters(a)
	if err != nil {
		return err
	}
	for _, c := range cs {
		if c.store == nil {
			continue
		}
		if err := l.applyCluster(c, content); err != nil {
			return c.fixupError(err)
		}
	}
	return nil
}

func (l *Linker) applyCluster(c *cluster, content []byte) error {
	site := fixupSite{atom: c.atom, offset: c.offset}
	if slot, ok := l.slots[site]; ok {
		return l.storeChained(slot, content)
	}
	acc := l.accumulate(c)
	raw := false
	switch l.contentPolicy[site] {
	case contentAddendOnly:
		acc, raw = c.addend, true
	case contentDeltaToAddendOnly:
		acc = c.addend
	case contentIgnoresAddend:
		acc, raw = 0, true
	case contentTargetOnly:
		acc, raw = int64(l.addressOfTarget(c.target))+c.addend, true
	}
	if c.store.Kind == KindSetLazyOffset {
		return l.put32(content, c.offset, l.lazyOffsets[c.target])
	}
	return l.store(c, content, acc, raw)
}

func (l *Linker) bytesAt(content []byte, off uint32, n int) ([]byte, error) {
	if int(off)+n > len(content) {
		return nil, fmt.Errorf("%w: %d byte store at %#x in %d byte atom", ErrBufferTooSmall, n, off, len(content))
	}
	return content[off : int(off)+n], nil
}

func (l *Linker) put32(content []byte, off uint32, v uint32) error {
	b, err := l.bytesAt(content, off, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (l *Linker) rangeError(c *cluster, value, lo, hi int64) error {
	re := &RangeError{Atom: c.atom.String(), Kind: c.store.Kind, Value: value, Min: lo, Max: hi, Address: c.site()}
	if c.target != nil {
		re.Target = c.target.String()
	}
	return re
}

func (l *Linker) checkRange(c *cluster, v, lo, hi int64) error {
	if v < lo || v > hi {
		return l.rangeError(c, v, lo, hi)
	}
	return nil
}

// pcRelDelta is the displacement a pc relative store encodes. Relocatable
// output with an addend only policy keeps the raw value.
func pcRelDelta(acc int64, site uint64, bias int64, raw bool) int64 {
	if raw {
		return acc
	}
	return acc - (int64(site) + bias)
}

// store writes acc with the encoding of the cluster's store kind.
func (l *Linker) store(c *cluster, content []byte, acc int64, raw bool) error {
	k := c.store.Kind
	site := c.site()
	le := binary.LittleEndian
	be := binary.BigEndian

	switch k {
	case KindStoreLittleEndian8:
		b, err := l.bytesAt(content, c.offset, 1)
		if err != nil {
			return err
		}
		b[0] = uint8(acc)
	case KindStoreLittleEndian16, KindStoreBigEndian16:
		b, err := l.bytesAt(content, c.offset, 2)
		if err != nil {
			return err
		}
		if k == KindStoreLittleEndian16 {
			le.PutUint16(b, uint16(acc))
		} else {
			be.PutUint16(b, uint16(acc))
		}
	case KindStoreLittleEndianLow24of32, KindStoreBigEndianLow24of32:
		b, err := l.bytesAt(content, c.offset, 4)
		if err != nil {
			return err
		}
		if k == KindStoreLittleEndianLow24of32 {
			le.PutUint32(b, le.Uint32(b)&0xFF000000|uint32(acc)&0x00FFFFFF)
		} else {
			be.PutUint32(b, be.Uint32(b)&0xFF000000|uint32(acc)&0x00FFFFFF)
		}
	case KindStoreLittleEndian32, KindStoreTargetAddressLittleEndian32, KindStoreBigEndian32,
		KindStoreX86Abs32TLVLoad, KindStoreTargetAddressX86Abs32TLVLoad:
		if err := l.check32(c, acc); err != nil {
			return err
		}
		b, err := l.bytesAt(content, c.offset, 4)
		if err != nil {
			return err
		}
		if k == KindStoreBigEndian32 {
			be.PutUint32(b, uint32(acc))
		} else {
			le.PutUint32(b, uint32(acc))
		}
	case KindStoreX86Abs32TLVLoadNowLEA:
		if err := l.check32(c, acc); err != nil {
			return err
		}
		if c.offset < 1 {
			return fmt.Errorf("no opcode before tlv load at %#x", c.offset)
		}
		b, err := l.bytesAt(content, c.offset-1, 5)
		if err != nil {
			return err
		}
		if b[0] != 0xA1 {
			return fmt.Errorf("tlv load at %#x is not movl (opcode %#x)", c.offset, b[0])
		}
		b[0] = 0xB8
		le.PutUint32(b[1:], uint32(acc))
	case KindStoreLittleEndian64, KindStoreTargetAddressLittleEndian64, KindStoreBigEndian64, KindStoreARM64PointerToGOT:
		b, err := l.bytesAt(content, c.offset, 8)
		if err != nil {
			return err
		}
		if k == KindStoreBigEndian64 {
			be.PutUint64(b, uint64(acc))
		} else {
			le.PutUint64(b, uint64(acc))
		}

	case KindStoreX86BranchPCRel8, KindStoreX86PCRel8:
		delta := pcRelDelta(acc, site, 1, raw)
		if err := l.checkRange(c, delta, math.MinInt8, math.MaxInt8); err != nil {
			return err
		}
		b, err := l.bytesAt(content, c.offset, 1)
		if err != nil {
			return err
		}
		b[0] = uint8(delta)
	case KindStoreX86PCRel16:
		delta := pcRelDelta(acc, site, 2, raw)
		if err := l.checkRange(c, delta, math.MinInt16, math.MaxInt16); err != nil {
			return err
		}
		b, err := l.bytesAt(content, c.offset, 2)
		if err != nil {
			return err
		}
		le.PutUint16(b, uint16(delta))
	case KindStoreX86BranchPCRel32, KindStoreX86PCRel32, KindStoreX86PCRel32GOTLoad, KindStoreX86PCRel32GOT,
		KindStoreX86PCRel32TLVLoad, KindStoreTargetAddressX86BranchPCRel32, KindStoreTargetAddressX86PCRel32,
		KindStoreTargetAddressX86PCRel32GOTLoad, KindStoreTargetAddressX86PCRel32TLVLoad:
		return l.storeX86PCRel32(c, content, pcRelDelta(acc, site, 4, raw))
	case KindStoreX86PCRel32_1:
		return l.storeX86PCRel32(c, content, pcRelDelta(acc, site, 5, raw))
	case KindStoreX86PCRel32_2:
		return l.storeX86PCRel32(c, content, pcRelDelta(acc, site, 6, raw))
	case KindStoreX86PCRel32_4:
		return l.storeX86PCRel32(c, content, pcRelDelta(acc, site, 8, raw))
	case KindStoreX86PCRel32GOTLoadNowLEA, KindStoreX86PCRel32TLVLoadNowLEA,
		KindStoreTargetAddressX86PCRel32GOTLoadNowLEA, KindStoreTargetAddressX86PCRel32TLVLoadNowLEA:
		if c.offset < 2 {
			return fmt.Errorf("no opcode before load at %#x", c.offset)
		}
		op, err := l.bytesAt(content, c.offset-2, 1)
		if err != nil {
			return err
		}
		if op[0] != 0x8B {
			return fmt.Errorf("load at %#x is not movq (opcode %#x)", c.offset, op[0])
		}
		op[0] = 0x8D
		return l.storeX86PCRel32(c, content, pcRelDelta(acc, site, 4, raw))

	case KindStoreARMBranch24, KindStoreTargetAddressARMBranch24:
		return l.storeARMBranch24(c, content, acc, raw)
	case KindStoreThumbBranch22, KindStoreTargetAddressThumbBranch22:
		return l.storeThumbBranch22(c, content, acc, raw)
	case KindStoreARMLoad12, KindStoreTargetAddressARMLoad12:
		delta := pcRelDelta(acc, site, 8, raw)
		if err := l.checkRange(c, delta, -4095, 4095); err != nil {
			return err
		}
		return l.patch32(content, c.offset, func(ins uint32) (uint32, error) {
			ins &= 0xFF7FF000
			if delta >= 0 {
				return ins | 1<<23 | uint32(delta), nil
			}
			return ins | uint32(-delta), nil
		})
	case KindStoreARMLow16, KindStoreARMHigh16:
		v := uint32(acc)
		if k == KindStoreARMHigh16 {
			v >>= 16
		}
		return l.patch32(content, c.offset, func(ins uint32) (uint32, error) {
			return ins&0xFFF0F000 | (v>>12&0xF)<<16 | v&0xFFF, nil
		})
	case KindStoreThumbLow16, KindStoreThumbHigh16:
		v := uint32(acc)
		if k == KindStoreThumbHigh16 {
			v >>= 16
		}
		return l.patch32(content, c.offset, func(ins uint32) (uint32, error) {
			imm4 := v >> 12 & 0xF
			i := v >> 11 & 0x1
			imm3 := v >> 8 & 0x7
			imm8 := v & 0xFF
			return ins&0x8F00FBF0 | imm4 | i<<10 | imm3<<28 | imm8<<16, nil
		})

	case KindStoreARM64Branch26, KindStoreTargetAddressARM64Branch26:
		delta := pcRelDelta(acc, site, 0, raw)
		if !raw && !arm64.BranchInRange(delta) {
			return l.rangeError(c, delta, -128<<20, 128<<20-4)
		}
		return l.patch32(content, c.offset, func(ins uint32) (uint32, error) {
			return arm64.SetBranch26(ins, delta), nil
		})
	case KindStoreARM64Page21, KindStoreARM64GOTLoadPage21, KindStoreARM64GOTLeaPage21,
		KindStoreARM64TLVPLoadPage21, KindStoreARM64TLVPLoadNowLeaPage21,
		KindStoreTargetAddressARM64Page21, KindStoreTargetAddressARM64GOTLoadPage21,
		KindStoreTargetAddressARM64GOTLeaPage21, KindStoreTargetAddressARM64TLVPLoadPage21,
		KindStoreTargetAddressARM64TLVPLoadNowLeaPage21:
		delta := acc
		if !raw {
			delta = int64(arm64.Page(uint64(acc))) - int64(arm64.Page(site))
		}
		if !raw && !arm64.PageInRange(delta) {
			return l.rangeError(c, delta, -4<<30, 4<<30-4096)
		}
		return l.patch32(content, c.offset, func(ins uint32) (uint32, error) {
			return arm64.SetPage21(ins, delta), nil
		})
	case KindStoreARM64PageOff12, KindStoreARM64GOTLoadPageOff12, KindStoreARM64TLVPLoadPageOff12,
		KindStoreTargetAddressARM64PageOff12, KindStoreTargetAddressARM64GOTLoadPageOff12,
		KindStoreTargetAddressARM64TLVPLoadPageOff12:
		return l.patch32(content, c.offset, func(ins uint32) (uint32, error) {
			return arm64.SetPageOff12(ins, uint64(acc))
		})
	case KindStoreARM64GOTLeaPageOff12, KindStoreARM64TLVPLoadNowLeaPageOff12,
		KindStoreTargetAddressARM64GOTLeaPageOff12, KindStoreTargetAddressARM64TLVPLoadNowLeaPageOff12:
		return l.patch32(content, c.offset, func(ins uint32) (uint32, error) {
			if arm64.IsLoad(ins) {
				return arm64.GOTLoadToADD(ins, uint64(acc)), nil
			}
			return arm64.SetPageOff12(ins, uint64(acc))
		})
	case KindStoreARM64PCRelToGOT:
		delta := pcRelDelta(acc, site, 0, raw)
		if err := l.checkRange(c, delta, math.MinInt32, math.MaxInt32); err != nil {
			return err
		}
		b, err := l.bytesAt(content, c.offset, 4)
		if err != nil {
			return err
		}
		le.PutUint32(b, uint32(delta))
	default:
		return fmt.Errorf("unsupported store kind %s", k)
	}
	return nil
}

// check32 enforces that an absolute 32-bit store fits. 32-bit architectures
// historically wrap with a warning.
func (l *Linker) check32(c *cluster, acc int64) error {
	if acc >= math.MinInt32 && acc <= math.MaxUint32 {
		return nil
	}
	if !l.is64 {
		log.WithFields(log.Fields{
			"atom":    c.atom.String(),
			"address": fmt.Sprintf("%#x", c.site()),
			"value":   fmt.Sprintf("%#x", acc),
		}).Warn("32-bit absolute value truncated")
		return nil
	}
	return l.rangeError(c, acc, math.MinInt32, math.MaxUint32)
}

func (l *Linker) storeX86PCRel32(c *cluster, content []byte, delta int64) error {
	if err := l.checkRange(c, delta, math.MinInt32, math.MaxInt32); err != nil {
		return err
	}
	b, err := l.bytesAt(content, c.offset, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, uint32(int32(delta)))
	return nil
}

func (l *Linker) patch32(content []byte, off uint32, fn func(uint32) (uint32, error)) error {
	b, err := l.bytesAt(content, off, 4)
	if err != nil {
		return err
	}
	ins, err := fn(binary.LittleEndian.Uint32(b))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, ins)
	return nil
}

func (l *Linker) storeARMBranch24(c *cluster, content []byte, acc int64, raw bool) error {
	thumbTarget := c.target != nil && c.target.Thumb
	delta := pcRelDelta(acc&^1, c.site(), 8, raw)
	if !raw {
		if err := l.checkRange(c, delta, -(32 << 20), 32<<20-4); err != nil {
			return err
		}
	}
	return l.patch32(content, c.offset, func(ins uint32) (uint32, error) {
		isBLX := ins&0xFE000000 == 0xFA000000
		isBL := ins&0x0F000000 == 0x0B000000 && !isBLX
		switch {
		case thumbTarget && (isBL || isBLX):
			// bl to thumb becomes blx with the half word bit in H
			return 0xFA000000 | uint32(delta>>1&1)<<24 | uint32(delta>>2)&0x00FFFFFF, nil
		case thumbTarget:
			return 0, fmt.Errorf("arm branch %#x cannot reach thumb target", ins)
		case isBLX:
			return 0xEB000000 | uint32(delta>>2)&0x00FFFFFF, nil
		}
		return ins&0xFF000000 | uint32(delta>>2)&0x00FFFFFF, nil
	})
}

func (l *Linker) storeThumbBranch22(c *cluster, content []byte, acc int64, raw bool) error {
	thumbTarget := c.target == nil || c.target.Thumb || c.target.IsProxy()
	site := c.site()
	if !thumbTarget {
		// blx aligns pc down to 4, fold bit 1 of the site into the target
		acc = acc&^3 | int64(site&2)
	}
	delta := pcRelDelta(acc&^1, site, 4, raw)
	if !raw {
		lo, hi := int64(-(4 << 20)), int64(4<<20-2)
		if l.opts.Thumb2 {
			lo, hi = -(16 << 20), 16<<20-2
		}
		if err := l.checkRange(c, delta, lo, hi); err != nil {
			return err
		}
	}
	return l.patch32(content, c.offset, func(ins uint32) (uint32, error) {
		isBL := ins&0xD000F800 == 0xD000F000
		isBLX := ins&0xD000F800 == 0xC000F000
		isB := ins&0xD000F800 == 0x9000F000
		if isB && !thumbTarget {
			return 0, fmt.Errorf("thumb branch %#x cannot reach arm target", ins)
		}
		if l.opts.Thumb2 {
			s := uint32(delta>>24) & 1
			i1 := uint32(delta>>23) & 1
			i2 := uint32(delta>>22) & 1
			imm10 := uint32(delta>>12) & 0x3FF
			imm11 := uint32(delta>>1) & 0x7FF
			j1 := ^(i1 ^ s) & 1
			j2 := ^(i2 ^ s) & 1
			var base uint32
			switch {
			case isB:
				base = 0x9000F000
			case (isBL || isBLX) && thumbTarget:
				base = 0xD000F000
			case isBL || isBLX:
				base = 0xC000F000
			default:
				return 0, fmt.Errorf("unknown thumb branch %#x", ins)
			}
			next := j1<<13 | j2<<11 | imm11
			first := s<<10 | imm10
			return base | next<<16 | first, nil
		}
		first := uint32(delta>>12) & 0x7FF
		next := uint32(delta>>1) & 0x7FF
		var base uint32
		switch {
		case isBL && !thumbTarget:
			base = 0xE800F000
		case isBLX && thumbTarget:
			base = 0xF800F000
		case isB:
			return 0, fmt.Errorf("thumb b.w %#x needs thumb2", ins)
		default:
			base = ins & 0xF800F800
		}
		return base | next<<16 | first, nil
	})
}

// storeChained writes an encoded chained pointer with an empty next field.
// Chains are linked once every slot holds its final value.
func (l *Linker) storeChained(s *pointerSlot, content []byte) error {
	f := l.opts.ChainedFormat
	var auth *chained.Auth
	if s.auth != nil {
		auth = &chained.Auth{Key: s.auth.Key, Diversity: s.auth.Discriminator, AddrDiv: s.auth.AddressDiversity}
	}
	var v uint64
	var err error
	if s.bind {
		v, err = chained.EncodeBind(f, chained.Bind{Ordinal: s.ordinal, Addend: s.addend, Auth: auth})
	} else {
		target := uint64(int64(l.addressOfTarget(s.target)) + s.addend)
		if chained.TargetIsOffset(f, auth != nil) {
			target -= l.imageBase()
		}
		r := chained.Rebase{Target: target, Auth: auth}
		if l.is64 && auth == nil {
			r.High8 = uint8(target >> 56)
			r.Target = target & 0x00FFFFFFFFFFFFFF
		}
		v, err = chained.EncodeRebase(f, r)
	}
	if err != nil {
		return err
	}
	b, err := l.bytesAt(content, s.offset, chained.PointerSize(f))
	if err != nil {
		return err
	}
	if chained.PointerSize(f) == 4 {
		l.order.PutUint32(b, uint32(v))
	} else {
		l.order.PutUint64(b, v)
	}
	return nil
}

// linkChains threads every segment's slots into per page chains.
func (l *Linker) linkChains() error {
	if !l.opts.usesChained() {
		return nil
	}
	for i, seg := range l.segments {
		cs := l.chainedSegs[i]
		if cs == nil || cs.Empty() {
			continue
		}
		cur, err := l.image.Cursor(seg.fileOffset, seg.fileSize)
		if err != nil {
			return fmt.Errorf("%s: %w", seg.Name, err)
		}
		err = chained.Link(l.opts.ChainedFormat, cs, cur.Bytes(), l.order)
		cur.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", seg.Name, err)
		}
	}
	return nil
}
