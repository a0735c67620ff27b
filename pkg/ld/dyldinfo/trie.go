package dyldinfo

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/blacktop/machlink/pkg/macho"
	"github.com/blacktop/machlink/pkg/macho/utils"
	"github.com/pkg/errors"
)

// Export is one symbol published in the export trie.
type Export struct {
	Name         string
	Flags        uint64
	Address      uint64 // image offset, or stub offset with a resolver
	Other        uint64 // resolver offset or re-export ordinal
	ImportedName string
}

func (e Export) String() string {
	if len(e.ImportedName) > 0 {
		return fmt.Sprintf("%#08x: %s (%s)", e.Address, e.Name, e.ImportedName)
	}
	return fmt.Sprintf("%#08x: %s", e.Address, e.Name)
}

func (e Export) isReexport() bool { return e.Flags&macho.EXPORT_SYMBOL_FLAGS_REEXPORT != 0 }
func (e Export) isResolver() bool {
	return e.Flags&macho.EXPORT_SYMBOL_FLAGS_STUB_AND_RESOLVER != 0
}

type edge struct {
	label string
	child *trieNode
}

type trieNode struct {
	edges    []edge
	export   *Export
	offset   uint32
	ordered  bool
	terminal []byte
}

func (n *trieNode) add(suffix string, e *Export) {
	for i, ed := range n.edges {
		common := 0
		for common < len(ed.label) && common < len(suffix) && ed.label[common] == suffix[common] {
			common++
		}
		if common == 0 {
			continue
		}
		if common == len(ed.label) {
			ed.child.add(suffix[common:], e)
			return
		}
		// split the edge at the shared prefix
		mid := &trieNode{edges: []edge{{label: ed.label[common:], child: ed.child}}}
		n.edges[i] = edge{label: ed.label[:common], child: mid}
		mid.add(suffix[common:], e)
		return
	}
	if len(suffix) == 0 {
		n.export = e
		return
	}
	n.edges = append(n.edges, edge{label: suffix, child: &trieNode{export: e}})
}

func (n *trieNode) terminalInfo() []byte {
	if n.export == nil {
		return nil
	}
	e := n.export
	info := utils.AppendUleb128(nil, e.Flags)
	switch {
	case e.isReexport():
		info = utils.AppendUleb128(info, e.Other)
		info = append(append(info, e.ImportedName...), 0)
	case e.isResolver():
		info = utils.AppendUleb128(info, e.Address)
		info = utils.AppendUleb128(info, e.Other)
	default:
		info = utils.AppendUleb128(info, e.Address)
	}
	return info
}

func (n *trieNode) size() uint32 {
	var sz int
	if len(n.terminal) > 0 {
		sz = utils.Uleb128Size(uint64(len(n.terminal))) + len(n.terminal)
	} else {
		sz = 1
	}
	sz++ // child count
	for _, ed := range n.edges {
		sz += len(ed.label) + 1 + utils.Uleb128Size(uint64(ed.child.offset))
	}
	return uint32(sz)
}

func (n *trieNode) write(out []byte) []byte {
	if len(n.terminal) > 0 {
		out = utils.AppendUleb128(out, uint64(len(n.terminal)))
		out = append(out, n.terminal...)
	} else {
		out = append(out, 0)
	}
	out = append(out, uint8(len(n.edges)))
	for _, ed := range n.edges {
		out = append(append(out, ed.label...), 0)
		out = utils.AppendUleb128(out, uint64(ed.child.offset))
	}
	return out
}

// orderFor appends the nodes along the path to name, so that nodes are laid
// out in the order symbols are first reached.
func (n *trieNode) orderFor(name string, list []*trieNode) []*trieNode {
	if !n.ordered {
		list = append(list, n)
		n.ordered = true
	}
	for _, ed := range n.edges {
		if strings.HasPrefix(name, ed.label) {
			return ed.child.orderFor(name[len(ed.label):], list)
		}
	}
	return list
}

// BuildTrie serializes exports into the compact prefix tree dyld reads.
// Node offsets are recomputed until no ULEB128 width changes.
func BuildTrie(exports []Export) ([]byte, error) {
	if len(exports) == 0 {
		return nil, nil
	}
	sorted := append([]Export(nil), exports...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	root := &trieNode{}
	for i := range sorted {
		e := &sorted[i]
		if e.Name == "" {
			return nil, errors.New("cannot export a symbol with an empty name")
		}
		if i > 0 && sorted[i-1].Name == e.Name {
			return nil, fmt.Errorf("duplicate export %q", e.Name)
		}
		root.add(e.Name, e)
	}

	var nodes []*trieNode
	for i := range sorted {
		nodes = root.orderFor(sorted[i].Name, nodes)
	}
	for _, n := range nodes {
		n.terminal = n.terminalInfo()
	}

	for more := true; more; {
		more = false
		var offset uint32
		for _, n := range nodes {
			if n.offset != offset {
				n.offset = offset
				more = true
			}
			offset += n.size()
		}
	}

	var out []byte
	for _, n := range nodes {
		out = n.write(out)
	}
	return pad(out, 8), nil
}

type walkNode struct {
	offset uint64
	prefix []byte
}

// ParseTrie decodes an export trie back into its entries.
func ParseTrie(data []byte) ([]Export, error) {
	var entries []Export
	r := bytes.NewReader(data)
	nodes := []walkNode{{}}
	seen := make(map[uint64]bool)

	for len(nodes) > 0 {
		var n walkNode
		n, nodes = nodes[len(nodes)-1], nodes[:len(nodes)-1]
		if seen[n.offset] {
			return nil, fmt.Errorf("export trie loops back to node %#x", n.offset)
		}
		seen[n.offset] = true

		if _, err := r.Seek(int64(n.offset), io.SeekStart); err != nil {
			return nil, err
		}
		terminalSize, err := readUleb(r)
		if err != nil {
			return nil, err
		}
		if terminalSize != 0 {
			e := Export{Name: string(n.prefix)}
			if e.Flags, err = readUleb(r); err != nil {
				return nil, err
			}
			switch {
			case e.isReexport():
				if e.Other, err = readUleb(r); err != nil {
					return nil, err
				}
				if e.ImportedName, err = readCString(r); err != nil {
					return nil, err
				}
			case e.isResolver():
				if e.Address, err = readUleb(r); err != nil {
					return nil, err
				}
				if e.Other, err = readUleb(r); err != nil {
					return nil, err
				}
			default:
				if e.Address, err = readUleb(r); err != nil {
					return nil, err
				}
			}
			entries = append(entries, e)
		}

		if _, err := r.Seek(int64(n.offset)+int64(utils.Uleb128Size(terminalSize))+int64(terminalSize), io.SeekStart); err != nil {
			return nil, err
		}
		children, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "could not read export trie child count")
		}
		for i := 0; i < int(children); i++ {
			label, err := readCString(r)
			if err != nil {
				return nil, err
			}
			off, err := readUleb(r)
			if err != nil {
				return nil, err
			}
			prefix := append(append([]byte(nil), n.prefix...), label...)
			nodes = append(nodes, walkNode{offset: off, prefix: prefix})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func readUleb(r *bytes.Reader) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(err, "could not parse ULEB128 value")
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
}

func readCString(r *bytes.Reader) (string, error) {
	var s []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", errors.Wrap(err, "unterminated string in export trie")
		}
		if b == 0 {
			return string(s), nil
		}
		s = append(s, b)
	}
}
