// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package heap lays out a graph of typed values in the memory of a target
// microcontroller, following the ARM procedure call standard: each value is
// aligned to its natural boundary, struct fields are laid out in order with
// padding only for alignment, and references are 4-byte addresses.
//
// A Heap is an arena of nodes. Construct nodes with [Primitive], [Heap.Bytes],
// [Heap.Struct], and [Heap.Reference], mark the ones passed to the target as
// roots, and call [Heap.Locate] to assign addresses:
//
//	h := heap.New(0x20000100)
//	count := heap.Primitive(h, uint32(0))
//	buf := h.Bytes(make([]byte, 64))
//	args := h.Struct(count, h.Reference(buf))
//	h.AddRoot(args)
//	h.Locate()
//
// After the nodes are located, [Heap.Encode] renders the image to write to
// the target, and [Heap.Decode] reads values back from an image captured
// after the target has run. [Heap.Store] and [Heap.Load] do the same through
// a [Memory], such as a serial wire debug probe.
//
// A Heap is not safe for concurrent use.
package heap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fireflydesign/portal/packet"
)

// Errors reported by the heap.
var (
	// ErrNotLocated is reported by operations that need addresses when a
	// reachable node has not been located.
	ErrNotLocated = errors.New("heap: node not located")

	// ErrShortImage is reported by Decode when the image does not cover all
	// the located nodes.
	ErrShortImage = errors.New("heap: image too short")
)

// Memory is the target memory that holds a heap image.
type Memory interface {
	ReadMemory(ctx context.Context, addr, length uint32) ([]byte, error)
	WriteMemory(ctx context.Context, addr uint32, data []byte) error
}

// Ref identifies a node of a [Heap].
type Ref int

// Kind is the variant of a node.
type Kind int

const (
	KindPrimitive Kind = iota + 1
	KindBytes
	KindStruct
	KindReference
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "Primitive"
	case KindBytes:
		return "Bytes"
	case KindStruct:
		return "Struct"
	case KindReference:
		return "Reference"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Scalar is the set of types that can be stored in a primitive node.
type Scalar interface {
	bool | uint8 | uint16 | uint32 | uint64 | int8 | int16 | int32 | int64 | float32 | float64
}

// referenceSize is the size and alignment of an address on the target.
const referenceSize = 4

type node struct {
	kind   Kind
	typ    string // for primitives, the Go type name
	data   []byte // primitive encoding or byte array contents
	fields []Ref  // struct fields
	target Ref    // reference target
	parent bool   // whether the node is a struct field

	size, align uint32
	addr        uint32
	located     bool
}

// Heap is an arena of nodes laid out from a base address.
type Heap struct {
	base  uint32
	free  uint32
	nodes []node
	roots []Ref
}

// New constructs an empty heap whose layout begins at base, rounded up to a
// 4-byte boundary.
func New(base uint32) *Heap {
	base = alignUp(base, 4)
	return &Heap{base: base, free: base}
}

// Base reports the address of the start of the heap.
func (h *Heap) Base() uint32 { return h.base }

// Size reports the number of bytes spanned by the located nodes.
func (h *Heap) Size() int { return int(h.free - h.base) }

func alignUp(v, align uint32) uint32 { return (v + align - 1) &^ (align - 1) }

func (h *Heap) add(n node) Ref {
	h.nodes = append(h.nodes, n)
	return Ref(len(h.nodes) - 1)
}

func (h *Heap) node(r Ref) *node {
	if r < 0 || int(r) >= len(h.nodes) {
		panic(fmt.Sprintf("heap: invalid ref %d", r))
	}
	return &h.nodes[r]
}

// Primitive adds a node holding v to h. Its size and alignment are those of
// the type of v.
func Primitive[T Scalar](h *Heap, v T) Ref {
	data := encodeValue(v)
	n := uint32(len(data))
	return h.add(node{kind: KindPrimitive, typ: fmt.Sprintf("%T", v), data: data, size: n, align: n})
}

// Value returns the current value of the primitive node r.
// It panics if r is not a primitive of type T.
func Value[T Scalar](h *Heap, r Ref) T {
	n := h.node(r)
	var v T
	if n.kind != KindPrimitive || n.typ != fmt.Sprintf("%T", v) {
		panic(fmt.Sprintf("heap: node %d is %s %s, not %T", r, n.kind, n.typ, v))
	}
	return decodeValue[T](n.data)
}

// Set replaces the value of the primitive node r.
// It panics if r is not a primitive of type T.
func Set[T Scalar](h *Heap, r Ref, v T) {
	_ = Value[T](h, r)
	copy(h.node(r).data, encodeValue(v))
}

// Bytes adds a byte array node holding a copy of data to h.
func (h *Heap) Bytes(data []byte) Ref {
	return h.add(node{kind: KindBytes, data: append([]byte(nil), data...), size: uint32(len(data)), align: 1})
}

// BytesOf returns the current contents of the byte array node r.
// It panics if r is not a byte array.
func (h *Heap) BytesOf(r Ref) []byte {
	n := h.node(r)
	if n.kind != KindBytes {
		panic(fmt.Sprintf("heap: node %d is %s, not Bytes", r, n.kind))
	}
	return n.data
}

// Struct adds a struct node whose fields are laid out in order. Each field
// must be a node not already used as the field of another struct.
func (h *Heap) Struct(fields ...Ref) Ref {
	var align uint32 = 1
	for _, f := range fields {
		n := h.node(f)
		if n.parent {
			panic(fmt.Sprintf("heap: node %d is already a struct field", f))
		}
		n.parent = true
		align = max(align, n.align)
	}
	return h.add(node{kind: KindStruct, fields: fields, align: align})
}

// Fields returns the fields of the struct node r.
func (h *Heap) Fields(r Ref) []Ref { return h.node(r).fields }

// Reference adds a node holding the address of target.
func (h *Heap) Reference(target Ref) Ref {
	h.node(target)
	return h.add(node{kind: KindReference, target: target, size: referenceSize, align: referenceSize})
}

// SetTarget changes the target of the reference node r, for example to
// construct a cycle. It panics if r is not a reference.
func (h *Heap) SetTarget(r, target Ref) {
	n := h.node(r)
	if n.kind != KindReference {
		panic(fmt.Sprintf("heap: node %d is %s, not Reference", r, n.kind))
	}
	h.node(target)
	n.target = target
}

// Target returns the target of the reference node r.
func (h *Heap) Target(r Ref) Ref { return h.node(r).target }

// AddRoot marks r as a root of the layout.
func (h *Heap) AddRoot(r Ref) {
	h.node(r)
	h.roots = append(h.roots, r)
}

// Kind reports the variant of node r.
func (h *Heap) Kind(r Ref) Kind { return h.node(r).kind }

// Address reports the address assigned to r, and whether r has been located.
func (h *Heap) Address(r Ref) (uint32, bool) {
	n := h.node(r)
	return n.addr, n.located
}

// Locate assigns addresses to all the nodes reachable from the roots, in
// breadth-first order from the base of the heap. Each top-level object starts
// on a 4-byte boundary. A struct field is located with its struct, even if it
// is also a root or the target of a reference. Locating the same graph again
// assigns the same addresses.
func (h *Heap) Locate() {
	for i := range h.nodes {
		h.nodes[i].located = false
	}
	h.free = h.base
	pending := append([]Ref(nil), h.roots...)
	for len(pending) != 0 {
		next := pending[0]
		pending = pending[1:]
		if n := &h.nodes[next]; n.located || n.parent {
			continue
		}
		pending = h.place(next, pending)
		h.free = alignUp(h.free, 4)
	}
}

// place assigns the next free address to r and its fields, and adds to
// pending the targets of any references among them.
func (h *Heap) place(r Ref, pending []Ref) []Ref {
	n := &h.nodes[r]
	n.addr = alignUp(h.free, n.align)
	n.located = true
	h.free = n.addr
	switch n.kind {
	case KindStruct:
		for _, f := range n.fields {
			pending = h.place(f, pending)
		}
		h.free = alignUp(h.free, n.align)
		n.size = h.free - n.addr
	case KindReference:
		h.free += n.size
		if !h.nodes[n.target].located {
			pending = append(pending, n.target)
		}
	default:
		h.free += n.size
	}
	return pending
}

// walk calls f for each node reachable from the roots, in breadth-first
// order, visiting each node once.
func (h *Heap) walk(f func(Ref, *node) error) error {
	seen := make(map[Ref]bool)
	pending := append([]Ref(nil), h.roots...)
	for len(pending) != 0 {
		r := pending[0]
		pending = pending[1:]
		if seen[r] {
			continue
		}
		seen[r] = true
		n := &h.nodes[r]
		if !n.located {
			return fmt.Errorf("node %d (%s): %w", r, n.kind, ErrNotLocated)
		}
		if err := f(r, n); err != nil {
			return err
		}
		switch n.kind {
		case KindStruct:
			pending = append(pending, n.fields...)
		case KindReference:
			pending = append(pending, n.target)
		}
	}
	return nil
}

// Encode renders the image of the located nodes, starting at the base of the
// heap. Padding bytes are zero.
func (h *Heap) Encode() ([]byte, error) {
	image := make([]byte, h.free-h.base)
	err := h.walk(func(_ Ref, n *node) error {
		off := n.addr - h.base
		switch n.kind {
		case KindPrimitive, KindBytes:
			copy(image[off:], n.data)
		case KindReference:
			var b packet.Builder
			b.Uint32(h.nodes[n.target].addr)
			copy(image[off:], b.Bytes())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return image, nil
}

// Decode updates the values of the primitive and byte array nodes from image,
// which must begin at the base of the heap. References are followed but not
// changed.
func (h *Heap) Decode(image []byte) error {
	err := h.walk(func(r Ref, n *node) error {
		if n.kind != KindPrimitive && n.kind != KindBytes {
			return nil
		}
		off := int(n.addr - h.base)
		s := packet.NewScanner(image)
		if _, err := packet.Get[[]byte](s, off); err != nil {
			return fmt.Errorf("node %d at %#x: %w", r, n.addr, ErrShortImage)
		}
		data, err := packet.Get[[]byte](s, len(n.data))
		if err != nil {
			return fmt.Errorf("node %d at %#x: %w", r, n.addr, ErrShortImage)
		}
		copy(n.data, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// Store encodes the heap and writes the image to m at the base address.
func (h *Heap) Store(ctx context.Context, m Memory) error {
	image, err := h.Encode()
	if err != nil {
		return err
	}
	if err := m.WriteMemory(ctx, h.base, image); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// Load reads the image of the heap from m and decodes it.
func (h *Heap) Load(ctx context.Context, m Memory) error {
	image, err := m.ReadMemory(ctx, h.base, h.free-h.base)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	return h.Decode(image)
}

// String renders a description of the heap and its roots for debugging.
func (h *Heap) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Heap(base=0x%08x, size=%d) {\n", h.base, h.Size())
	for _, r := range h.roots {
		h.describe(&sb, r, 1, make(map[Ref]bool))
	}
	sb.WriteString("}")
	return sb.String()
}

func (h *Heap) describe(sb *strings.Builder, r Ref, depth int, seen map[Ref]bool) {
	n := &h.nodes[r]
	indent := strings.Repeat("  ", depth)
	addr := "unlocated"
	if n.located {
		addr = fmt.Sprintf("0x%08x", n.addr)
	}
	switch n.kind {
	case KindPrimitive:
		fmt.Fprintf(sb, "%s%s[%s] @%s = %s\n", indent, n.kind, n.typ, addr, formatValue(n.typ, n.data))
	case KindBytes:
		fmt.Fprintf(sb, "%s%s[%d] @%s\n", indent, n.kind, len(n.data), addr)
	case KindStruct:
		fmt.Fprintf(sb, "%s%s @%s {\n", indent, n.kind, addr)
		for _, f := range n.fields {
			h.describe(sb, f, depth+1, seen)
		}
		fmt.Fprintf(sb, "%s}\n", indent)
	case KindReference:
		if seen[r] {
			fmt.Fprintf(sb, "%s%s @%s -> node %d\n", indent, n.kind, addr, n.target)
			return
		}
		seen[r] = true
		fmt.Fprintf(sb, "%s%s @%s {\n", indent, n.kind, addr)
		h.describe(sb, n.target, depth+1, seen)
		fmt.Fprintf(sb, "%s}\n", indent)
	}
}
