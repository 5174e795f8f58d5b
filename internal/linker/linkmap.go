package linker

import (
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/zboralski/loris/internal/log"
)

// LinkMap matches the glibc link_map prefix that debuggers walk. Nodes are
// heap-pinned by the chain registry; debuggers read them through r_debug.
type LinkMap struct {
	Addr uintptr  // l_addr: load bias
	Name *byte    // l_name: NUL-terminated path
	Ld   uintptr  // l_ld: dynamic section
	Next *LinkMap // l_next
	Prev *LinkMap // l_prev
}

// rDebug matches the glibc r_debug layout.
type rDebug struct {
	Version int32
	_       int32
	Map     *LinkMap
	Brk     uintptr
	State   int32
	_       int32
	LdBase  uintptr
}

const (
	rtConsistent = 0
	rtAdd        = 1
	rtDelete     = 2
)

// debugBrk is the sentinel the debugger breakpoints on when no host r_debug
// was found. A purego callback gives it a stable native address.
var debugBrk = sync.OnceValue(func() uintptr {
	return purego.NewCallback(func() uintptr { return 0 })
})

// debugChain maintains the debugger-visible doubly-linked list. It wraps
// either the host linker's r_debug (after adoption) or a private one.
type debugChain struct {
	mu   sync.Mutex
	dbg  *rDebug
	tail *LinkMap

	// pin keeps Go-allocated nodes and their name buffers reachable; the
	// chain itself is raw pointers.
	pin map[*LinkMap][]byte

	private rDebug
}

var chain = newDebugChain()

func newDebugChain() *debugChain {
	c := &debugChain{pin: make(map[*LinkMap][]byte)}
	c.private = rDebug{Version: 1}
	c.dbg = &c.private
	return c
}

// adoptRDebug switches the chain onto the host's r_debug and finds its tail.
func (c *debugChain) adoptRDebug(dbg *rDebug) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dbg = dbg
	cur := dbg.Map
	if cur != nil {
		for cur.Next != nil {
			cur = cur.Next
		}
	}
	c.tail = cur
}

func (c *debugChain) brk() {
	if c.dbg.Brk == 0 {
		c.dbg.Brk = debugBrk()
	}
	callNative(c.dbg.Brk)
}

// newNode allocates a pinned link_map node for a library.
func (c *debugChain) newNode(base, dynPtr uintptr, name string) *LinkMap {
	buf := append([]byte(name), 0)
	node := &LinkMap{
		Addr: base,
		Name: &buf[0],
		Ld:   dynPtr,
	}
	c.mu.Lock()
	c.pin[node] = buf
	c.mu.Unlock()
	return node
}

// add splices a node at the tail, signalling the debugger around the edit.
func (c *debugChain) add(node *LinkMap) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node.Prev = c.tail
	node.Next = nil

	c.dbg.State = rtAdd
	c.brk()
	if c.tail == nil {
		c.dbg.Map = node
	} else {
		c.tail.Next = node
	}
	c.tail = node
	c.dbg.State = rtConsistent
	c.brk()

	log.L.Debug("link_map add", log.Addr(uint64(node.Addr)))
}

// remove unsplices a node. Nodes owned by the host linker (not in pin) are
// left alone.
func (c *debugChain) remove(node *LinkMap) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ours := c.pin[node]; !ours {
		return
	}
	// A node that never made it into the chain has no neighbors to fix.
	if c.dbg.Map != node && node.Prev == nil {
		delete(c.pin, node)
		return
	}

	c.dbg.State = rtDelete
	c.brk()
	switch {
	case c.dbg.Map == node && c.tail == node:
		c.dbg.Map = nil
		c.tail = nil
	case c.dbg.Map == node:
		c.dbg.Map = node.Next
		node.Next.Prev = nil
	case c.tail == node:
		node.Prev.Next = nil
		c.tail = node.Prev
	default:
		node.Prev.Next = node.Next
		node.Next.Prev = node.Prev
	}
	c.dbg.State = rtConsistent
	c.brk()

	delete(c.pin, node)
}

// findByBase returns the host node with the given load bias, if the chain
// has one. Used so adopted libraries share the host's view.
func (c *debugChain) findByBase(base uintptr) *LinkMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cur := c.dbg.Map; cur != nil; cur = cur.Next {
		if cur.Addr == base {
			return cur
		}
	}
	return nil
}

// walk visits the chain front to back under the lock.
func (c *debugChain) walk(f func(*LinkMap)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cur := c.dbg.Map; cur != nil; cur = cur.Next {
		f(cur)
	}
}

func cstrAt(p *byte) string {
	if p == nil {
		return ""
	}
	addr := uintptr(unsafe.Pointer(p))
	n := 0
	for *(*byte)(unsafe.Pointer(addr + uintptr(n))) != 0 {
		n++
	}
	return string(unsafe.Slice(p, n))
}
