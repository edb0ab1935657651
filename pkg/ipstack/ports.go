package ipstack

import (
	"github.com/google/btree"
	"github.com/pkg/errors"

	"inetcore/pkg/inet"
)

const (
	ephemeralFirst = 49152
	ephemeralCount = 65536 - ephemeralFirst
)

type portEntry[T comparable] struct {
	port uint16
	ep   T
}

// portTable maps local ports of one transport to the endpoint bound there.
// The stack's mutex guards it.
type portTable[T comparable] struct {
	tree *btree.BTreeG[portEntry[T]]
	next int
}

func newPortTable[T comparable]() *portTable[T] {
	return &portTable[T]{
		tree: btree.NewG(8, func(a, b portEntry[T]) bool { return a.port < b.port }),
	}
}

// bind reserves port for ep. Port 0 picks the next free ephemeral port.
func (t *portTable[T]) bind(port uint16, ep T) (uint16, error) {
	if port == 0 {
		return t.ephemeral(ep)
	}
	if t.tree.Has(portEntry[T]{port: port}) {
		return 0, errors.Wrapf(inet.ErrAddressInUse, "port %d", port)
	}
	t.tree.ReplaceOrInsert(portEntry[T]{port: port, ep: ep})
	return port, nil
}

func (t *portTable[T]) ephemeral(ep T) (uint16, error) {
	for i := 0; i < ephemeralCount; i++ {
		port := uint16(ephemeralFirst + (t.next+i)%ephemeralCount)
		if t.tree.Has(portEntry[T]{port: port}) {
			continue
		}
		t.next = (t.next + i + 1) % ephemeralCount
		t.tree.ReplaceOrInsert(portEntry[T]{port: port, ep: ep})
		return port, nil
	}
	return 0, errors.Wrap(inet.ErrAddressInUse, "no free ephemeral port")
}

func (t *portTable[T]) lookup(port uint16) (T, bool) {
	e, ok := t.tree.Get(portEntry[T]{port: port})
	return e.ep, ok
}

// release frees port if ep still holds it.
func (t *portTable[T]) release(port uint16, ep T) {
	if e, ok := t.tree.Get(portEntry[T]{port: port}); ok && e.ep == ep {
		t.tree.Delete(e)
	}
}

// each visits bindings in ascending port order until fn returns false.
func (t *portTable[T]) each(fn func(port uint16, ep T) bool) {
	t.tree.Ascend(func(e portEntry[T]) bool {
		return fn(e.port, e.ep)
	})
}

func (t *portTable[T]) len() int {
	return t.tree.Len()
}
