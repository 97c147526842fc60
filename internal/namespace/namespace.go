// Package namespace implements the per-process mount table and
// longest-prefix path resolution (spec.md §4.7).
package namespace

import (
	"sync"

	"github.com/oichkatzele/biscuit2/internal/upath"
)

const maxMounts = 32

// MountFlags controls mount/replace semantics.
type MountFlags struct {
	Replace bool
}

type mount struct {
	path    string
	chanID  int
	present bool
}

// Namespace_t is a fixed-capacity array of mounts plus a count,
// exactly as spec.md §3 describes; the embedded mutex serializes
// mount/unmount/resolve the way the teacher serializes its per-process
// tables (fd.Cwd_t's "sync.Mutex // to serialize chdirs").
type Namespace_t struct {
	sync.Mutex
	mounts [maxMounts]mount
	count  int
}

// New returns an empty namespace.
func New() *Namespace_t {
	return &Namespace_t{}
}

// Mount stores a mount at path. If flags.Replace is set and a mount
// already exists at the exact path, it is removed first (spec.md
// §4.7). Panics if the table is full and no slot can be reused.
func (ns *Namespace_t) Mount(path string, chanID int, flags MountFlags) {
	ns.Lock()
	defer ns.Unlock()

	if flags.Replace {
		for i := range ns.mounts {
			if ns.mounts[i].present && ns.mounts[i].path == path {
				ns.mounts[i] = mount{}
				ns.count--
				break
			}
		}
	}

	for i := range ns.mounts {
		if !ns.mounts[i].present {
			ns.mounts[i] = mount{path: path, chanID: chanID, present: true}
			ns.count++
			return
		}
	}
	panic("namespace: mount table full")
}

// Unmount removes one exact match at path, if present.
func (ns *Namespace_t) Unmount(path string) {
	ns.Lock()
	defer ns.Unlock()
	for i := range ns.mounts {
		if ns.mounts[i].present && ns.mounts[i].path == path {
			ns.mounts[i] = mount{}
			ns.count--
			return
		}
	}
}

// Resolve scans every active mount and returns the channel id of the
// mount with the longest boundary-respecting prefix of path, plus the
// path suffix beyond that mount (spec.md §4.7). Ties are broken by
// slot order, i.e. the lowest-numbered slot wins; Mount reuses the
// first free slot, so this is not always the earlier-inserted mount.
func (ns *Namespace_t) Resolve(path string) (chanID int, suffix string, ok bool) {
	ns.Lock()
	defer ns.Unlock()

	bestLen := -1
	for i := range ns.mounts {
		m := ns.mounts[i]
		if !m.present {
			continue
		}
		if !upath.BoundaryPrefix(m.path, path) {
			continue
		}
		if len(m.path) > bestLen {
			bestLen = len(m.path)
			chanID = m.chanID
			ok = true
			suffix = path[len(m.path):]
			for len(suffix) > 0 && suffix[0] == '/' {
				suffix = suffix[1:]
			}
		}
	}
	return chanID, suffix, ok
}

// CloneInto copies all mounts from ns into dest, used by thread and
// child creation (spec.md §4.7 clone_into).
func (ns *Namespace_t) CloneInto(dest *Namespace_t) {
	ns.Lock()
	defer ns.Unlock()
	dest.Lock()
	defer dest.Unlock()
	dest.mounts = ns.mounts
	dest.count = ns.count
}

// Count reports the number of active mounts.
func (ns *Namespace_t) Count() int {
	ns.Lock()
	defer ns.Unlock()
	return ns.count
}
