// Package container implements the named rootfs+quota bundle spec.md
// §4.13 describes: a Container wraps an empty (not cloned) namespace,
// a set of resource quotas, and the process that container's image
// runs as. Quota enforcement here covers only the memory pages Start
// itself reserves (the loaded image, sized from its file length, plus
// one stack page). The console channel mount, children the init
// process later forks, and ipc_recv/brk growth are not charged:
// nothing outside this package's tests calls ReserveChannel or
// ReserveChild.
package container

import (
	debugelf "debug/elf"
	"fmt"
	"sync/atomic"

	"github.com/oichkatzele/biscuit2/internal/abi"
	"github.com/oichkatzele/biscuit2/internal/elf"
	"github.com/oichkatzele/biscuit2/internal/memlayout"
	"github.com/oichkatzele/biscuit2/internal/namespace"
	"github.com/oichkatzele/biscuit2/internal/paging"
	"github.com/oichkatzele/biscuit2/internal/pmm"
	"github.com/oichkatzele/biscuit2/internal/proc"
)

// ResourceQuotas bounds what a container's processes may consume
// (spec.md §4.13 "ResourceQuotas{max_memory_pages, max_channels,
// max_children, cpu_priority}").
type ResourceQuotas struct {
	MaxMemoryPages int
	MaxChannels    int
	MaxChildren    int
	CPUPriority    int
}

// Container_t is a named bundle: rootfs path, quotas, and live usage
// counters (spec.md §4.13 Container).
type Container_t struct {
	Name     string
	RootPath string
	Quotas   ResourceQuotas

	usedMemoryPages atomic.Int64
	usedChannels    atomic.Int64
	usedChildren    atomic.Int64

	initPid int
	ns      *namespace.Namespace_t
}

// New builds a container bundle ready for Start.
func New(name, rootPath string, quotas ResourceQuotas) *Container_t {
	return &Container_t{Name: name, RootPath: rootPath, Quotas: quotas, ns: namespace.New()}
}

// ReserveMemoryPages accounts n additional pages against the memory
// quota, failing (and not mutating usage) if that would exceed
// MaxMemoryPages. A zero quota means unlimited.
func (c *Container_t) ReserveMemoryPages(n int) error {
	if c.Quotas.MaxMemoryPages == 0 {
		c.usedMemoryPages.Add(int64(n))
		return nil
	}
	for {
		cur := c.usedMemoryPages.Load()
		next := cur + int64(n)
		if next > int64(c.Quotas.MaxMemoryPages) {
			return fmt.Errorf("container %s: memory quota exceeded (%d/%d pages)", c.Name, next, c.Quotas.MaxMemoryPages)
		}
		if c.usedMemoryPages.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// ReleaseMemoryPages gives back n pages previously reserved.
func (c *Container_t) ReleaseMemoryPages(n int) {
	c.usedMemoryPages.Add(-int64(n))
}

// ReserveChannel accounts one more open channel against max_channels.
func (c *Container_t) ReserveChannel() error {
	if c.Quotas.MaxChannels == 0 {
		c.usedChannels.Add(1)
		return nil
	}
	for {
		cur := c.usedChannels.Load()
		if cur+1 > int64(c.Quotas.MaxChannels) {
			return fmt.Errorf("container %s: channel quota exceeded (%d/%d)", c.Name, cur+1, c.Quotas.MaxChannels)
		}
		if c.usedChannels.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// ReleaseChannel gives back one channel slot.
func (c *Container_t) ReleaseChannel() { c.usedChannels.Add(-1) }

// ReserveChild accounts one more forked/spawned descendant against
// max_children.
func (c *Container_t) ReserveChild() error {
	if c.Quotas.MaxChildren == 0 {
		c.usedChildren.Add(1)
		return nil
	}
	for {
		cur := c.usedChildren.Load()
		if cur+1 > int64(c.Quotas.MaxChildren) {
			return fmt.Errorf("container %s: child quota exceeded (%d/%d)", c.Name, cur+1, c.Quotas.MaxChildren)
		}
		if c.usedChildren.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Deps bundles the subsystem tables Start needs, mirroring kcall's
// Kernel_t but scoped to just what container creation touches.
type Deps struct {
	PMM     *pmm.PMM_t
	KM      *paging.KernelMap_t
	Procs   *proc.Table_t
	Machine debugelf.Machine
}

// Start creates a new process with an empty namespace (not cloned
// from any parent), applies the memory quota against the loaded
// image and stack, optionally mounts consoleChan at /dev/console, and
// leaves the process Ready for the scheduler to pick up (spec.md
// §4.13 start).
func (c *Container_t) Start(d Deps, initELF []byte, consoleChan int, hasConsole bool) (*proc.Process_t, error) {
	p := d.Procs.Create(0, true)
	p.Lock()
	p.NS = c.ns
	p.Unlock()

	res, err := elf.Load(initELF, p.AS, d.PMM, d.Machine)
	if err != 0 {
		return nil, fmt.Errorf("container %s: elf load failed: %v", c.Name, err)
	}
	imagePages := memlayout.PageRound(len(initELF)) / memlayout.PageSize
	if rerr := c.ReserveMemoryPages(imagePages + 1 /* stack */); rerr != nil {
		return nil, rerr
	}

	stackTop, serr := allocUserStack(d.PMM, p.AS)
	if serr != 0 {
		c.ReleaseMemoryPages(imagePages + 1)
		return nil, fmt.Errorf("container %s: stack alloc failed: %v", c.Name, serr)
	}

	if hasConsole {
		c.ns.Mount("/dev/console", consoleChan, namespace.MountFlags{Replace: true})
	}

	p.Lock()
	p.RIP = res.Entry
	p.RSP = stackTop
	p.Brk = res.Brk
	p.Unlock()

	c.initPid = p.Pid
	return p, nil
}

func allocUserStack(pm *pmm.PMM_t, as *paging.AddressSpace_t) (uintptr, abi.Err_t) {
	frame, ok := pm.AllocPage()
	if !ok {
		return 0, abi.ENOMEM
	}
	base := uintptr(memlayout.UserStackTop - memlayout.PageSize)
	if !as.MapPage(base, frame, paging.Flags{User: true, Writable: true, NoExec: true}) {
		pm.FreePage(frame)
		return 0, abi.ENOMEM
	}
	return memlayout.UserStackTop, 0
}

// InitPid returns the pid of the container's init process, or 0 if
// Start hasn't succeeded yet.
func (c *Container_t) InitPid() int { return c.initPid }
