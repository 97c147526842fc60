// Package bootstrap owns the kernel init ordering (spec.md §2's
// dependency table, leaves first) and the panic halt path (spec.md
// §7 "Fatal... route through a panic that writes to serial and
// console and halts"). cmd/kernelsim is a thin cobra wrapper around
// Boot.
package bootstrap

import (
	debugelf "debug/elf"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oichkatzele/biscuit2/internal/console"
	"github.com/oichkatzele/biscuit2/internal/ipc"
	"github.com/oichkatzele/biscuit2/internal/kcall"
	"github.com/oichkatzele/biscuit2/internal/kheap"
	"github.com/oichkatzele/biscuit2/internal/klog"
	"github.com/oichkatzele/biscuit2/internal/namespace"
	"github.com/oichkatzele/biscuit2/internal/paging"
	"github.com/oichkatzele/biscuit2/internal/percpu"
	"github.com/oichkatzele/biscuit2/internal/pipe"
	"github.com/oichkatzele/biscuit2/internal/pmm"
	"github.com/oichkatzele/biscuit2/internal/proc"
	"github.com/oichkatzele/biscuit2/internal/sched"
	"github.com/oichkatzele/biscuit2/internal/supervisor"
	"github.com/oichkatzele/biscuit2/internal/timer"
)

// Config is what a boot call needs from the outside world (cobra
// flags in cmd/kernelsim, or a test's literal struct).
type Config struct {
	Cores    int
	RAMBytes int
	LogLevel zapcore.Level
	Machine  debugelf.Machine
}

// Service describes one initrd-resident service the supervisor spawns
// at the end of boot (spec.md §4.12).
type Service struct {
	Name      string
	ELF       []byte
	MountPath string
	Cap       int
}

// Kernel is every subsystem live after Boot returns, ready to have
// Scheduler.Run started (spec.md §4.10) once initrd services are up.
type Kernel struct {
	Generation uuid.UUID // boot-generation id attached to every klog entry this boot (spec.md bootstrap)
	Logger     *zap.Logger

	PMM     *pmm.PMM_t
	KM      *paging.KernelMap_t
	Heap    *kheap.Heap_t
	Cores   []*percpu.Core_t
	Procs   *proc.Table_t
	IPC     *ipc.Table_t
	Pipes   *pipe.Table_t
	Console *console.Table_t
	Klog    *klog.Ring_t
	Timer   *timer.Timer_t
	Sched   *sched.Scheduler_t
	Kcall   *kcall.Kernel_t
	Super   *supervisor.Table_t
	Root    *namespace.Namespace_t

	haltOnce sync.Once
}

// Boot runs the init ordering spec.md §2 lists leaf-first: PMM, paging
// and the direct map, the kernel heap, per-core state, IPC/namespace/
// pipe/process tables, the scheduler, the syscall dispatch table, and
// finally the supervisor's service spawns from services. It does not
// itself start the scheduler; callers run k.Sched.Run(ctx) once ready
// to enter userspace.
func Boot(cfg Config, services []Service) (*Kernel, error) {
	if cfg.Cores <= 0 {
		cfg.Cores = 1
	}
	if cfg.RAMBytes <= 0 {
		cfg.RAMBytes = 64 << 20
	}

	gen := uuid.New()
	klogRing := klog.New(0, zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}), cfg.LogLevel)

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			TimeKey:     "ts",
			LevelKey:    "level",
			MessageKey:  "msg",
			EncodeLevel: zapcore.CapitalLevelEncoder,
			EncodeTime:  zapcore.ISO8601TimeEncoder,
			LineEnding:  zapcore.DefaultLineEnding,
		}),
		zapcore.AddSync(os.Stderr),
		cfg.LogLevel,
	)

	logger := zap.New(zapcore.NewTee(klogRing, consoleCore)).With(zap.String("boot_generation", gen.String()))

	pm := pmm.New()
	const pageSize = 4096
	ramLen := cfg.RAMBytes - (cfg.RAMBytes % pageSize)
	pm.Init([]pmm.Region{{Base: 0x10_0000, Len: uintptr(ramLen)}})
	logger.Info("pmm initialized", zap.Int("ram_bytes", cfg.RAMBytes))

	km := paging.InitKernelMap(pm)
	heap := kheap.Init(pm)
	logger.Info("paging and kernel heap ready")

	cores := make([]*percpu.Core_t, cfg.Cores)
	for i := range cores {
		cores[i] = percpu.New(i)
	}
	logger.Info("percpu state ready", zap.Int("cores", cfg.Cores))

	procs := proc.NewTable(cores, km)
	ipcT := ipc.NewTable(procs)
	pipes := pipe.NewTable(procs)
	root := namespace.New()
	logger.Info("ipc, namespace, and pipe tables ready")

	cons := console.New()
	tm := timer.New(procs, timer.HzDefault)
	hooks := sched.Hooks{Now: tm.Now}
	scheduler := sched.New(procs, cores, hooks)
	logger.Info("scheduler ready")

	kc := kcall.New(pm, km, procs, ipcT, pipes, cons, klogRing, tm, scheduler, cores, cfg.Machine)
	logger.Info("syscall dispatch table wired")

	sup := supervisor.New(pm, km, procs, ipcT, root, cfg.Machine)

	k := &Kernel{
		Generation: gen,
		Logger:     logger,
		PMM:        pm,
		KM:         km,
		Heap:       heap,
		Cores:      cores,
		Procs:      procs,
		IPC:        ipcT,
		Pipes:      pipes,
		Console:    cons,
		Klog:       klogRing,
		Timer:      tm,
		Sched:      scheduler,
		Kcall:      kc,
		Super:      sup,
		Root:       root,
	}

	for _, svc := range services {
		pid, serr := sup.SpawnService(svc.Name, svc.ELF, svc.MountPath, svc.Cap)
		if serr != nil {
			return k, fmt.Errorf("bootstrap: spawning service %q: %w", svc.Name, serr)
		}
		logger.Info("service spawned", zap.String("name", svc.Name), zap.Int("pid", pid), zap.String("mount", svc.MountPath))
	}

	return k, nil
}

// Panic is the fatal-error path (spec.md §7 "Fatal... route through a
// panic that writes to serial and console and halts via WFI/HLT"). It
// logs at error level (both sinks, since the core is already wired to
// both), stops the scheduler so every core's Run loop exits, and
// blocks forever in place of a real WFI/HLT instruction. Callers
// expecting Panic to return should run it in its own goroutine.
func (k *Kernel) Panic(reason string, fields ...zap.Field) {
	k.haltOnce.Do(func() {
		k.Logger.Error("kernel panic: "+reason, fields...)
		k.Sched.Stop()
		select {} // halt: no WFI/HLT in a hosted simulation, so park forever
	})
}
