// Command kernelsim boots the hosted kernel simulation: it wires
// every subsystem via internal/bootstrap, spawns whatever services
// were named on an initrd-style flag, and runs the scheduler until
// either nothing is left alive or the process is interrupted.
package main

import (
	"debug/elf"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oichkatzele/biscuit2/internal/bootstrap"
)

var (
	cores    int
	ramMB    int
	logLevel string
	initrd   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kernelsim",
		Short: "Run the hosted microkernel simulation",
		RunE:  runBoot,
	}
	cmd.Flags().IntVar(&cores, "cores", 4, "number of simulated cores")
	cmd.Flags().IntVar(&ramMB, "ram-mb", 64, "simulated physical RAM, in megabytes")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "klog/console level: debug, info, warn, error")
	cmd.Flags().StringVar(&initrd, "initrd", "", "path to a service ELF to spawn at boot (repeatable via multiple runs for now)")
	return cmd
}

func parseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q: %w", s, err)
	}
	return lvl, nil
}

func runBoot(cmd *cobra.Command, args []string) error {
	lvl, err := parseLevel(logLevel)
	if err != nil {
		return err
	}

	var services []bootstrap.Service
	if initrd != "" {
		raw, rerr := os.ReadFile(initrd)
		if rerr != nil {
			return fmt.Errorf("reading --initrd %q: %w", initrd, rerr)
		}
		services = append(services, bootstrap.Service{
			Name:      "init",
			ELF:       raw,
			MountPath: "/srv/init",
		})
	}

	k, err := bootstrap.Boot(bootstrap.Config{
		Cores:    cores,
		RAMBytes: ramMB << 20,
		LogLevel: lvl,
		Machine:  elf.EM_X86_64,
	}, services)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go k.Timer.Run(ctx)
	k.Logger.Info("entering scheduler", zap.String("boot_generation", k.Generation.String()))
	if err := k.Sched.Run(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	return nil
}
