package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/tinyrange/bringup/internal/elfimage"
	"github.com/tinyrange/bringup/internal/firmware"
	"github.com/tinyrange/bringup/internal/loader"
	"github.com/tinyrange/bringup/internal/platform"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "bringup: %v\n", err)
		os.Exit(1)
	}
}

// demoKernel is linked at 1 MiB: hlt; jmp .-1
func demoKernel() []byte {
	return elfimage.Kernel(0x100000, []byte{0xf4, 0xeb, 0xfd}, 0x10000)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("bringup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Platform description (YAML); built-in default when empty")
	dumpConfig := fs.String("dump-config", "", "Write the effective platform description to this path, then exit")
	volumeDir := fs.String("volume", "", "Host directory served as the boot volume (default: in-memory volume with a demo kernel)")
	kernelPath := fs.String("kernel", loader.DefaultConfig().KernelPath, "Kernel image path on the boot volume")
	memmapPath := fs.String("memmap", loader.DefaultConfig().MemmapPath, "Memory map dump path on the boot volume")
	native := fs.Bool("native", false, "Execute the loaded kernel as native code (linux/amd64)")
	logLevel := fs.String("log-level", "info", "Kernel console log level (debug, info, warn, error)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: bringup [flags]\n\n")
		fmt.Fprintf(stderr, "Boot a kernel image through a simulated UEFI loader and enumerate PCI.\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	var kernelLevel slog.Level
	if err := kernelLevel.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid -log-level: %w", err)
	}

	cfg := platform.Default()
	if *configPath != "" {
		var err error
		if cfg, err = platform.Load(*configPath); err != nil {
			return err
		}
	}
	if *dumpConfig != "" {
		if err := platform.Save(*dumpConfig, cfg); err != nil {
			return err
		}
		slog.Info("platform description written", "path", *dumpConfig)
		return nil
	}

	var volume firmware.Volume
	if *volumeDir != "" {
		dv, err := firmware.NewDirVolume(*volumeDir)
		if err != nil {
			return err
		}
		dv.Progress = isTerminal(stderr)
		volume = dv
	} else {
		mv := firmware.NewMemVolume()
		mv.Put(*kernelPath, demoKernel())
		volume = mv
	}

	live := isTerminal(stdout)
	opts := platform.Options{
		Volume:         volume,
		ConOut:         stdout,
		KernelLogLevel: kernelLevel,
		Native:         *native,
	}
	if live {
		opts.KernelMirror = stdout
	}
	m, err := cfg.Build(opts)
	if err != nil {
		return err
	}
	defer m.Close()

	bootErr := m.Boot(loader.Config{KernelPath: *kernelPath, MemmapPath: *memmapPath})

	if m.Kernel != nil {
		if con := m.Kernel.Console(); con != nil && !live {
			fmt.Fprintf(stdout, "%s\n%s\n%s\n", rule("console"), con.String(), rule(""))
		}
		if devs := m.Kernel.Devices(); len(devs) > 0 {
			fmt.Fprintf(stdout, "%d PCI functions:\n", len(devs))
			for _, d := range devs {
				fmt.Fprintf(stdout, "  %s  %s  %s\n", d, d.ClassCode, d.ClassCode.Name())
			}
		}
		if x, ok := m.Kernel.XHC(); ok {
			fmt.Fprintf(stdout, "xHC %s vendor %04x mmio %#x\n", x.Device, x.VendorID, x.MMIOBase)
		}
	}
	if bootErr != nil {
		return fmt.Errorf("loader halted: %w", bootErr)
	}
	return nil
}

func rule(title string) string {
	if title == "" {
		return strings.Repeat("-", 80)
	}
	return "-- " + title + " " + strings.Repeat("-", 80-len(title)-4)
}
