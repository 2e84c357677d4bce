// Command espcore extracts an ELF32 core file from an Xtensa device's flash
// and drives gdb against it, mirroring the dbg_corefile/info_corefile
// subcommands of the original espcoredump tool.
package main

import (
	"context"
	"debug/elf"
	"fmt"
	"log"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/espcore/espcore/internal/dump"
	"github.com/espcore/espcore/internal/flashio"
	"github.com/espcore/espcore/internal/gdbmi"
)

// checkExecutable resolves name on PATH and confirms it is executable,
// surfacing a clear error before a subprocess spawn fails with a less
// helpful one.
func checkExecutable(name string) error {
	path, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("%s: not found on PATH: %w", name, err)
	}
	if err := unix.Access(path, unix.X_OK); err != nil {
		return fmt.Errorf("%s: not executable: %w", path, err)
	}
	return nil
}

type globalFlags struct {
	chip      string
	port      string
	baud      int
	transport string
	tool      string
}

type extractFlags struct {
	gdbPath string
	core    string
	off     uint32
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Print(err)
		os.Exit(2)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "espcore",
		Short: "Extract and inspect Xtensa core dumps from flash",
	}
	root.PersistentFlags().StringVarP(&g.chip, "chip", "c", "auto", "target chip (auto, esp32)")
	root.PersistentFlags().StringVarP(&g.port, "port", "p", "/dev/ttyUSB0", "serial port")
	root.PersistentFlags().IntVarP(&g.baud, "baud", "b", 115200, "serial baud rate")
	root.PersistentFlags().StringVar(&g.transport, "transport", "subprocess", "flash transport: subprocess (shell out to an external flashing tool) or serial (read flash directly over the port)")
	root.PersistentFlags().StringVar(&g.tool, "flash-tool", "esptool", "path to the external flashing tool binary (subprocess transport only)")

	root.AddCommand(newDbgCorefileCmd(g))
	root.AddCommand(newInfoCorefileCmd(g))
	return root
}

func newDbgCorefileCmd(g *globalFlags) *cobra.Command {
	f := &extractFlags{}
	cmd := &cobra.Command{
		Use:   "dbg_corefile <prog>",
		Short: "Open an interactive gdb session against a core file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			corePath, cleanup, err := resolveCoreFile(cmd.Context(), g, f)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := checkExecutable(f.gdbPath); err != nil {
				return err
			}
			gdb := exec.CommandContext(cmd.Context(), f.gdbPath, "--nw", "--core="+corePath, args[0])
			gdb.Stdin, gdb.Stdout, gdb.Stderr = os.Stdin, os.Stdout, os.Stderr
			return gdb.Run()
		},
	}
	addExtractFlags(cmd, f)
	return cmd
}

func newInfoCorefileCmd(g *globalFlags) *cobra.Command {
	f := &extractFlags{}
	var printMem bool
	cmd := &cobra.Command{
		Use:   "info_corefile <prog>",
		Short: "Print a non-interactive report of a core file's registers, backtrace, and memory regions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			corePath, cleanup, err := resolveCoreFile(ctx, g, f)
			if err != nil {
				return err
			}
			defer cleanup()

			return runInfoReport(ctx, f.gdbPath, corePath, args[0], printMem)
		},
	}
	addExtractFlags(cmd, f)
	cmd.Flags().BoolVarP(&printMem, "print-mem", "m", false, "print raw memory contents for each region")
	return cmd
}

func addExtractFlags(cmd *cobra.Command, f *extractFlags) {
	cmd.Flags().StringVarP(&f.gdbPath, "gdb", "g", "xtensa-esp32-elf-gdb", "path to the Xtensa gdb binary")
	cmd.Flags().StringVar(&f.core, "core", "", "use this core file instead of reading flash")
	cmd.Flags().Uint32Var(&f.off, "off", 0x110000, "flash offset of the core dump")
}

// resolveCoreFile returns the path to a core file: f.core verbatim if the
// caller supplied one, otherwise a freshly extracted one from flash. The
// returned cleanup removes any file this function created.
func resolveCoreFile(ctx context.Context, g *globalFlags, f *extractFlags) (path string, cleanup func(), err error) {
	if f.core != "" {
		return f.core, func() {}, nil
	}

	reader, err := openFlashReader(g)
	if err != nil {
		return "", nil, err
	}
	defer reader.Close()

	img, err := dump.Extract(ctx, reader, f.off, dump.DefaultOptions())
	if err != nil {
		return "", nil, fmt.Errorf("extract core from flash: %w", err)
	}

	out, err := os.CreateTemp("", "espcore-*.elf")
	if err != nil {
		return "", nil, fmt.Errorf("create core file: %w", err)
	}
	if err := img.Write(out); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", nil, fmt.Errorf("write core file: %w", err)
	}
	out.Close()
	return out.Name(), func() { os.Remove(out.Name()) }, nil
}

// openFlashReader builds the flash transport g.transport selects.
// flashio.Reader's ReadFlash method satisfies dump.FlashReader directly, so
// the returned value needs no adapter.
func openFlashReader(g *globalFlags) (flashio.Reader, error) {
	switch g.transport {
	case "subprocess":
		return flashio.NewSubprocessReader(g.tool, g.port, g.chip, g.baud), nil
	case "serial":
		return flashio.NewSerialReader(flashio.SerialConfig{Port: g.port, Baud: g.baud})
	default:
		return nil, fmt.Errorf("unknown transport %q: want subprocess or serial", g.transport)
	}
}

func runInfoReport(ctx context.Context, gdbPath, corePath, progPath string, printMem bool) error {
	if err := checkExecutable(gdbPath); err != nil {
		return err
	}
	sess, err := gdbmi.Start(ctx, gdbPath, corePath, progPath)
	if err != nil {
		return fmt.Errorf("start gdb: %w", err)
	}
	defer sess.Close()

	for _, cmd := range []string{
		`-interpreter-exec console "info registers"`,
		`-interpreter-exec console "bt"`,
		`-interpreter-exec console "info threads"`,
	} {
		reply, err := sess.Exec(cmd)
		if err != nil {
			return fmt.Errorf("run %q: %w", cmd, err)
		}
		for _, line := range reply.Console {
			fmt.Println(line)
		}
	}

	progFile, err := elf.Open(progPath)
	if err != nil {
		return fmt.Errorf("open program elf: %w", err)
	}
	defer progFile.Close()
	coreFile, err := elf.Open(corePath)
	if err != nil {
		return fmt.Errorf("open core elf: %w", err)
	}
	defer coreFile.Close()

	regions, err := gdbmi.MergeSections(progFile, coreFile)
	if err != nil {
		return fmt.Errorf("merge sections: %w", err)
	}
	fmt.Println("MEMORY REGIONS")
	for _, line := range gdbmi.FormatRegions(regions) {
		fmt.Println(line)
	}

	if printMem {
		fmt.Println("MEMORY CONTENTS")
		for _, r := range regions {
			size := r.End - r.Start
			cmd := fmt.Sprintf(`-interpreter-exec console "x/%dx %#x"`, size/4, r.Start)
			reply, err := sess.Exec(cmd)
			if err != nil {
				return fmt.Errorf("dump region %#x: %w", r.Start, err)
			}
			for _, line := range reply.Console {
				fmt.Println(line)
			}
		}
	}
	return nil
}
