// Command loris inspects and exercises the loris dynamic loader: it can
// show what an ELF object needs, resolve the full dependency closure the
// way the loader would, and actually dlopen a library to probe symbols.
package main

import (
	"debug/elf"
	"fmt"
	"os"
	"runtime"
	"strings"
	"unsafe"

	"github.com/spf13/cobra"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/riscv64/riscv64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/loris"
	"github.com/zboralski/loris/internal/ui/colorize"
)

var (
	verbose bool
	quiet   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loris",
		Short: "Inspect and load ELF shared objects with the loris loader",
		Long: `Loris is a user-space dynamic loader. This tool drives it from the
command line: inspect an object's dynamic section, resolve its dependency
closure with the standard search-path algorithm, or load it for real and
probe exported symbols.

Examples:
  loris info libexample.so            # Show dynamic-section summary
  loris deps libexample.so            # Resolve the dependency closure
  loris open libexample.so -g         # dlopen with RTLD_GLOBAL, list loaded objects
  loris sym libm.so.6 cos --disasm 8  # Resolve a symbol and disassemble it`,
		DisableFlagsInUseLine: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode")

	rootCmd.AddCommand(
		infoCmd(),
		depsCmd(),
		openCmd(),
		symCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		os.Exit(1)
	}
}

func setup() {
	loris.SetDebug(verbose)
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <library.so>",
		Short: "Show dynamic-section information for an ELF object",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			setup()
			f, err := elf.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			fmt.Printf("%s %s\n", colorize.Header("file:"), args[0])
			fmt.Printf("%s %v %v\n", colorize.Header("machine:"), f.Machine, f.Type)
			fmt.Printf("%s %s\n", colorize.Header("entry:"), colorize.Address(f.Entry))

			if libs, err := f.ImportedLibraries(); err == nil {
				fmt.Printf("%s\n", colorize.Header("needed:"))
				for _, l := range libs {
					fmt.Printf("  %s\n", colorize.LibName(l))
				}
			}
			for _, tag := range []elf.DynTag{elf.DT_SONAME, elf.DT_RPATH, elf.DT_RUNPATH} {
				if vals, err := f.DynString(tag); err == nil && len(vals) > 0 {
					fmt.Printf("%s %s\n", colorize.Header(strings.ToLower(tag.String()[3:])+":"), vals[0])
				}
			}
			if syms, err := f.DynamicSymbols(); err == nil {
				fmt.Printf("%s %d\n", colorize.Header("dynsyms:"), len(syms))
			}
			return nil
		},
	}
}

func depsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deps <library.so>",
		Short: "Load an object and print its computed searchlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			setup()
			lib, err := loris.Dlopen(args[0], loris.BindLazy)
			if err != nil {
				return err
			}
			defer lib.Close()

			for i, name := range lib.Searchlist() {
				marker := "  "
				if i == 0 {
					marker = "* "
				}
				fmt.Printf("%s%s\n", colorize.Border(marker), colorize.LibName(name))
			}
			return nil
		},
	}
}

func openCmd() *cobra.Command {
	var global, now bool
	cmd := &cobra.Command{
		Use:   "open <library.so>",
		Short: "dlopen a library, run its constructors, and report the mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			setup()
			flags := loris.BindLazy
			if now {
				flags = loris.BindNow
			}
			if global {
				flags |= loris.Global
			}
			lib, err := loris.Dlopen(args[0], flags)
			if err != nil {
				return err
			}
			defer lib.Close()

			fmt.Printf("%s %s\n", colorize.Header("loaded:"), colorize.LibName(lib.ShortName()))
			fmt.Printf("%s %s\n", colorize.Header("base:"), colorize.Address(uint64(lib.Base())))
			if !quiet {
				err = loris.DlIteratePhdr(func(info *loris.PhdrInfo) error {
					name := info.Name
					if name == "" {
						name = "main"
					}
					fmt.Printf("  %s %s %s\n",
						colorize.Address(uint64(info.Addr)),
						colorize.LibName(name),
						colorize.Detail(fmt.Sprintf("phdrs=%d", len(info.Phdrs))),
					)
					return nil
				})
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&global, "global", "g", false, "open with RTLD_GLOBAL")
	cmd.Flags().BoolVarP(&now, "now", "n", false, "open with RTLD_NOW")
	return cmd
}

func symCmd() *cobra.Command {
	var disasm int
	cmd := &cobra.Command{
		Use:   "sym <library.so> <symbol>",
		Short: "Resolve a symbol in a loaded library",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			setup()
			lib, err := loris.Dlopen(args[0], loris.BindLazy)
			if err != nil {
				return err
			}
			defer lib.Close()

			addr, err := loris.Dlsym(lib, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", colorize.SymName(args[1]), colorize.Address(uint64(addr)))

			if disasm > 0 {
				printDisasm(addr, disasm)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&disasm, "disasm", "d", 0, "disassemble the first N instructions")
	return cmd
}

// printDisasm decodes and prints instructions at addr using the native
// architecture's decoder.
func printDisasm(addr uintptr, count int) {
	code := unsafe.Slice((*byte)(unsafe.Pointer(addr)), count*16)
	pc := addr

	for i := 0; i < count; i++ {
		var text string
		var size int
		switch runtime.GOARCH {
		case "amd64":
			inst, err := x86asm.Decode(code, 64)
			if err != nil {
				return
			}
			text, size = x86asm.GNUSyntax(inst, uint64(pc), nil), inst.Len
		case "arm64":
			inst, err := arm64asm.Decode(code)
			if err != nil {
				return
			}
			text, size = arm64asm.GNUSyntax(inst), 4
		case "riscv64":
			inst, err := riscv64asm.Decode(code)
			if err != nil {
				return
			}
			text, size = riscv64asm.GNUSyntax(inst), inst.Len
		default:
			return
		}
		fmt.Printf("  %s  %s\n", colorize.Address(uint64(pc)), colorize.Instruction(text))
		pc += uintptr(size)
		code = code[size:]
	}
}
