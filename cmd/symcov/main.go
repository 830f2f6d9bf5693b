package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agra-uni-bremen/coverage-vp"
	"github.com/agra-uni-bremen/coverage-vp/pkg/dwarfsource"
)

var root = &cobra.Command{
	Use:   "symcov",
	Short: "Drive the RISC-V source coverage/taint model from a recorded instruction trace",
}

func main() {
	root.AddCommand(
		runCmd(),
		inspectCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func panicOnError(err error) {
	if err != nil {
		panic(err)
	}
}

var (
	flagElfPath   string
	flagTracePath string
	flagLogPath   string
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run --elf=ELF path --trace=trace path",
		Short: "Replay a trace file against an ELF image and emit gcov-JSON reports",
		RunE:  runMain,
	}

	fs := cmd.Flags()

	fs.StringVar(&flagElfPath, "elf", "", "Path to the instrumented RISC-V ELF binary")
	panicOnError(cmd.MarkFlagFilename("elf", "elf", "o"))
	panicOnError(cmd.MarkFlagRequired("elf"))

	fs.StringVar(&flagTracePath, "trace", "", "Path to a recorded instruction trace (addr tainted symbolic initial per line)")
	panicOnError(cmd.MarkFlagFilename("trace"))
	panicOnError(cmd.MarkFlagRequired("trace"))

	fs.StringVar(&flagLogPath, "log", "", "Path for verbose attribution/block tracing")

	return cmd
}

func runMain(cmd *cobra.Command, args []string) error {
	mem, err := loadFlatMemory(flagElfPath)
	if err != nil {
		return err
	}

	cov, err := coverage.Open(flagElfPath, mem)
	if err != nil {
		return fmt.Errorf("open coverage session: %w", err)
	}
	defer cov.Close()

	if flagLogPath != "" {
		logFile, err := os.Create(flagLogPath)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logFile.Close()
		cov.Debug = logFile
	}

	if err := cov.Init(); err != nil {
		return fmt.Errorf("init coverage model: %w", err)
	}

	trace, err := os.Open(flagTracePath)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer trace.Close()

	if err := replayTrace(cov, trace); err != nil {
		return err
	}

	if err := cov.Marshal(); err != nil {
		return fmt.Errorf("marshal reports: %w", err)
	}

	fmt.Println("coverage reports written")
	return nil
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect --elf=ELF path",
		Short: "List the functions an ELF image's DWARF info exposes, without replaying any trace",
		RunE:  inspectMain,
	}

	fs := cmd.Flags()
	fs.StringVar(&flagElfPath, "elf", "", "Path to the ELF binary")
	panicOnError(cmd.MarkFlagFilename("elf", "elf", "o"))
	panicOnError(cmd.MarkFlagRequired("elf"))

	return cmd
}

func inspectMain(cmd *cobra.Command, args []string) error {
	r, err := dwarfsource.Open(flagElfPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", flagElfPath, err)
	}
	defer r.Close()

	count := 0
	r.ForEachFunction(func(low, high uint64) {
		count++
		fmt.Printf("0x%08x-0x%08x\n", low, high)
	})
	fmt.Printf("%d function(s)\n", count)

	return nil
}
