// Command rvdbi is the CLI contract (spec §6 "The front-end program
// invokes initialize, registers routines, calls run"). Grounded on
// oisee/z80-optimizer's cmd/z80opt/main.go: a cobra rootCmd with one
// subcommand per verb and plain Flags().XxxVar bindings.
package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rv64dbi/dbi/api"
	"github.com/rv64dbi/dbi/internal/abi"
	"github.com/rv64dbi/dbi/internal/codecache"
	"github.com/rv64dbi/dbi/internal/engine"
	"github.com/rv64dbi/dbi/internal/isa"
	"github.com/rv64dbi/dbi/internal/platform"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rvdbi",
		Short: "rv64dbi — a dynamic binary instrumentation engine for static rv64gc/Newlib binaries",
	}

	var (
		traceLink   bool
		stubRegions bool
		cacheSize   int
		maxBlockLen int
		bbCountAddr string
		timingCSV   string
		verbose     bool
	)

	runCmd := &cobra.Command{
		Use:   "run <elf> [guest-args...]",
		Short: "Initialize, instrument, and run a target binary to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(verbose)

			target := args[0]
			guestArgs := args[1:]

			e := engine.New(
				engine.WithLogger(logger),
				engine.WithCacheSize(cacheSize),
				engine.WithMaxBlockLen(maxBlockLen),
				engine.WithStubRegionsEnabled(stubRegions),
			)

			if err := e.Initialize(target); err != nil {
				return fmt.Errorf("rvdbi: %w", err)
			}
			e.SetArgs(append([]string{target}, guestArgs...), os.Environ())
			e.EnableTraceLinking(traceLink)

			var bbCount *uint64
			if bbCountAddr != "" {
				addr, err := parseGuestAddr(bbCountAddr)
				if err != nil {
					return fmt.Errorf("rvdbi: --bb-count-addr: %w", err)
				}
				bbCount, err = registerBBCountDemo(e, addr)
				if err != nil {
					return fmt.Errorf("rvdbi: %w", err)
				}
			}

			var dumpTiming func(string) error
			if timingCSV != "" {
				var err error
				dumpTiming, err = registerTimingDemo(e)
				if err != nil {
					return fmt.Errorf("rvdbi: --timing-csv: %w", err)
				}
			}

			code, err := e.Run()
			if err != nil {
				return fmt.Errorf("rvdbi: %w", err)
			}
			if bbCount != nil {
				logger.Info().Str("addr", bbCountAddr).Uint64("count", *bbCount).Msg("bb-count-addr total")
			}
			if dumpTiming != nil {
				if err := dumpTiming(timingCSV); err != nil {
					return fmt.Errorf("rvdbi: --timing-csv: %w", err)
				}
				logger.Info().Str("path", timingCSV).Msg("per-block timing CSV written")
			}
			os.Exit(int(code))
			return nil
		},
	}
	runCmd.Flags().BoolVar(&traceLink, "trace-link", true, "Replace context-switch exits with direct cache-to-cache jumps where possible")
	runCmd.Flags().BoolVar(&stubRegions, "stub-regions", true, "Share one context-switch stub per target across call sites within reach")
	runCmd.Flags().IntVar(&cacheSize, "cache-size", codecache.DefaultCapacity, "Code cache capacity in bytes")
	runCmd.Flags().IntVar(&maxBlockLen, "max-block-len", 0, "Maximum instructions per cached block (0 = engine default)")
	runCmd.Flags().StringVar(&bbCountAddr, "bb-count-addr", "", "Guest address whose dynamic BB-entry count is logged at exit (demo instrumentation, hex or decimal)")
	runCmd.Flags().StringVar(&timingCSV, "timing-csv", "", "Write a per-block cycle-count CSV to this path at exit (demo instrumentation)")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose (debug-level) logging")

	rootCmd.AddCommand(runCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

// registerBBCountDemo wires the §8 scenario-1 demo: a RUNTIME BB POST
// callback that increments a counter each time the guest dynamically
// reaches addr. The caller logs the final value once Run returns.
func registerBBCountDemo(e *engine.Engine, addr uint64) (*uint64, error) {
	count := new(uint64)
	err := e.RegisterBB(api.PhasePOST, api.ModeRuntime, api.RuntimeOrAllocator{
		Runtime: func(guestAddr uint64) {
			if guestAddr == addr {
				*count++
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return count, nil
}

// timingRecord is one dynamic block execution's cycle span, as logged by
// registerTimingDemo's RUNTIME BB POST callback.
type timingRecord struct {
	addr   uint64
	cycles uint64
}

// registerTimingDemo wires the §8 scenario-3 demo: BB-scope inline PRE and
// POST sequences that each rdcycle the guest's cycle CSR into one of two
// reserved memory slots, plus a RUNTIME BB POST callback that reads both
// slots back (the same host address the guest sees, per the engine's
// untranslated-load/store transparency) and appends (bb.first_addr,
// t_post-t_pre) to an in-memory log. The returned func writes that log to
// csvPath once the guest has exited.
func registerTimingDemo(e *engine.Engine) (func(string) error, error) {
	slots, err := platform.MapAnonymousRW(16) // two adjacent uint64 slots: t_pre, t_post
	if err != nil {
		return nil, err
	}
	tPreAddr := uint64(platform.AddressOf(slots))
	tPostAddr := tPreAddr + 8

	stamp := func(phase api.Phase, slotAddr uint64) error {
		if err := e.InjectLoadImmediate(api.ScopeBB, phase, abi.ScratchReg, slotAddr); err != nil {
			return err
		}
		if err := e.InjectBB(phase, isa.Rdcycle(abi.ScratchReg2)); err != nil {
			return err
		}
		return e.InjectBB(phase, isa.Sd(abi.ScratchReg, abi.ScratchReg2, 0))
	}
	if err := stamp(api.PhasePRE, tPreAddr); err != nil {
		return nil, err
	}
	if err := stamp(api.PhasePOST, tPostAddr); err != nil {
		return nil, err
	}

	var log []timingRecord
	err = e.RegisterBB(api.PhasePOST, api.ModeRuntime, api.RuntimeOrAllocator{
		Runtime: func(addr uint64) {
			tPre := *(*uint64)(unsafe.Pointer(uintptr(tPreAddr)))
			tPost := *(*uint64)(unsafe.Pointer(uintptr(tPostAddr)))
			log = append(log, timingRecord{addr: addr, cycles: tPost - tPre})
		},
	})
	if err != nil {
		return nil, err
	}

	return func(csvPath string) error {
		f, err := os.Create(csvPath)
		if err != nil {
			return fmt.Errorf("creating %s: %w", csvPath, err)
		}
		defer f.Close()

		w := csv.NewWriter(f)
		if err := w.Write([]string{"bb_addr", "cycles"}); err != nil {
			return err
		}
		for _, rec := range log {
			row := []string{fmt.Sprintf("%#x", rec.addr), strconv.FormatUint(rec.cycles, 10)}
			if err := w.Write(row); err != nil {
				return err
			}
		}
		w.Flush()
		return w.Error()
	}, nil
}

func parseGuestAddr(s string) (uint64, error) {
	var addr uint64
	_, err := fmt.Sscanf(s, "0x%x", &addr)
	if err == nil {
		return addr, nil
	}
	_, err = fmt.Sscanf(s, "%d", &addr)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}
