package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	_ "github.com/bigbag/cannuccia-flasher/internal/backends"
	"github.com/bigbag/cannuccia-flasher/internal/discover"
	"github.com/bigbag/cannuccia-flasher/internal/engine"
	"github.com/bigbag/cannuccia-flasher/internal/log"
	"github.com/bigbag/cannuccia-flasher/internal/tui"
)

var (
	backendFlag         string
	interfaceFlag       string
	tuiFlag             bool
	verboseFlag         bool
	deviceCacheFlag     string
	discoverTimeoutFlag time.Duration
)

// exit codes per the documented CLI contract: 0 success, 1 init failure
// (engine/backend wouldn't open, or an operation failed), 2 parse error
// (a positional operation string couldn't be understood).
const (
	exitOK         = 0
	exitInitFailed = 1
	exitParseError = 2
)

func main() {
	root := &cobra.Command{
		Use:   "cannuccia-flasher <operation>...",
		Short: "Drive CANnuccia bootloaders over a CAN bus",
		Long: `cannuccia-flasher unlocks, locks, and flashes a fleet of CANnuccia
bootloaders without blocking the whole fleet on one slow device.

Operations are given positionally and run in the order given:

  start+<id>[,<id>...]   unlock the listed devices
  start+all              discover every responding device, then unlock them
  stop+<id>[,<id>...]    lock the listed devices
  stop+all               discover every responding device, then lock them
  flash+<id>+<elf-path>  flash an ELF image onto one device

Device ids are hex without a leading 0x, e.g. start+05,0a,10.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	root.PersistentFlags().StringVarP(&backendFlag, "backend", "b", "", "CAN backend: socketcan, slcan, or wsbridge")
	root.PersistentFlags().StringVarP(&interfaceFlag, "interface", "i", "", "backend-specific target (interface name, serial path, or ws:// URL)")
	root.PersistentFlags().BoolVar(&tuiFlag, "tui", false, "render progress with an interactive bubbletea view instead of plain bars")
	root.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&deviceCacheFlag, "device-cache", defaultDeviceCachePath(), "path to the on-disk device stats cache (empty disables it)")
	root.PersistentFlags().DurationVar(&discoverTimeoutFlag, "discover-timeout", 2*time.Second, "how long start+all/stop+all wait for the last responder")

	if err := root.Execute(); err != nil {
		if _, ok := err.(*parseError); ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitParseError)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInitFailed)
	}
}

func defaultDeviceCachePath() string {
	cacheHome, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return cacheHome + "/cannuccia-flasher/devices.cbor"
}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }

type plannedOp struct {
	kind string // "start", "stop", "flash"
	ids  []uint8
	all  bool
	path string
}

func parseOperations(args []string) ([]plannedOp, error) {
	ops := make([]plannedOp, 0, len(args))
	for _, arg := range args {
		parts := strings.Split(arg, "+")
		switch parts[0] {
		case "start", "stop":
			if len(parts) != 2 {
				return nil, &parseError{fmt.Sprintf("%s: want %s+<id>[,<id>...] or %s+all", arg, parts[0], parts[0])}
			}
			if parts[1] == "all" {
				ops = append(ops, plannedOp{kind: parts[0], all: true})
				continue
			}
			ids, err := parseIDList(parts[1])
			if err != nil {
				return nil, &parseError{fmt.Sprintf("%s: %v", arg, err)}
			}
			ops = append(ops, plannedOp{kind: parts[0], ids: ids})
		case "flash":
			if len(parts) != 3 {
				return nil, &parseError{fmt.Sprintf("%s: want flash+<id>+<elf-path>", arg)}
			}
			ids, err := parseIDList(parts[1])
			if err != nil || len(ids) != 1 {
				return nil, &parseError{fmt.Sprintf("%s: flash takes exactly one device id", arg)}
			}
			ops = append(ops, plannedOp{kind: "flash", ids: ids, path: parts[2]})
		default:
			return nil, &parseError{fmt.Sprintf("%s: unknown operation %q (want start, stop, or flash)", arg, parts[0])}
		}
	}
	return ops, nil
}

func parseIDList(s string) ([]uint8, error) {
	fields := strings.Split(s, ",")
	ids := make([]uint8, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid device id %q: %w", f, err)
		}
		ids = append(ids, uint8(v))
	}
	return ids, nil
}

func run(cmd *cobra.Command, args []string) error {
	ops, err := parseOperations(args)
	if err != nil {
		return err
	}

	if backendFlag == "" || interfaceFlag == "" {
		return fmt.Errorf("--backend and --interface are both required")
	}

	level := logrus.InfoLevel
	if verboseFlag {
		level = logrus.DebugLevel
	}
	logger := log.NewLogrus(level)

	eng, err := engine.New(
		engine.WithBackend(backendFlag),
		engine.WithInterface(interfaceFlag),
		engine.WithLogger(logger),
		engine.WithDeviceCachePath(deviceCacheFlag),
	)
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	defer eng.Close()

	var updates chan tui.Update
	var tuiDone chan error
	if tuiFlag {
		updates = make(chan tui.Update, 256)
		tuiDone = make(chan error, 1)
		go func() { tuiDone <- tui.Run(updates) }()
	}

	failed := false
	for _, op := range ops {
		if err := runOne(eng, op, updates); err != nil {
			logger.Error("operation failed", "op", op.kind, "err", err)
			failed = true
		}
	}

	if tuiFlag {
		close(updates)
		<-tuiDone
	}

	if failed {
		return fmt.Errorf("one or more operations failed")
	}
	return nil
}

func runOne(eng *engine.Engine, op plannedOp, updates chan tui.Update) error {
	ids := op.ids
	if op.all {
		ctx, cancel := context.WithTimeout(context.Background(), discoverTimeoutFlag+2*time.Second)
		defer cancel()
		found, err := discover.Scan(ctx, eng, 0x00, 0xFE, discoverTimeoutFlag)
		if err != nil && len(found) == 0 {
			return fmt.Errorf("discovery: %w", err)
		}
		ids = make([]uint8, len(found))
		for i, f := range found {
			ids[i] = f.DevID
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if len(ids) == 0 {
			fmt.Printf("%s+all: no devices responded\n", op.kind)
			return nil
		}
	}

	switch op.kind {
	case "start":
		return runProgress(ids[0], fmt.Sprintf("start %v", ids), updates, func(cb func(string, int)) {
			eng.StartDevices(ids, cb)
		})
	case "stop":
		return runProgress(ids[0], fmt.Sprintf("stop %v", ids), updates, func(cb func(string, int)) {
			eng.StopDevices(ids, cb)
		})
	case "flash":
		elfBytes, err := os.ReadFile(op.path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", op.path, err)
		}
		return runProgress(ids[0], fmt.Sprintf("flash 0x%02X <- %s", ids[0], op.path), updates, func(cb func(string, int)) {
			eng.FlashELF(ids[0], elfBytes, cb)
		})
	default:
		return fmt.Errorf("unreachable: unknown op kind %q", op.kind)
	}
}

// runProgress drives one operation to completion, rendering either the
// plain schollz/progressbar line (default) or feeding the shared
// bubbletea updates channel when --tui is set. enqueue must call exactly
// one of eng.StartDevices/StopDevices/FlashELF with the wrapped callback.
// devID only labels the TUI's row for bulk start/stop: the scheduler
// serializes operations, so a single row per invocation is enough.
func runProgress(devID uint8, label string, updates chan tui.Update, enqueue func(cb func(string, int))) error {
	done := make(chan error, 1)
	var once sync.Once

	var bar *progressbar.ProgressBar
	if updates == nil {
		bar = progressbar.NewOptions(100,
			progressbar.OptionSetDescription(label),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	enqueue(func(message string, progress int) {
		if updates != nil {
			updates <- tui.Update{DevID: devID, Op: label, Pct: progress}
		} else {
			bar.Describe(fmt.Sprintf("%s: %s", label, message))
			if progress >= 0 {
				bar.Set(clampBar(progress))
			}
		}

		if progress >= 100 {
			once.Do(func() { done <- nil })
		} else if progress < 0 {
			once.Do(func() {
				done <- fmt.Errorf("%s: terminal error code %d: %s", label, progress, message)
			})
		}
	})

	err := <-done
	if updates == nil {
		bar.Finish()
		fmt.Println()
	}
	return err
}

func clampBar(progress int) int {
	if progress > 100 {
		return 100
	}
	return progress
}
