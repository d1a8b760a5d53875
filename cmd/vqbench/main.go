// Command vqbench drives one virtqueue through many publish/complete
// rounds back-to-back and reports throughput, optionally capturing a CPU
// profile (github.com/pkg/profile), an always-on wall-clock profile
// (github.com/felixge/fgprof), or both, then summarizes the resulting
// pprof profile via github.com/google/pprof/profile.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/felixge/fgprof"
	gpprof "github.com/google/pprof/profile"
	"github.com/pkg/profile"

	"github.com/bobuhiro11/splitvq/virtqueue"
	"github.com/bobuhiro11/splitvq/vring"
)

type args struct {
	numDescs    uint
	rounds      uint
	profileMode string
	fgprofPath  string
}

func parseArgs(argv []string) (*args, error) {
	fs := flag.NewFlagSet("vqbench", flag.ExitOnError)
	c := &args{}

	fs.UintVar(&c.numDescs, "n", 256, "queue size (power of two)")
	fs.UintVar(&c.rounds, "rounds", 1_000_000, "number of publish/complete rounds")
	fs.StringVar(&c.profileMode, "profile", "", "cpu profile mode: \"\", \"cpu\"")
	fs.StringVar(&c.fgprofPath, "fgprof", "", "path to write an fgprof wall-clock profile, empty to disable")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}

	return c, nil
}

// runOnce drives rounds publish/complete cycles on a single same-process
// driver+device pair over plain heap memory (no cache/fence cost is
// relevant to a throughput measurement taken within one address space).
func runOnce(numDescs uint16, rounds uint) (time.Duration, error) {
	mem := make([]byte, vring.Size(numDescs, 4096))

	drv, err := virtqueue.New(virtqueue.Config{
		Name: "bench", Mem: mem, Align: 4096, NumDescs: numDescs, Role: virtqueue.RoleDriver,
	})
	if err != nil {
		return 0, err
	}

	dev, err := virtqueue.New(virtqueue.Config{
		Name: "bench", Mem: mem, Align: 4096, NumDescs: numDescs, Role: virtqueue.RoleDevice,
	})
	if err != nil {
		return 0, err
	}

	start := time.Now()

	for i := uint(0); i < rounds; i++ {
		if err := drv.AddBuffer([]virtqueue.Buffer{{Addr: uint64(i), Len: 64}}, 1, 0, uint32(i)); err != nil {
			return 0, fmt.Errorf("round %d: add_buffer: %w", i, err)
		}

		if err := drv.Kick(); err != nil {
			return 0, fmt.Errorf("round %d: kick: %w", i, err)
		}

		_, length, head, ok, err := dev.GetAvailable()
		if err != nil {
			return 0, fmt.Errorf("round %d: get_available: %w", i, err)
		}

		if !ok {
			return 0, fmt.Errorf("round %d: get_available: unexpectedly empty", i)
		}

		if err := dev.AddUsed(head, length); err != nil {
			return 0, fmt.Errorf("round %d: add_used: %w", i, err)
		}

		if _, _, _, ok, err := drv.GetBuffer(); err != nil || !ok {
			return 0, fmt.Errorf("round %d: get_buffer: ok=%v err=%v", i, ok, err)
		}
	}

	return time.Since(start), nil
}

func summarizeFgprof(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	prof, err := gpprof.Parse(f)
	if err != nil {
		return fmt.Errorf("parse fgprof output: %w", err)
	}

	log.Printf("vqbench: fgprof capture has %d samples across %d sample types", len(prof.Sample), len(prof.SampleType))

	return nil
}

func run(c *args) error {
	if c.profileMode == "cpu" {
		stop := profile.Start(profile.CPUProfile, profile.ProfilePath("."))
		defer stop.Stop()
	}

	var stopFgprof func() error

	if c.fgprofPath != "" {
		f, err := os.Create(c.fgprofPath)
		if err != nil {
			return fmt.Errorf("create fgprof output: %w", err)
		}
		defer f.Close()

		stopFgprof = fgprof.Start(f, fgprof.FormatPprof)
	}

	elapsed, err := runOnce(uint16(c.numDescs), c.rounds)
	if err != nil {
		return err
	}

	if stopFgprof != nil {
		if err := stopFgprof(); err != nil {
			return fmt.Errorf("stop fgprof: %w", err)
		}

		if err := summarizeFgprof(c.fgprofPath); err != nil {
			return err
		}
	}

	perRound := elapsed / time.Duration(c.rounds)
	log.Printf("vqbench: %d rounds in %s (%s/round, queue size %d)", c.rounds, elapsed, perRound, c.numDescs)

	return nil
}

func main() {
	c, err := parseArgs(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	if err := run(c); err != nil {
		log.Fatal(err)
	}
}
