// Command klite-sim boots a kernel on the simulated port, runs the threads
// described by a YAML scenario for a while, then prints the thread table and
// heap statistics.
//
// Run with: go run ./cmd/klite-sim -scenario path/to/scenario.yaml
package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/joeycumines/go-klite"
	"github.com/joeycumines/go-klite/heap"
	"github.com/joeycumines/go-klite/port"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

//go:embed default.yaml
var defaultScenario []byte

func main() {
	var (
		path     = flag.String(`scenario`, ``, `scenario YAML file (defaults to a built-in demo)`)
		duration = flag.Duration(`duration`, 0, `override the scenario run duration`)
		tick     = flag.Duration(`tick`, 0, `override the scenario tick period`)
		level    = flag.String(`log`, ``, `override the scenario log level`)
	)
	flag.Parse()

	var (
		s   *Scenario
		err error
	)
	if *path != `` {
		s, err = LoadScenario(*path)
	} else {
		s, err = ParseScenario(defaultScenario)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "klite-sim: %v\n", err)
		os.Exit(2)
	}
	if *duration > 0 {
		s.Duration = *duration
	}
	if *tick > 0 {
		s.Tick = *tick
	}
	if *level != `` {
		s.LogLevel = *level
	}

	if err := run(context.Background(), s, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "klite-sim: %v\n", err)
		os.Exit(1)
	}
}

func parseLevel(s string) (logiface.Level, error) {
	for l := logiface.LevelDisabled; l <= logiface.LevelTrace; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("scenario: unknown log level %q", s)
}

func run(ctx context.Context, s *Scenario, stdout, stderr io.Writer) error {
	level, err := parseLevel(s.LogLevel)
	if err != nil {
		return err
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	sim, err := port.NewSim(port.WithTickPeriod(s.Tick))
	if err != nil {
		return err
	}
	k, err := klite.New(make([]byte, s.Arena), sim, klite.WithLogger(logger))
	if err != nil {
		return err
	}

	w, err := newWorld(k, s)
	if err != nil {
		return err
	}
	for _, spec := range s.Threads {
		if err := w.spawn(spec); err != nil {
			return fmt.Errorf("thread %q: %w", spec.Name, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.Duration)
	defer cancel()
	if err := k.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info().
		Uint64(`ticks`, k.TickCount64()).
		Uint64(`idle`, k.IdleTime()).
		Log(`scenario finished`)

	return report(stdout, k)
}

func report(w io.Writer, k *klite.Kernel) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPRIO\tSTATE\tTIME")
	for _, t := range k.Threads() {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\n", t.ID(), t.Name(), t.Priority(), t.State(), t.Time())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	st := k.HeapStats()
	_, err := fmt.Fprintf(w, "\nheap: total=%d available=%d min=%d largest=%d blocks=%d allocs=%d frees=%d\n",
		st.Total, st.Available, st.MinimumEverAvailable, st.LargestFree, st.FreeBlocks, st.Allocs, st.Frees)
	return err
}

// world holds the kernel objects a scenario refers to, by name.
type world struct {
	k       *klite.Kernel
	sems    map[string]*klite.Sem
	mutexes map[string]*klite.Mutex
	queues  map[string]*klite.MsgQueue
}

func newWorld(k *klite.Kernel, s *Scenario) (*world, error) {
	w := &world{
		k:       k,
		sems:    make(map[string]*klite.Sem, len(s.Sems)),
		mutexes: make(map[string]*klite.Mutex, len(s.Mutexes)),
		queues:  make(map[string]*klite.MsgQueue, len(s.Queues)),
	}
	for name, value := range s.Sems {
		sem, err := k.NewSem(uint32(value))
		if err != nil {
			return nil, fmt.Errorf("sem %q: %w", name, err)
		}
		w.sems[name] = sem
	}
	for _, name := range s.Mutexes {
		m, err := k.NewMutex()
		if err != nil {
			return nil, fmt.Errorf("mutex %q: %w", name, err)
		}
		w.mutexes[name] = m
	}
	for name, q := range s.Queues {
		mq, err := k.NewMsgQueue(q.Size, q.Depth)
		if err != nil {
			return nil, fmt.Errorf("queue %q: %w", name, err)
		}
		w.queues[name] = mq
	}
	return w, nil
}

func (x *world) spawn(spec ThreadSpec) error {
	opts := []klite.ThreadOption{
		klite.WithName(spec.Name),
		klite.WithPriority(klite.Priority(spec.Priority)),
	}
	if spec.Stack > 0 {
		opts = append(opts, klite.WithStackSize(spec.Stack))
	}
	_, err := x.k.NewThread(func() {
		var (
			blocks []heap.Ptr
			buf    []byte
			sent   int
		)
		for i := 0; spec.Repeat == 0 || i < spec.Repeat; i++ {
			for _, step := range spec.Steps {
				switch {
				case step.Sleep != 0:
					x.k.Sleep(step.Sleep)
				case step.Yield:
					x.k.Yield()
				case step.Post != ``:
					x.sems[step.Post].Post()
				case step.Wait != ``:
					x.sems[step.Wait].Wait()
				case step.Lock != ``:
					x.mutexes[step.Lock].Lock()
				case step.Unlock != ``:
					x.mutexes[step.Unlock].Unlock()
				case step.Send != ``:
					q := x.queues[step.Send]
					sent++
					msg := fmt.Appendf(nil, "%s#%d", spec.Name, sent)
					if len(msg) > q.MsgSize() {
						msg = msg[:q.MsgSize()]
					}
					_, _ = q.Send(msg, klite.WaitForever)
				case step.Recv != ``:
					q := x.queues[step.Recv]
					if len(buf) < q.MsgSize() {
						buf = make([]byte, q.MsgSize())
					}
					if _, ok := q.Recv(buf, klite.WaitForever); ok {
						q.TaskDone()
					}
				case step.Alloc != 0:
					if p := x.k.Alloc(step.Alloc); p != heap.Nil {
						blocks = append(blocks, p)
					}
				case step.Free:
					if n := len(blocks); n != 0 {
						x.k.Free(blocks[n-1])
						blocks = blocks[:n-1]
					}
				}
			}
		}
	}, opts...)
	return err
}
