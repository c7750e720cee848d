package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/escore/adapters/nats"
	"github.com/codewandler/escore/core/es"
	"github.com/codewandler/escore/internal/config"
	"github.com/codewandler/escore/internal/domain"
)

// NOTE: run nats: docker run -v "/tmp/nats/jetstream:/tmp/nats/jetstream" --net=host nats:latest -js

type Config struct {
	Log  config.Log
	NATS config.NATS

	N         int    `env:"N" envDefault:"50000"`
	BatchSize int    `env:"B" envDefault:"1000"`
	Workers   int    `env:"WORKERS" envDefault:"4"`
	Backend   string `env:"BACKEND" envDefault:"nats"`

	// Snapshot is "none", "same" or "external".
	Snapshot      string        `env:"SNAPSHOT" envDefault:"external"`
	SnapshotEvery int           `env:"SNAPSHOT_EVERY" envDefault:"100"`
	LoadAfterSave bool          `env:"LOAD_AFTER_SAVE" envDefault:"false"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"120s"`
}

func main() {
	var cfg Config
	checkErr(config.ParseEnv(&cfg))

	log := cfg.Log.NewLogger()

	fmt.Printf("Snapshot: %s (every %d)\n", cfg.Snapshot, cfg.SnapshotEvery)
	fmt.Printf("Backend:  %s\n", cfg.Backend)
	fmt.Printf("Workers:  %d\n", cfg.Workers)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	eventLog, closeLog := createLog(ctx, log, cfg)
	defer closeLog()

	codec := domain.NewCodec()
	h := es.NewCommandHandler(createStrategy(eventLog, codec, log, cfg), domain.Decider(), es.WithLog(log))

	// === START ===

	log.Info("==================================")
	log.Info("Starting ...")

	var (
		runID   = gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 8)
		written atomic.Int64
		startAt = time.Now()
		done    = make(chan struct{})
	)

	go report(cfg, &written, done)

	eg, ctx := errgroup.WithContext(ctx)
	perWorker := cfg.N / max(cfg.Workers, 1)
	for w := range max(cfg.Workers, 1) {
		stream := domain.Stream(fmt.Sprintf("load-%s-%d", runID, w))
		eg.Go(func() error {
			return drive(ctx, h, stream, perWorker, cfg.LoadAfterSave, &written)
		})
	}
	err := eg.Wait()
	close(done)
	checkErr(err)

	// === stats ===
	println("")
	println("==========================================")

	took := time.Since(startAt)
	runtime.GC()

	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("       events: %d\n", written.Load())
	fmt.Printf("avg. writes/s: %d\n", int(float64(written.Load())/took.Seconds()))
}

// drive opens stream and sends n commands to it, resetting the counter
// whenever it would overflow.
func drive(
	ctx context.Context,
	h *es.CommandHandler[domain.State, domain.Command],
	stream string,
	n int,
	loadAfterSave bool,
	written *atomic.Int64,
) error {
	res, err := h.Handle(ctx, stream, domain.Open{ID: stream}, es.WithExpectedRevision(es.NoStream()))
	if err != nil {
		return err
	}
	written.Add(1)
	expected := res.NextExpectedRevision
	value := res.State.Value

	for i := 1; i < n; i++ {
		var cmd domain.Command = domain.Increment{By: 1}
		if value >= domain.MaxValue {
			cmd = domain.ResetCounter{Reason: "wrap"}
		}
		res, err := h.Handle(ctx, stream, cmd, es.WithExpectedRevision(es.ExactRevision(expected)))
		if err != nil {
			return fmt.Errorf("%s command %d: %w", stream, i, err)
		}
		if res.SnapshotErr != nil {
			return res.SnapshotErr
		}
		expected, value = res.NextExpectedRevision, res.State.Value
		written.Add(int64(len(res.NewEvents)))

		if loadAfterSave {
			state, _, err := h.Aggregate(ctx, stream)
			if err != nil {
				return err
			}
			if state.Value != value {
				return fmt.Errorf("%s: loaded value %d, expected %d", stream, state.Value, value)
			}
		}
	}
	return nil
}

func report(cfg Config, written *atomic.Int64, done <-chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var (
		lastTime  = time.Now()
		lastCount int64
	)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		n := written.Load()
		if n-lastCount < int64(cfg.BatchSize) {
			continue
		}
		mu := getMemUsage()
		now := time.Now()
		took := now.Sub(lastTime)
		fmt.Printf(" | %5d events | %6d ms |  %6d events/s | (%d / %d) MiB mem (sys) |\n", n-lastCount, took.Milliseconds(), int(float64(n-lastCount)/took.Seconds()), mu.Alloc/1024/1024, mu.Sys/1024/1024)
		lastTime, lastCount = now, n
	}
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

// === wiring ===

func createLog(ctx context.Context, log *slog.Logger, cfg Config) (es.EventLog, func()) {
	switch cfg.Backend {
	case "nats":
		l, err := nats.NewEventLog(ctx, nats.EventLogConfig{
			Connect:       nats.ConnectConfig(cfg.NATS),
			Log:           log,
			StreamName:    "ESCORE_LOADTEST",
			SubjectPrefix: "escore.loadtest",
		})
		checkErr(err)
		return l, l.Close
	default:
		return es.NewInMemoryLog(es.WithLog(log)), func() {}
	}
}

func createStrategy(l es.EventLog, codec *es.Codec, log *slog.Logger, cfg Config) es.SnapshotStrategy {
	opts := []es.SnapshotOption{es.WithLog(log), es.WithSnapshotCadence(es.EveryNEvents(cfg.SnapshotEvery))}
	switch cfg.Snapshot {
	case "same":
		return es.SameStreamSnapshots(l, codec, domain.SnapshotBuilder(), opts...)
	case "external":
		return es.ExternalStreamSnapshots(l, codec, domain.SnapshotBuilder(), opts...)
	default:
		return es.NoSnapshots(l, codec, es.WithLog(log))
	}
}

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
