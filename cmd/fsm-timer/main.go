// fsm-timer runs the timer machine from the command line, with optional
// telemetry, history and NATS exposure configured via the environment.
//
//	go run ./cmd/fsm-timer --time 500ms --repeat --runs 3
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/sync/errgroup"

	"github.com/pancsta/asyncfsm/examples/timer"
	"github.com/pancsta/asyncfsm/pkg/graph"
	amhelp "github.com/pancsta/asyncfsm/pkg/helpers"
	"github.com/pancsta/asyncfsm/pkg/history"
	amhistbolt "github.com/pancsta/asyncfsm/pkg/history/bbolt"
	amhistgorm "github.com/pancsta/asyncfsm/pkg/history/gorm"
	amnats "github.com/pancsta/asyncfsm/pkg/integrations/nats"
	am "github.com/pancsta/asyncfsm/pkg/machine"
	amtele "github.com/pancsta/asyncfsm/pkg/telemetry"
	amgrafana "github.com/pancsta/asyncfsm/pkg/telemetry/grafana"
	amprom "github.com/pancsta/asyncfsm/pkg/telemetry/prometheus"
)

const serviceName = "fsm_timer"

type Args struct {
	Time    time.Duration `arg:"-t,--time" default:"1s" help:"Timeout of a single run"`
	Repeat  bool          `arg:"-r,--repeat" help:"Restart the timer after firing"`
	Runs    int           `arg:"--runs" default:"1" help:"Max number of runs when repeating, 0 means unlimited"`
	Id      string        `arg:"--id" default:"timer" help:"ID of the machine"`
	Diagram bool          `arg:"--diagram" help:"Print a Mermaid diagram of the machine and exit"`
}

// Env is the environment config.
type Env struct {
	LogLevel       int    `env:"FSM_LOG"`
	MetricsAddr    string `env:"FSM_METRICS_ADDR"`
	PushGatewayUrl string `env:"FSM_PUSH_GATEWAY_URL"`
	// HistoryDump is a file path for a msgpack dump of the transition log.
	HistoryDump string `env:"FSM_HISTORY_DUMP"`
	// HistoryBolt is a bbolt DB path.
	HistoryBolt string `env:"FSM_HISTORY_BOLT"`
	// HistorySqlite is a SQLite DB name, without the extension.
	HistorySqlite string `env:"FSM_HISTORY_SQLITE"`
	OtelTrace     string `env:"FSM_OTEL_TRACE"`
	OtelTraceTxs  bool   `env:"FSM_OTEL_TRACE_TXS"`
	NatsUrl       string `env:"FSM_NATS_URL"`
	NatsTopic     string `env:"FSM_NATS_TOPIC, default=fsm"`
}

func init() {
	// load .env
	_ = godotenv.Load()
}

func main() {
	var args Args
	arg.MustParse(&args)

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	env := &Env{}
	if err := envconfig.Process(ctx, env); err != nil {
		log.Fatalf("failed to load config: %s", err)
	}

	if err := run(ctx, &args, env); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args *Args, env *Env) error {
	if args.Diagram {
		g, err := graph.New(timer.Definition)
		if err != nil {
			return err
		}
		diagram, err := g.Mermaid()
		if err != nil {
			return err
		}
		fmt.Print(diagram)

		return nil
	}

	mach := timer.New(&am.Opts{
		Id:       args.Id,
		LogLevel: am.LogLevel(env.LogLevel),
	})
	amhelp.MachDebugEnv(mach)
	eg, ctx := errgroup.WithContext(ctx)

	// TELEMETRY

	loki, err := amtele.BindLokiEnv(mach)
	if err != nil {
		return fmt.Errorf("loki: %w", err)
	}
	if loki != nil {
		defer loki.Close()
	}

	if env.OtelTrace != "" {
		provider, err := amtele.NewOtelProvider(ctx, serviceName, env.OtelTrace)
		if err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		tracer := amtele.NewOtelMachTracer(provider.Tracer(serviceName),
			&amtele.OtelMachTracerOpts{
				SkipTransitions: !env.OtelTraceTxs,
				Logf:            mach.Log,
			})
		mach.BindTracer(tracer)
		defer func() {
			tracer.End()
			_ = provider.Shutdown(context.Background())
		}()
	}

	if env.MetricsAddr != "" || env.PushGatewayUrl != "" {
		metrics := amprom.TransitionsToPrometheus(mach, 0)
		defer metrics.Close()
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.Collectors()...)

		if env.MetricsAddr != "" {
			serveMetrics(ctx, eg, env.MetricsAddr, reg)
		}
		if err := amgrafana.MachDashboardEnv(ctx, mach); err != nil {
			log.Printf("grafana: %s", err)
		}
		if env.PushGatewayUrl != "" {
			pusher := push.New(env.PushGatewayUrl, serviceName).Gatherer(reg)
			defer func() {
				if err := pusher.Push(); err != nil {
					log.Printf("push failed: %s", err)
				}
			}()
		}
	}

	// HISTORY

	hist := history.Track(mach, nil, 0)
	defer hist.Close()

	if env.HistoryBolt != "" {
		db, err := amhistbolt.NewDb(env.HistoryBolt)
		if err != nil {
			return fmt.Errorf("bbolt: %w", err)
		}
		defer db.Close()
		store, err := amhistbolt.NewStore(db, mach, amhistbolt.Config{}, nil)
		if err != nil {
			return fmt.Errorf("bbolt: %w", err)
		}
		defer store.Dispose()
	}

	if env.HistorySqlite != "" {
		db, dbSql, err := amhistgorm.NewSqlite(env.HistorySqlite, false)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		defer dbSql.Close()
		store, err := amhistgorm.NewStore(db, mach, amhistgorm.Config{}, nil)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		defer store.Dispose()
	}

	// NATS

	if env.NatsUrl != "" {
		nc, err := nats.Connect(env.NatsUrl)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nc.Close()
		if err := amnats.ExposeMachine(ctx, mach, nc, env.NatsTopic,
			""); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		amnats.PublishChanges(ctx, mach, nc, env.NatsTopic)
	}

	// RUN

	if err := mach.Start(); err != nil {
		return err
	}
	defer mach.Stop()

	runs := args.Runs
	if !args.Repeat {
		runs = 1
	}
	if err := mach.Send(timer.RunEvent(args.Time, args.Repeat, runs)); err != nil {
		return err
	}

	// wait for the last run, or an interrupt
	eg.Go(func() error {
		select {
		case <-ctx.Done():
			_ = mach.Send(am.Event{Type: timer.EvCancel})
		case <-amhelp.When(ctx, mach, timer.Idle):
		}

		return errStop
	})
	if err := eg.Wait(); err != nil && !errors.Is(err, errStop) {
		return err
	}

	fired := 0
	for _, e := range hist.Entries() {
		if e.To == timer.Fired {
			fired++
		}
	}
	fmt.Printf("fired %d time(s)\n", fired)

	if env.HistoryDump != "" {
		f, err := os.Create(env.HistoryDump)
		if err != nil {
			return err
		}
		defer f.Close()

		return hist.Dump(f)
	}

	return nil
}

// errStop ends the errgroup once the timer is done.
var errStop = errors.New("stop")

func serveMetrics(
	ctx context.Context, eg *errgroup.Group, addr string,
	reg *prometheus.Registry,
) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	eg.Go(func() error {
		fmt.Println("Starting metrics on " + addr)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})
}
