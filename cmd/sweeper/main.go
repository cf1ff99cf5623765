// Command sweeper scans for saga runs that stopped moving and optionally
// re-dispatches them to the destination their state calls for. A saga goes
// stale when a publish was lost after persisting or a stage service died
// holding a message; re-dispatching is safe because replays are dropped as
// duplicates downstream.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/orchestrated/orchestrator/internal/event"
	"github.com/orchestrated/orchestrator/internal/repository"
	"github.com/orchestrated/orchestrator/internal/topology"
	"github.com/orchestrated/orchestrator/internal/transport"
)

type sweeperConfig struct {
	DBURL      string
	RedisAddr  string
	Threshold  time.Duration
	Limit      int
	Verbose    bool
	Redispatch bool
	ReportPath string
	Cron       string
}

type stuckSaga struct {
	TransactionID string `json:"transactionId"`
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	AgeSeconds    int64  `json:"ageSeconds"`
	Destination   string `json:"destination,omitempty"`
	Redispatched  bool   `json:"redispatched"`
}

type sweepReport struct {
	GeneratedAt  string      `json:"generatedAt"`
	Threshold    string      `json:"threshold"`
	Stuck        []stuckSaga `json:"stuck"`
	Redispatched int         `json:"redispatchedCount"`
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
	exitFunc(code)
}

func parseFlags(args []string) (sweeperConfig, error) {
	fs := flag.NewFlagSet("sweeper", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg sweeperConfig
	fs.StringVar(&cfg.DBURL, "db-url", "", "PostgreSQL connection string")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "Redis address for re-dispatching")
	fs.DurationVar(&cfg.Threshold, "threshold", 5*time.Minute, "age after which a non-terminal saga counts as stuck")
	fs.IntVar(&cfg.Limit, "limit", 100, "max sagas per sweep")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show detailed progress")
	fs.BoolVar(&cfg.Redispatch, "redispatch", false, "re-publish stuck sagas to their pending destination")
	fs.StringVar(&cfg.ReportPath, "report", "", "write JSON report to file")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled sweeps")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.DBURL) == "" {
		return cfg, errors.New("missing required --db-url")
	}
	if cfg.Redispatch && strings.TrimSpace(cfg.RedisAddr) == "" {
		return cfg, errors.New("--redispatch requires --redis-addr")
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if strings.TrimSpace(cfg.Cron) != "" {
		return runScheduled(ctx, cfg, out, errOut, opener)
	}

	return runOnce(ctx, cfg, out, errOut, opener)
}

func runOnce(ctx context.Context, cfg sweeperConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	db, err := opener(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	dbPingCtx, dbPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping database: %v\n", err)
		return 2
	}

	var pub *transport.Bus
	if cfg.Redispatch {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		pub = transport.NewBus(redisClient)
	}

	code, err := runWithDB(ctx, db, pub, cfg, out, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		if code == 0 {
			code = 2
		}
	}
	return code
}

func runScheduled(ctx context.Context, cfg sweeperConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting scheduled sweeps...")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if code := runOnce(ctx, cfg, out, errOut, opener); code == 2 {
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if cfg.Verbose {
			fmt.Fprintln(out, "Running scheduled sweep...")
		}
		if code := runOnce(ctx, cfg, out, errOut, opener); code != 0 {
			fmt.Fprintf(errOut, "scheduled sweep exited with code %d\n", code)
		}
	}))

	c.Start()
	<-ctx.Done()
	c.Stop()
	return 0
}

func runWithDB(ctx context.Context, db *sql.DB, pub *transport.Bus, cfg sweeperConfig, out, errOut io.Writer) (int, error) {
	if cfg.Verbose {
		fmt.Fprintln(out, "Scanning for stuck sagas...")
	}

	repo := repository.NewEventRepository(db)
	now := time.Now().UnixMilli()
	cutoff := now - cfg.Threshold.Milliseconds()
	stuck, err := repo.FindStuck(ctx, cutoff, cfg.Limit)
	if err != nil {
		return 2, fmt.Errorf("failed to query stuck sagas: %w", err)
	}

	topo := topology.Default()
	report := sweepReport{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Threshold:   cfg.Threshold.String(),
		Stuck:       []stuckSaga{},
	}

	for _, ev := range stuck {
		entry := stuckSaga{
			TransactionID: ev.TransactionID,
			OrderID:       ev.OrderID,
			Status:        string(ev.Status),
			AgeSeconds:    (now - ev.UpdatedAtMs) / 1000,
		}

		destination, destErr := pendingDestination(topo, ev)
		if destErr != nil {
			fmt.Fprintf(errOut, "✗ %s: cannot derive destination: %v\n", ev.TransactionID, destErr)
			report.Stuck = append(report.Stuck, entry)
			continue
		}
		entry.Destination = destination

		if pub != nil {
			data, err := event.Marshal(ev)
			if err != nil {
				fmt.Fprintf(errOut, "✗ %s: encode: %v\n", ev.TransactionID, err)
			} else if err := pub.Publish(ctx, destination, data); err != nil {
				fmt.Fprintf(errOut, "✗ %s: re-dispatch to %s: %v\n", ev.TransactionID, destination, err)
			} else {
				entry.Redispatched = true
				report.Redispatched++
				if cfg.Verbose {
					fmt.Fprintf(out, "re-dispatched %s to %s\n", ev.TransactionID, destination)
				}
			}
		}
		report.Stuck = append(report.Stuck, entry)
	}

	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, report); err != nil {
			return 2, fmt.Errorf("failed to write report: %w", err)
		}
	}

	if len(report.Stuck) == 0 {
		fmt.Fprintf(out, "✓ No stuck sagas older than %s\n", cfg.Threshold)
		return 0, nil
	}

	for _, entry := range report.Stuck {
		marker := "✗"
		if entry.Redispatched {
			marker = "↻"
		}
		fmt.Fprintf(out, "%s transactionId=%s orderId=%s status=%s age=%ds destination=%s\n",
			marker, entry.TransactionID, entry.OrderID, entry.Status, entry.AgeSeconds, entry.Destination)
	}
	if pub != nil && report.Redispatched == len(report.Stuck) {
		return 0, nil
	}
	return 1, nil
}

// pendingDestination recovers where a stalled saga was headed. The newest
// history entry is the step the controller last applied, so routing it
// again yields the destination of the publish that never landed. A saga
// whose trail holds only the start entry goes to the first stage.
func pendingDestination(topo *topology.Topology, ev *event.Event) (string, error) {
	last := ev.LastHistory()
	if last.Source == "" {
		return "", fmt.Errorf("empty history")
	}
	if last.Source == event.SourceOrchestrator {
		if ev.Status != event.StatusPending {
			return "", fmt.Errorf("unexpected state %s/%s", last.Source, ev.Status)
		}
		return topo.First().SuccessTopic, nil
	}
	action, err := topo.Route(last.Source, last.Status)
	if err != nil {
		return "", err
	}
	return action.Destination, nil
}

func writeReport(path string, report sweepReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
