package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/orchestrated/orchestrator/internal/event"
	"github.com/orchestrated/orchestrator/internal/topology"
	"github.com/orchestrated/orchestrator/internal/transport"
)

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{
		"--db-url", "postgres://localhost/saga",
		"--redis-addr", "localhost:6379",
		"--threshold", "90s",
		"--verbose", "--redispatch",
		"--report", "sweep.json",
		"--cron", "*/5 * * * *",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.DBURL != "postgres://localhost/saga" {
		t.Fatalf("unexpected db url: %s", cfg.DBURL)
	}
	if cfg.Threshold != 90*time.Second {
		t.Fatalf("unexpected threshold: %s", cfg.Threshold)
	}
	if !cfg.Verbose || !cfg.Redispatch {
		t.Fatalf("expected verbose and redispatch set")
	}
	if cfg.ReportPath != "sweep.json" || cfg.Cron != "*/5 * * * *" {
		t.Fatalf("expected report path and cron set")
	}

	if _, err := parseFlags([]string{}); err == nil {
		t.Fatalf("expected error for missing db url")
	}
	if _, err := parseFlags([]string{"--db-url", "x", "--redispatch"}); err == nil {
		t.Fatalf("expected error for redispatch without redis addr")
	}
}

func stuckEvent(t *testing.T, lastSource string, lastStatus, status event.Status) *event.Event {
	t.Helper()
	ev := event.NewSagaEvent("order-1", event.Order{ID: "order-1"})
	if lastSource != event.SourceOrchestrator {
		ev.AppendHistory(lastSource, lastStatus, "x", ev.CreatedAtMs+1)
	}
	ev.Status = status
	ev.Version = 1
	return ev
}

func TestPendingDestination(t *testing.T) {
	topo := topology.Default()

	cases := []struct {
		name string
		ev   *event.Event
		want string
	}{
		{
			name: "fresh saga goes to first stage",
			ev:   stuckEvent(t, event.SourceOrchestrator, event.StatusPending, event.StatusPending),
			want: topo.First().SuccessTopic,
		},
		{
			name: "advance resumes at next stage",
			ev:   stuckEvent(t, "PRODUCT_VALIDATION_SERVICE", event.StatusSuccess, event.StatusPending),
			want: "payment-success",
		},
		{
			name: "compensation resumes at previous stage",
			ev:   stuckEvent(t, "PAYMENT_SERVICE", event.StatusFail, event.StatusRollbackPending),
			want: "product-validation-fail",
		},
	}
	for _, tc := range cases {
		got, err := pendingDestination(topo, tc.ev)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}

	if _, err := pendingDestination(topo, &event.Event{}); err == nil {
		t.Fatalf("expected error for empty history")
	}
}

func stuckRows(t *testing.T, events ...*event.Event) *sqlmock.Rows {
	t.Helper()
	rows := sqlmock.NewRows([]string{
		"transaction_id", "event_id", "order_id", "payload", "source", "status",
		"history", "version", "created_at_ms", "updated_at_ms",
	})
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		history, err := json.Marshal(ev.History)
		if err != nil {
			t.Fatalf("marshal history: %v", err)
		}
		rows.AddRow(ev.TransactionID, ev.ID, ev.OrderID, payload, ev.Source, string(ev.Status),
			history, ev.Version, ev.CreatedAtMs, ev.UpdatedAtMs)
	}
	return rows
}

func TestRunWithDB_NoStuckSagas(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM saga.events").
		WillReturnRows(stuckRows(t))

	var out, errOut bytes.Buffer
	code, err := runWithDB(context.Background(), db, nil, sweeperConfig{Threshold: 5 * time.Minute, Limit: 100}, &out, &errOut)
	if err != nil {
		t.Fatalf("runWithDB: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(out.String(), "No stuck sagas") {
		t.Fatalf("unexpected output: %s", out.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunWithDB_ListsStuckSagas(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	ev := stuckEvent(t, "PRODUCT_VALIDATION_SERVICE", event.StatusSuccess, event.StatusPending)
	mock.ExpectQuery("SELECT (.+) FROM saga.events").
		WillReturnRows(stuckRows(t, ev))

	dir := t.TempDir()
	reportPath := filepath.Join(dir, "sweep.json")

	var out, errOut bytes.Buffer
	code, err := runWithDB(context.Background(), db, nil, sweeperConfig{
		Threshold:  time.Minute,
		Limit:      100,
		ReportPath: reportPath,
	}, &out, &errOut)
	if err != nil {
		t.Fatalf("runWithDB: %v", err)
	}
	if code != 1 {
		t.Fatalf("expected exit 1 for unresolved stuck sagas, got %d", code)
	}
	if !strings.Contains(out.String(), ev.TransactionID) {
		t.Fatalf("expected transaction id in output: %s", out.String())
	}
	if !strings.Contains(out.String(), "payment-success") {
		t.Fatalf("expected derived destination in output: %s", out.String())
	}

	data, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var report sweepReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.Stuck) != 1 || report.Stuck[0].TransactionID != ev.TransactionID {
		t.Fatalf("unexpected report: %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunWithDB_Redispatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	ev := stuckEvent(t, "PAYMENT_SERVICE", event.StatusFail, event.StatusRollbackPending)
	mock.ExpectQuery("SELECT (.+) FROM saga.events").
		WillReturnRows(stuckRows(t, ev))

	var out, errOut bytes.Buffer
	code, err := runWithDB(context.Background(), db, transport.NewBus(redisClient), sweeperConfig{
		Threshold:  time.Minute,
		Limit:      100,
		Redispatch: true,
	}, &out, &errOut)
	if err != nil {
		t.Fatalf("runWithDB: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit 0 after full re-dispatch, got %d", code)
	}

	entries, err := redisClient.XRange(context.Background(), "product-validation-fail", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 re-dispatched message, got %d", len(entries))
	}
	redisEv, err := event.Unmarshal([]byte(entries[0].Values["data"].(string)))
	if err != nil {
		t.Fatalf("unmarshal re-dispatched event: %v", err)
	}
	if redisEv.TransactionID != ev.TransactionID || redisEv.Status != event.StatusRollbackPending {
		t.Fatalf("unexpected re-dispatched event: %+v", redisEv)
	}
}
