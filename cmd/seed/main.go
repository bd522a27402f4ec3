// seed inserts a handful of example jobs and one cron entry into the local
// dev database, for exercising the Worker/Scheduler/Callback loop against a
// locally running gateway (see GATEWAY_BASE_URL / DEV_MAP).
// Run: go run ./cmd/seed
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/store"
)

type jobSpec struct {
	taskIdentifier string
	databaseID     string
	payload        map[string]any
	maxAttempts    int
}

var jobs = []jobSpec{
	{"send-welcome-email", "seed-db", map[string]any{"userId": "user-1", "email": "test1@example.com"}, 25},
	{"send-welcome-email", "seed-db", map[string]any{"userId": "user-2", "email": "test2@example.com"}, 25},
	{"generate-invoice-pdf", "seed-db", map[string]any{"invoiceId": "inv-1001"}, 10},
	{"sync-contact-to-crm", "seed-db", map[string]any{"contactId": "c-42"}, 5},
	{"unsupported-legacy-task", "seed-db", map[string]any{"note": "exercises the unsupported-task fail path"}, 25},
}

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	schema := os.Getenv("JOBS_SCHEMA")
	if schema == "" {
		schema = "app_jobs"
	}

	pool, err := store.NewPool(ctx, dbURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	st := store.NewPostgresStore(pool, schema, logger)

	runAt := time.Now().Add(10 * time.Second)
	var ids []string
	for _, spec := range jobs {
		payload, err := json.Marshal(spec.payload)
		if err != nil {
			log.Fatalf("marshal payload for %s: %v", spec.taskIdentifier, err)
		}
		id, err := st.AddJob(ctx, spec.databaseID, spec.taskIdentifier, payload, store.AddJobInput{
			MaxAttempts: spec.maxAttempts,
			RunAt:       runAt,
		})
		if err != nil {
			log.Fatalf("add job %s: %v", spec.taskIdentifier, err)
		}
		ids = append(ids, id)
	}

	catchUp := false
	reportPayload, _ := json.Marshal(map[string]any{"report": "nightly-summary"})
	if err := st.AddCronEntry(ctx, &domain.CronEntry{
		Identifier:     "nightly-report",
		TaskIdentifier: "generate-nightly-report",
		Payload:        reportPayload,
		DatabaseID:     "seed-db",
		Schedule:       "0 2 * * *",
		NextRunAt:      time.Now().Add(time.Minute),
		CatchUp:        &catchUp,
	}); err != nil {
		log.Fatalf("add cron entry: %v", err)
	}

	fmt.Println("Seed complete")
	fmt.Println()
	fmt.Printf("  Jobs created: %d, scheduled at %s\n", len(ids), runAt.Format(time.RFC3339))
	fmt.Println("  Cron entry:   nightly-report (0 2 * * *)")
	fmt.Println()
	fmt.Println("  Sample job IDs:")
	for _, id := range ids {
		fmt.Printf("    %s\n", id)
	}
	fmt.Println()
	fmt.Println("Point GATEWAY_BASE_URL (or DEV_MAP) at a local HTTP server that accepts")
	fmt.Println("POSTs to /send-welcome-email, /generate-invoice-pdf, /sync-contact-to-crm")
	fmt.Println("to watch jobs complete end to end; unsupported-legacy-task is intentionally")
	fmt.Println("absent from SUPPORTED_TASKS and exercises the immediate-fail path.")
}
