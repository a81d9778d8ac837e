package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nimavakil1/recon_backend/config"
	"github.com/nimavakil1/recon_backend/ledger"
	"github.com/nimavakil1/recon_backend/models"
	"github.com/nimavakil1/recon_backend/models/reports"
	"github.com/nimavakil1/recon_backend/recon"
)

// recon-pass runs one reconciliation pass over a file of already-parsed
// marketplace records. Everything is env-driven:
//
//	RECON_INPUT_FILE    path to a JSON array of raw source records (required)
//	RECON_LOCK_DATE     accounting lock date, YYYY-MM-DD (required)
//	RECON_DRY_RUN       default 1; set 0 to execute corrections
//	RECON_DEADLINE_SECONDS  optional pass deadline
//	RECON_REPORT_XLSX   optional path for the XLSX audit report
//	RECON_SKIP_DB       set 1 for a stateless run without MySQL/Redis
//	LEDGER_API_BASE_URL, LEDGER_API_KEY  ledger bridge connection
func main() {
	policy, err := config.LoadPolicyFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid policy configuration: %v\n", err)
		os.Exit(1)
	}

	inputFile := strings.TrimSpace(os.Getenv("RECON_INPUT_FILE"))
	if inputFile == "" {
		fmt.Fprintln(os.Stderr, "RECON_INPUT_FILE is required")
		os.Exit(1)
	}
	rawBytes, err := os.ReadFile(inputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read input file: %v\n", err)
		os.Exit(1)
	}
	var rawRecords []models.RawSourceRecord
	if err := json.Unmarshal(rawBytes, &rawRecords); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse input file: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if v := strings.TrimSpace(os.Getenv("RECON_DEADLINE_SECONDS")); v != "" {
		var seconds int
		if _, err := fmt.Sscanf(v, "%d", &seconds); err == nil && seconds > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
			defer cancel()
		}
	}

	deps := recon.EngineDeps{Logger: config.GetLogger()}

	skipDB := os.Getenv("RECON_SKIP_DB") == "1"
	if !skipDB {
		config.ConnectDatabaseWithRetry()
		db := config.GetDB()
		models.MigrateTable(db)
		deps.DB = db

		config.ConnectRedisWithRetry(ctx)
		deps.Locker = config.GetRedisLock()
	}

	client, err := ledger.NewClient(ledger.DefaultRefNormalizer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledger client: %v\n", err)
		os.Exit(1)
	}
	// Authentication/connectivity failure at start-up is fatal to the run.
	if err := client.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ledger unreachable: %v\n", err)
		os.Exit(1)
	}
	deps.Port = client

	engine := recon.NewEngine(policy, deps)
	report, err := engine.RunPass(ctx, rawRecords)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pass aborted: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(report.Summary())

	if xlsx := strings.TrimSpace(os.Getenv("RECON_REPORT_XLSX")); xlsx != "" {
		if err := reports.ExportRunReportExcel(report, xlsx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write XLSX report: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("audit report written to %s\n", xlsx)
	}
}
