package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"bitbucket.org/mmdatafocus/ledger_backend/workflow"
	"github.com/google/uuid"
)

func main() {
	ownerID := flag.String("owner-id", "", "Optional: audit only one owner. If empty, audits every owner with ledger activity.")
	prune := flag.Bool("prune", false, "Prune defect-log rows past the retention window after auditing")
	retentionDays := flag.Int("retention-days", 90, "Defect-log retention in days (used with -prune)")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()

	models.MigrateTable()

	ctx = utils.SetUserNameInContext(ctx, "IntegrityAudit")
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())

	var owners []string
	if strings.TrimSpace(*ownerID) != "" {
		owners = []string{strings.TrimSpace(*ownerID)}
	} else {
		var err error
		owners, err = models.ListLedgerOwnerIds(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list owners: %v\n", err)
			os.Exit(1)
		}
	}
	if len(owners) == 0 {
		fmt.Fprintln(os.Stderr, "no owners found to audit")
		return
	}

	failed := 0
	for _, owner := range owners {
		report, err := workflow.RunIntegrityAudit(ctx, owner)
		if errors.Is(err, workflow.ErrAuditInProgress) {
			fmt.Printf("owner %s: audit already running elsewhere, skipped\n", owner)
			continue
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "owner %s: audit failed: %v\n", owner, err)
			failed++
			continue
		}
		fmt.Printf("owner %s: %d defects\n", owner, report.TotalDefects())
		for _, step := range report.Steps {
			fmt.Printf("  step %s: inspected=%d defects=%d\n", step.StepCode, step.Inspected, step.Defects)
		}
	}

	if *prune {
		pruned, err := workflow.PruneDefectLog(ctx, *retentionDays)
		if err != nil {
			fmt.Fprintf(os.Stderr, "prune failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("pruned %d defect-log rows older than %d days\n", pruned, *retentionDays)
	}

	if failed > 0 {
		os.Exit(1)
	}
	fmt.Println("Integrity audit complete")
}
