package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"bitbucket.org/mmdatafocus/lotsync_backend/config"
	"bitbucket.org/mmdatafocus/lotsync_backend/models"
	"bitbucket.org/mmdatafocus/lotsync_backend/mrpeasy"
	"bitbucket.org/mmdatafocus/lotsync_backend/reconcile"
	"bitbucket.org/mmdatafocus/lotsync_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Reconciles one lot directly against the ERP, bypassing the inbox table.
// Usage: process-lot [--no-db] <lot-code> <quantity> [uom]
// Exit 0 on success, 1 on any failure.
func main() {
	noDb := flag.Bool("no-db", false, "Skip the database; audit rows are logged instead of stored")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 || len(args) > 3 {
		fmt.Fprintln(os.Stderr, "usage: process-lot [--no-db] <lot-code> <quantity> [uom]")
		os.Exit(1)
	}
	lotCode := strings.TrimSpace(args[0])
	quantity, err := utils.ParseDecimal(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid quantity %q: %v\n", args[1], err)
		os.Exit(1)
	}
	uom := ""
	if len(args) == 3 {
		uom = strings.TrimSpace(args[2])
	}

	logger := config.GetLogger()

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())

	erpClient, err := mrpeasy.NewClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERP client: %v\n", err)
		os.Exit(1)
	}

	var audit reconcile.Recorder = &logRecorder{logger: logger}
	if !*noDb {
		config.ConnectDatabaseWithRetry()
		db := config.GetDB()
		if db == nil {
			fmt.Fprintln(os.Stderr, "database not initialized")
			os.Exit(1)
		}
		if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
			models.MigrateTable()
		}
		audit = reconcile.NewDBAuditLog(db, logger)
	}

	workflow := reconcile.NewWorkflow(
		reconcile.NewOrderLookup(erpClient, logger),
		reconcile.NewOrderUpdate(erpClient, logger),
		audit,
		reconcile.DefaultRetryPolicy(),
		logger,
	)

	result := workflow.Process(ctx, reconcile.Event{
		LotCode:  lotCode,
		Quantity: quantity,
		Uom:      uom,
	})
	if result.Succeeded() {
		fmt.Printf("lot %s reconciled: order %s set to %s with actual quantity %s\n",
			lotCode, result.Order.Code, result.Order.Status, quantity)
		return
	}

	switch result.ErrorKind {
	case reconcile.KindNotFound:
		fmt.Fprintf(os.Stderr, "no manufacturing order carries lot %s\n", lotCode)
	case reconcile.KindAmbiguous:
		fmt.Fprintf(os.Stderr, "lot %s matches more than one manufacturing order; resolve manually: %s\n", lotCode, result.Message)
	case reconcile.KindConflict:
		fmt.Fprintf(os.Stderr, "order for lot %s was changed by someone else: %s\n", lotCode, result.Message)
	case reconcile.KindTransient:
		fmt.Fprintf(os.Stderr, "ERP unavailable after %d attempts: %s\n", max(result.LookupAttempts, result.UpdateAttempts), result.Message)
	default:
		fmt.Fprintf(os.Stderr, "reconciliation failed: %s\n", result.Message)
	}
	os.Exit(1)
}

type logRecorder struct {
	logger *logrus.Logger
}

func (r *logRecorder) Record(_ context.Context, attempt *models.ReconciliationAttempt) error {
	r.logger.WithFields(logrus.Fields{
		"lotCode":     attempt.LotCode,
		"orderNumber": attempt.OrderNumber,
		"succeeded":   attempt.Succeeded,
		"errorKind":   attempt.ErrorKind,
		"message":     attempt.Message,
	}).Info("reconciliation attempt")
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
