package models

import (
	"log"

	"bitbucket.org/mmdatafocus/lotsync_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&ProductionEvent{},
		&ReconciliationAttempt{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
