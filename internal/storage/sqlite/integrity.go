package sqlite

import (
	"database/sql"
	"errors"
	"os"
	"strings"

	"github.com/mistakeknot/tickstore/internal/core"
)

// Checker classifies the health of the on-disk database file. It opens its
// own short-lived handle so it can probe a file no writer has touched yet.
type Checker struct {
	path string
}

// NewChecker returns a checker for the database at path.
func NewChecker(path string) *Checker {
	return &Checker{path: path}
}

// Check runs the cheap structural probe first and escalates to the expensive
// full scan only to produce human-readable details. A missing file is
// healthy: absence is a valid pre-creation state.
func (c *Checker) Check() core.HealthReport {
	if _, err := os.Stat(c.path); errors.Is(err, os.ErrNotExist) {
		return core.HealthReport{State: core.HealthOK}
	}

	db, err := sql.Open("sqlite", c.path)
	if err != nil {
		return core.HealthReport{State: core.HealthUnreadable, Details: err.Error()}
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	var result string
	if err := db.QueryRow("PRAGMA quick_check(1)").Scan(&result); err != nil {
		if classifyFault(err) == faultCorrupt {
			return core.HealthReport{State: core.HealthCorrupt, Details: err.Error()}
		}
		return core.HealthReport{State: core.HealthUnreadable, Details: err.Error()}
	}
	if result == "ok" {
		return core.HealthReport{State: core.HealthOK}
	}

	return core.HealthReport{State: core.HealthCorrupt, Details: c.fullScan(db)}
}

// fullScan collects every line PRAGMA integrity_check reports. Expensive on
// a large database; only reached once the quick probe has already failed.
func (c *Checker) fullScan(db *sql.DB) string {
	rows, err := db.Query("PRAGMA integrity_check")
	if err != nil {
		return err.Error()
	}
	defer rows.Close()

	var details []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			details = append(details, err.Error())
			break
		}
		details = append(details, line)
	}
	if err := rows.Err(); err != nil {
		details = append(details, err.Error())
	}
	if len(details) == 0 {
		return "integrity check returned no detail"
	}
	return strings.Join(details, "; ")
}
