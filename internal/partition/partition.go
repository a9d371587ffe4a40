// Package partition maintains the time-partition windows on the fact
// tables. Ensurers carve new partitions out of the trailing pMAX catch-all
// with REORGANIZE PARTITION; the cleaner drops partitions past retention.
// Both run on the leader only.
package partition

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/psyduckv2/psyduckd/internal/db"
	"github.com/psyduckv2/psyduckd/internal/log"
)

// Grain selects the partition scheme of a table.
type Grain int

const (
	// GrainDaily: RANGE COLUMNS (day_date), partitions pYYYYMMDD with a
	// next-day upper bound.
	GrainDaily Grain = iota
	// GrainMonthly: RANGE (month_year), partitions pYYMM with a
	// next-month upper bound.
	GrainMonthly
)

func (g Grain) String() string {
	if g == GrainDaily {
		return "daily"
	}
	return "monthly"
}

const maxPartition = "pMAX"

// part is one existing partition as read from information_schema.
type part struct {
	name  string
	bound string // PARTITION_DESCRIPTION: quoted date, numeric yymm, or MAXVALUE
}

// listParts reads a table's partitions in ordinal order. An empty name on
// the first row means the table is not partitioned at all.
func listParts(ctx context.Context, d *db.DB, table string) ([]part, error) {
	rows, err := d.Pool().QueryContext(ctx, `SELECT COALESCE(PARTITION_NAME, ''), COALESCE(PARTITION_DESCRIPTION, '')
		FROM information_schema.PARTITIONS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY PARTITION_ORDINAL_POSITION`, table)
	if err != nil {
		return nil, fmt.Errorf("listing partitions of %s: %w", table, err)
	}
	defer rows.Close()

	var parts []part
	for rows.Next() {
		var p part
		if err := rows.Scan(&p.name, &p.bound); err != nil {
			return nil, fmt.Errorf("scanning partition row: %w", err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading partitions of %s: %w", table, err)
	}
	return parts, nil
}

// checkPartitioned verifies the table has real partitions and the pMAX
// catch-all. On failure it logs SHOW CREATE TABLE so the operator can see
// what the table actually looks like.
func checkPartitioned(ctx context.Context, d *db.DB, table string, parts []part) error {
	ok := len(parts) > 0 && parts[0].name != ""
	hasMax := false
	for _, p := range parts {
		if p.name == maxPartition {
			hasMax = true
		}
	}
	if ok && hasMax {
		return nil
	}

	var name, ddl string
	if err := d.Pool().QueryRowContext(ctx, "SHOW CREATE TABLE "+table).Scan(&name, &ddl); err != nil {
		log.Warnf("partition: SHOW CREATE TABLE %s failed: %v", table, err)
	} else {
		log.Errorln("partition: offending table DDL:\n" + ddl)
	}
	if !ok {
		return fmt.Errorf("table %s is not partitioned", table)
	}
	return fmt.Errorf("table %s has no %s partition", table, maxPartition)
}

// dailyName returns pYYYYMMDD for the given date.
func dailyName(d time.Time) string {
	return d.Format("p20060102")
}

// monthlyName returns pYYMM for the month containing t.
func monthlyName(t time.Time) string {
	return fmt.Sprintf("p%04d", yymm(t))
}

// yymm encodes the month of t as a 4-digit YYMM integer.
func yymm(t time.Time) int {
	return (t.Year()%100)*100 + int(t.Month())
}

// boundDate parses a RANGE COLUMNS upper bound of the form '2026-08-25'
// (information_schema keeps the quotes).
func boundDate(desc string) (time.Time, bool) {
	s := strings.Trim(desc, "'")
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	return t, err == nil
}

// boundYYMM parses a numeric RANGE upper bound.
func boundYYMM(desc string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(desc))
	return n, err == nil
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
