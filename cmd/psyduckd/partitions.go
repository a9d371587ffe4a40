package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/psyduckv2/psyduckd/internal/db"
	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/partition"
)

var partitionsDryRun bool

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "Partition maintenance tools",
}

var partitionsEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create the missing partitions for the configured window",
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := openDB()
		if err != nil {
			return err
		}
		defer func() { _ = pool.Close() }()

		now := time.Now().UTC()
		total := 0
		for _, e := range buildEnsurers(pool) {
			n, err := e.Ensure(cmd.Context(), now)
			if err != nil {
				return err
			}
			total += n
		}
		log.Infof("partitions ensure: created %d partitions", total)
		return nil
	},
}

var partitionsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Drop partitions past the configured retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := openDB()
		if err != nil {
			return err
		}
		defer func() { _ = pool.Close() }()

		cleaner := buildCleaner(pool)
		cleaner.DryRun = partitionsDryRun
		cleaner.CleanAll(cmd.Context(), time.Now().UTC())
		return nil
	},
}

func init() {
	partitionsCleanCmd.Flags().BoolVar(&partitionsDryRun, "dry-run", false, "log the drops without executing them")
	partitionsCmd.AddCommand(partitionsEnsureCmd)
	partitionsCmd.AddCommand(partitionsCleanCmd)
}

// dailyTables lists every fact table partitioned by day_date.
var dailyTables = []string{
	"pokemon_iv_daily_events",
	"raids_daily_events",
	"invasions_daily_events",
	"quests_item_daily_events",
	"quests_pokemon_daily_events",
}

// monthlyTables lists every fact table partitioned by month_year.
var monthlyTables = []string{
	"aggregated_pokemon_iv_monthly",
	"aggregated_raids",
	"aggregated_invasions",
	"shiny_username_rates",
}

func buildEnsurers(pool *db.DB) []*partition.Ensurer {
	var out []*partition.Ensurer
	for _, table := range dailyTables {
		out = append(out, &partition.Ensurer{
			DB: pool, Table: table, Grain: partition.GrainDaily,
			Back: cfg.PartitionDaysBack, Forward: cfg.PartitionDaysForward,
		})
	}
	for _, table := range monthlyTables {
		out = append(out, &partition.Ensurer{
			DB: pool, Table: table, Grain: partition.GrainMonthly,
			Back: cfg.PartitionMonthsBack, Forward: cfg.PartitionMonthsForward,
		})
	}
	return out
}

func buildCleaner(pool *db.DB) *partition.Cleaner {
	r := cfg.Retention
	return &partition.Cleaner{
		DB: pool,
		Jobs: []partition.Job{
			{Table: "pokemon_iv_daily_events", Grain: partition.GrainDaily, Keep: r.PokemonDays},
			{Table: "raids_daily_events", Grain: partition.GrainDaily, Keep: r.RaidDays},
			{Table: "invasions_daily_events", Grain: partition.GrainDaily, Keep: r.InvasionDays},
			{Table: "quests_item_daily_events", Grain: partition.GrainDaily, Keep: r.QuestDays},
			{Table: "quests_pokemon_daily_events", Grain: partition.GrainDaily, Keep: r.QuestDays},
			{Table: "aggregated_pokemon_iv_monthly", Grain: partition.GrainMonthly, Keep: r.PokemonMonths},
			{Table: "aggregated_raids", Grain: partition.GrainMonthly, Keep: r.RaidMonths},
			{Table: "aggregated_invasions", Grain: partition.GrainMonthly, Keep: r.InvasionMonths},
			{Table: "shiny_username_rates", Grain: partition.GrainMonthly, Keep: r.ShinyMonths},
		},
	}
}
