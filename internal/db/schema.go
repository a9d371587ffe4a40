package db

// Schema DDL. Applied offline by `psyduckd migrate` before workers start;
// the daemon never alters table shapes at runtime (the partition ensurer
// only reorganizes pMAX).
//
// Every fact table ends in a pMAX catch-all partition; the ensurer carves
// real partitions out of it with REORGANIZE PARTITION.

const tableDefaults = " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_0900_ai_ci"

// Statements lists the full schema in dependency order.
var Statements = []string{
	// Dimensions
	`CREATE TABLE IF NOT EXISTS area_names (
		id SMALLINT UNSIGNED NOT NULL AUTO_INCREMENT,
		name VARCHAR(255) NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uq_area_names_name (name)
	)` + tableDefaults,

	`CREATE TABLE IF NOT EXISTS spawnpoints (
		spawnpoint BIGINT UNSIGNED NOT NULL,
		latitude DOUBLE NOT NULL,
		longitude DOUBLE NOT NULL,
		PRIMARY KEY (spawnpoint)
	)` + tableDefaults,

	`CREATE TABLE IF NOT EXISTS pokestops (
		pokestop VARCHAR(50) NOT NULL,
		pokestop_name VARCHAR(255) NOT NULL DEFAULT '',
		latitude DOUBLE NOT NULL DEFAULT 0,
		longitude DOUBLE NOT NULL DEFAULT 0,
		PRIMARY KEY (pokestop)
	)` + tableDefaults,

	`CREATE TABLE IF NOT EXISTS gyms (
		gym VARCHAR(50) NOT NULL,
		gym_name VARCHAR(255) NOT NULL DEFAULT '',
		latitude DOUBLE NOT NULL DEFAULT 0,
		longitude DOUBLE NOT NULL DEFAULT 0,
		PRIMARY KEY (gym)
	)` + tableDefaults,

	// Monthly aggregates, partitioned by RANGE (month_year)
	`CREATE TABLE IF NOT EXISTS aggregated_pokemon_iv_monthly (
		month_year SMALLINT UNSIGNED NOT NULL,
		spawnpoint BIGINT UNSIGNED NOT NULL,
		pokemon_id SMALLINT UNSIGNED NOT NULL,
		form VARCHAR(15) CHARACTER SET ascii NOT NULL DEFAULT '0',
		iv TINYINT UNSIGNED NOT NULL,
		area_id SMALLINT UNSIGNED NOT NULL,
		total_count INT UNSIGNED NOT NULL DEFAULT 0,
		PRIMARY KEY (month_year, spawnpoint, pokemon_id, form, iv, area_id),
		KEY ix_iv_monthly_area (area_id),
		KEY ix_iv_monthly_pokemon (pokemon_id)
	)` + tableDefaults + `
	PARTITION BY RANGE (month_year) (
		PARTITION pMAX VALUES LESS THAN (MAXVALUE)
	)`,

	`CREATE TABLE IF NOT EXISTS aggregated_raids (
		month_year SMALLINT UNSIGNED NOT NULL,
		gym VARCHAR(50) NOT NULL,
		raid_pokemon SMALLINT UNSIGNED NOT NULL,
		raid_level TINYINT UNSIGNED NOT NULL,
		raid_form VARCHAR(15) CHARACTER SET ascii NOT NULL DEFAULT '0',
		raid_team TINYINT UNSIGNED NOT NULL DEFAULT 0,
		raid_costume VARCHAR(15) CHARACTER SET ascii NOT NULL DEFAULT '0',
		raid_is_exclusive TINYINT(1) NOT NULL DEFAULT 0,
		raid_ex_raid_eligible TINYINT(1) NOT NULL DEFAULT 0,
		area_id SMALLINT UNSIGNED NOT NULL,
		total_count INT UNSIGNED NOT NULL DEFAULT 0,
		PRIMARY KEY (month_year, gym, raid_pokemon, raid_level, raid_form, raid_team,
			raid_costume, raid_is_exclusive, raid_ex_raid_eligible, area_id),
		KEY ix_agg_raids_area (area_id)
	)` + tableDefaults + `
	PARTITION BY RANGE (month_year) (
		PARTITION pMAX VALUES LESS THAN (MAXVALUE)
	)`,

	`CREATE TABLE IF NOT EXISTS aggregated_invasions (
		month_year SMALLINT UNSIGNED NOT NULL,
		pokestop VARCHAR(50) NOT NULL,
		display_type SMALLINT UNSIGNED NOT NULL DEFAULT 0,
		` + "`character`" + ` SMALLINT UNSIGNED NOT NULL DEFAULT 0,
		grunt SMALLINT UNSIGNED NOT NULL DEFAULT 0,
		confirmed TINYINT(1) NOT NULL DEFAULT 0,
		area_id SMALLINT UNSIGNED NOT NULL,
		total_count INT UNSIGNED NOT NULL DEFAULT 0,
		PRIMARY KEY (month_year, pokestop, display_type, ` + "`character`" + `, grunt, confirmed, area_id),
		KEY ix_agg_invasions_area (area_id)
	)` + tableDefaults + `
	PARTITION BY RANGE (month_year) (
		PARTITION pMAX VALUES LESS THAN (MAXVALUE)
	)`,

	`CREATE TABLE IF NOT EXISTS shiny_username_rates (
		month_year SMALLINT UNSIGNED NOT NULL,
		username VARCHAR(50) NOT NULL,
		pokemon_id SMALLINT UNSIGNED NOT NULL,
		form VARCHAR(15) CHARACTER SET ascii NOT NULL DEFAULT '0',
		shiny TINYINT(1) NOT NULL DEFAULT 0,
		area_id SMALLINT UNSIGNED NOT NULL,
		total_count INT UNSIGNED NOT NULL DEFAULT 0,
		PRIMARY KEY (month_year, username, pokemon_id, form, shiny, area_id),
		KEY ix_shiny_rates_area (area_id)
	)` + tableDefaults + `
	PARTITION BY RANGE (month_year) (
		PARTITION pMAX VALUES LESS THAN (MAXVALUE)
	)`,

	// Daily event facts, partitioned by RANGE COLUMNS (day_date)
	`CREATE TABLE IF NOT EXISTS pokemon_iv_daily_events (
		day_date DATE NOT NULL,
		spawnpoint BIGINT UNSIGNED NOT NULL,
		seen_at DATETIME NOT NULL,
		pokemon_id SMALLINT UNSIGNED NOT NULL,
		form VARCHAR(15) CHARACTER SET ascii NOT NULL DEFAULT '0',
		iv TINYINT UNSIGNED NOT NULL,
		area_id SMALLINT UNSIGNED NOT NULL,
		PRIMARY KEY (day_date, spawnpoint, seen_at),
		KEY ix_iv_daily_area (area_id)
	)` + tableDefaults + `
	PARTITION BY RANGE COLUMNS (day_date) (
		PARTITION pMAX VALUES LESS THAN (MAXVALUE)
	)`,

	`CREATE TABLE IF NOT EXISTS raids_daily_events (
		day_date DATE NOT NULL,
		gym VARCHAR(50) NOT NULL,
		seen_at DATETIME NOT NULL,
		raid_pokemon SMALLINT UNSIGNED NOT NULL,
		raid_level TINYINT UNSIGNED NOT NULL,
		raid_form VARCHAR(15) CHARACTER SET ascii NOT NULL DEFAULT '0',
		raid_team TINYINT UNSIGNED NOT NULL DEFAULT 0,
		raid_costume VARCHAR(15) CHARACTER SET ascii NOT NULL DEFAULT '0',
		raid_is_exclusive TINYINT(1) NOT NULL DEFAULT 0,
		raid_ex_raid_eligible TINYINT(1) NOT NULL DEFAULT 0,
		area_id SMALLINT UNSIGNED NOT NULL,
		PRIMARY KEY (day_date, gym, seen_at),
		KEY ix_raids_daily_area (area_id)
	)` + tableDefaults + `
	PARTITION BY RANGE COLUMNS (day_date) (
		PARTITION pMAX VALUES LESS THAN (MAXVALUE)
	)`,

	`CREATE TABLE IF NOT EXISTS invasions_daily_events (
		day_date DATE NOT NULL,
		pokestop VARCHAR(50) NOT NULL,
		seen_at DATETIME NOT NULL,
		display_type SMALLINT UNSIGNED NOT NULL DEFAULT 0,
		` + "`character`" + ` SMALLINT UNSIGNED NOT NULL DEFAULT 0,
		grunt SMALLINT UNSIGNED NOT NULL DEFAULT 0,
		confirmed TINYINT(1) NOT NULL DEFAULT 0,
		area_id SMALLINT UNSIGNED NOT NULL,
		PRIMARY KEY (day_date, pokestop, seen_at),
		KEY ix_invasions_daily_area (area_id)
	)` + tableDefaults + `
	PARTITION BY RANGE COLUMNS (day_date) (
		PARTITION pMAX VALUES LESS THAN (MAXVALUE)
	)`,

	`CREATE TABLE IF NOT EXISTS quests_item_daily_events (
		day_date DATE NOT NULL,
		pokestop VARCHAR(50) NOT NULL,
		seen_at DATETIME NOT NULL,
		item_id SMALLINT UNSIGNED NOT NULL,
		item_amount SMALLINT UNSIGNED NOT NULL DEFAULT 1,
		area_id SMALLINT UNSIGNED NOT NULL,
		PRIMARY KEY (day_date, pokestop, seen_at),
		KEY ix_quests_item_area (area_id)
	)` + tableDefaults + `
	PARTITION BY RANGE COLUMNS (day_date) (
		PARTITION pMAX VALUES LESS THAN (MAXVALUE)
	)`,

	`CREATE TABLE IF NOT EXISTS quests_pokemon_daily_events (
		day_date DATE NOT NULL,
		pokestop VARCHAR(50) NOT NULL,
		seen_at DATETIME NOT NULL,
		poke_id SMALLINT UNSIGNED NOT NULL,
		poke_form VARCHAR(15) CHARACTER SET ascii NOT NULL DEFAULT '0',
		area_id SMALLINT UNSIGNED NOT NULL,
		PRIMARY KEY (day_date, pokestop, seen_at),
		KEY ix_quests_pokemon_area (area_id)
	)` + tableDefaults + `
	PARTITION BY RANGE COLUMNS (day_date) (
		PARTITION pMAX VALUES LESS THAN (MAXVALUE)
	)`,
}
