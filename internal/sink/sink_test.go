package sink

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psyduckv2/psyduckd/internal/buffers"
	"github.com/psyduckv2/psyduckd/internal/db"
	"github.com/psyduckv2/psyduckd/internal/staging"
)

func newTestStore(t *testing.T) (*staging.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c, err := staging.New(staging.Config{Host: host, Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func newMockDB(t *testing.T) (*db.DB, sqlmock.Sqlmock) {
	t.Helper()
	pool, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return db.Wrap(pool), mock
}

func expectTxPreamble(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("SET innodb_lock_wait_timeout = 10").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestParseIVKey(t *testing.T) {
	row, err := parseIVKey("abcdef_25_0_95_3_2509")
	require.NoError(t, err)
	assert.Equal(t, uint64(0xabcdef), row.spawnpoint)
	assert.Equal(t, int64(25), row.pokemonID)
	assert.Equal(t, "0", row.form)
	assert.Equal(t, int64(95), row.iv)
	assert.Equal(t, int64(3), row.areaID)
	assert.Equal(t, int64(2509), row.monthYear)

	for _, bad := range []string{
		"",
		"abcdef_25_0_95_3",        // too few fields
		"abcdef_25_0_95_3_2509_x", // too many fields
		"zzz!_25_0_95_3_2509",     // non-hex spawnpoint
		"abcdef_notanum_0_95_3_2509",
	} {
		_, err := parseIVKey(bad)
		assert.Error(t, err, "key %q", bad)
	}
}

func TestParseShinyKey(t *testing.T) {
	row, err := parseShinyKey("the_great_ash_25_0_1_3_2509")
	require.NoError(t, err)
	assert.Equal(t, "the_great_ash", row.username)
	assert.Equal(t, int64(25), row.pokemonID)
	assert.Equal(t, "0", row.form)
	assert.Equal(t, int64(1), row.shiny)
	assert.Equal(t, int64(3), row.areaID)
	assert.Equal(t, int64(2509), row.monthYear)

	for _, bad := range []string{
		"25_0_1_3_2509",     // empty username
		"ash_25_0_2_3_2509", // shiny flag out of range
		"ash_25_0_1_3",      // too few fields
	} {
		_, err := parseShinyKey(bad)
		assert.Error(t, err, "key %q", bad)
	}
}

func TestParseCoords(t *testing.T) {
	lat, lon, ok := parseCoords("48.2082,16.3738")
	require.True(t, ok)
	assert.InDelta(t, 48.2082, lat, 1e-9)
	assert.InDelta(t, 16.3738, lon, 1e-9)

	_, _, ok = parseCoords("48.2082")
	assert.False(t, ok)
	_, _, ok = parseCoords("a,b")
	assert.False(t, ok)
}

func TestParseRaidLine(t *testing.T) {
	row, err := parseRaidLine("gym-1|Rat/hausplatz|48.2|16.3|384|5|0|2|0|0|0|3|1757505600")
	require.NoError(t, err)
	assert.Equal(t, "gym-1", row.gym)
	assert.Equal(t, "Rat/hausplatz", row.gymName)
	assert.Equal(t, int64(384), row.raidPokemon)
	assert.Equal(t, int64(5), row.raidLevel)
	assert.Equal(t, "0", row.raidForm)
	assert.Equal(t, int64(2), row.raidTeam)
	assert.Equal(t, int64(3), row.areaID)
	assert.Equal(t, time.Unix(1757505600, 0).UTC(), row.seenAt)

	_, err = parseRaidLine("gym-1|x|48.2|16.3|384|5|0|2|0|0|0|3") // 12 fields
	assert.Error(t, err)
	_, err = parseRaidLine("gym-1|x|99.0|16.3|384|5|0|2|0|0|0|3|1757505600") // bad lat
	assert.Error(t, err)
}

func TestParseQuestLine(t *testing.T) {
	item, err := parseQuestLine("stop-1|Old Fountain|48.2|16.3|0|3|5|0|0|2|1757505600")
	require.NoError(t, err)
	assert.Equal(t, int64(0), item.kind)
	assert.Equal(t, int64(3), item.itemID)
	assert.Equal(t, int64(5), item.itemAmount)

	poke, err := parseQuestLine("stop-1|Old Fountain|48.2|16.3|1|0|0|1|0|2|1757505600")
	require.NoError(t, err)
	assert.Equal(t, int64(1), poke.kind)
	assert.Equal(t, int64(1), poke.pokeID)
	assert.Equal(t, "0", poke.pokeForm)

	_, err = parseQuestLine("stop-1|x|48.2|16.3|7|0|0|1|0|2|1757505600") // bad kind
	assert.Error(t, err)
	_, err = parseQuestLine("stop-1|x|48.2|16.3|1|0|0|1|0|2") // 10 fields
	assert.Error(t, err)
}

func TestParseInvasionLine(t *testing.T) {
	row, err := parseInvasionLine("stop-1|Old Fountain|48.2|16.3|8|39|1|1|2|1757505600")
	require.NoError(t, err)
	assert.Equal(t, "stop-1", row.pokestop)
	assert.Equal(t, int64(8), row.displayType)
	assert.Equal(t, int64(39), row.character)
	assert.Equal(t, int64(1), row.grunt)
	assert.Equal(t, int64(1), row.confirmed)
	assert.Equal(t, int64(2), row.areaID)

	_, err = parseInvasionLine("stop-1|x|48.2|16.3|8|39|1|1|1757505600") // 9 fields
	assert.Error(t, err)
}

func TestShinyRatesProcessHash(t *testing.T) {
	d, mock := newMockDB(t)

	expectTxPreamble(mock)
	mock.ExpectExec("CREATE TEMPORARY TABLE tmp_shiny_rates").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO tmp_shiny_rates").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT IGNORE INTO area_names").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO shiny_username_rates").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DROP TEMPORARY TABLE IF EXISTS tmp_shiny_rates").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	p := &ShinyRates{DB: d}
	counts := map[string]int64{
		"ash_25_0_1_3_2509":    2,
		"misty_133_0_0_3_2509": 5,
		"not-a-key":            9, // malformed, dropped
	}
	n, err := p.ProcessHash(context.Background(), counts, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRaidsProcessLines(t *testing.T) {
	d, mock := newMockDB(t)

	expectTxPreamble(mock)
	mock.ExpectExec("CREATE TEMPORARY TABLE tmp_raids").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO tmp_raids").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT IGNORE INTO gyms").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE gyms").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT IGNORE INTO area_names").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT IGNORE INTO raids_daily_events").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO aggregated_raids").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DROP TEMPORARY TABLE IF EXISTS tmp_raids").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	p := &Raids{DB: d}
	lines := []string{
		"gym-1|Rathausplatz|48.2|16.3|384|5|0|2|0|0|0|3|1757505600",
		"gym-1|Rathausplatz|48.2|16.3|150|5|0|2|0|0|1|3|1757509200",
		"broken line",
	}
	n, err := p.ProcessLines(context.Background(), lines)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuestsProcessLinesRoutesByKind(t *testing.T) {
	d, mock := newMockDB(t)

	expectTxPreamble(mock)
	mock.ExpectExec("CREATE TEMPORARY TABLE tmp_quests").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO tmp_quests").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT IGNORE INTO pokestops").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE pokestops").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT IGNORE INTO area_names").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT IGNORE INTO quests_item_daily_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT IGNORE INTO quests_pokemon_daily_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DROP TEMPORARY TABLE IF EXISTS tmp_quests").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	p := &Quests{DB: d}
	lines := []string{
		"stop-1|Old Fountain|48.2|16.3|0|3|5|0|0|2|1757505600",
		"stop-1|Old Fountain|48.2|16.3|1|0|0|1|0|2|1757505600",
	}
	n, err := p.ProcessLines(context.Background(), lines)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestShinyRatesAppliesKnownAreaNames(t *testing.T) {
	d, mock := newMockDB(t)
	store, mr := newTestStore(t)
	mr.HSet(buffers.KeyAreas, "3", "Vienna")

	expectTxPreamble(mock)
	mock.ExpectExec("CREATE TEMPORARY TABLE tmp_shiny_rates").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO tmp_shiny_rates").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Known names upserted first, then placeholders for the rest.
	mock.ExpectExec("INSERT INTO area_names").
		WithArgs(int64(3), "Vienna").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT IGNORE INTO area_names").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO shiny_username_rates").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DROP TEMPORARY TABLE IF EXISTS tmp_shiny_rates").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	p := &ShinyRates{DB: d, Store: store}
	n, err := p.ProcessHash(context.Background(), map[string]int64{"ash_25_0_1_3_2509": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParseIVEventLine(t *testing.T) {
	row, err := parseIVEventLine("abcdef|25|0|96|3|1757505600")
	require.NoError(t, err)
	assert.Equal(t, uint64(0xabcdef), row.spawnpoint)
	assert.Equal(t, int64(25), row.pokemonID)
	assert.Equal(t, "0", row.form)
	assert.Equal(t, int64(96), row.iv)
	assert.Equal(t, int64(3), row.areaID)
	assert.Equal(t, time.Unix(1757505600, 0).UTC(), row.seenAt)

	for _, bad := range []string{
		"abcdef|25|0|96|3",             // too few fields
		"zzz!|25|0|96|3|1757505600",    // non-hex spawnpoint
		"abcdef|25|0|101|3|1757505600", // iv out of range
	} {
		_, err := parseIVEventLine(bad)
		assert.Error(t, err, "line %q", bad)
	}
}

func TestPokemonIVEventsProcessLines(t *testing.T) {
	d, mock := newMockDB(t)

	expectTxPreamble(mock)
	mock.ExpectExec("CREATE TEMPORARY TABLE tmp_iv_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO tmp_iv_events").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT IGNORE INTO area_names").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT IGNORE INTO pokemon_iv_daily_events").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DROP TEMPORARY TABLE IF EXISTS tmp_iv_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	p := &PokemonIVEvents{DB: d}
	lines := []string{
		"abcdef|25|0|96|3|1757505600",
		"abcdef|133|0|82|3|1757509200",
		"broken line",
	}
	n, err := p.ProcessLines(context.Background(), lines)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessLinesEmptyBatch(t *testing.T) {
	d, _ := newMockDB(t)

	n, err := (&Invasions{DB: d}).ProcessLines(context.Background(), []string{"garbage"})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = (&PokemonIV{DB: d}).ProcessHash(context.Background(), map[string]int64{}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBulkInsertChunking(t *testing.T) {
	pool, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = pool.Close() }()

	mock.ExpectBegin()
	// 2 columns x (insertChunkSize + 1) rows should produce two statements.
	mock.ExpectExec("INSERT INTO tmp_x").WillReturnResult(sqlmock.NewResult(0, insertChunkSize))
	mock.ExpectExec("INSERT INTO tmp_x").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := pool.Begin()
	require.NoError(t, err)

	rows := make([][]any, insertChunkSize+1)
	for i := range rows {
		rows[i] = []any{i, "v"}
	}
	require.NoError(t, bulkInsert(context.Background(), tx, "tmp_x", []string{"a", "b"}, rows))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}
