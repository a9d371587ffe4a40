package webhook

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psyduckv2/psyduckd/internal/buffers"
	"github.com/psyduckv2/psyduckd/internal/parser"
	"github.com/psyduckv2/psyduckd/internal/staging"
)

func newTestServer(t *testing.T, token string) (*miniredis.Miniredis, *Server) {
	t.Helper()
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	store, err := staging.New(staging.Config{Host: host, Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p := &parser.Parser{
		Store:          store,
		IV:             buffers.NewPokemonIVBuffer(store, 1000, nil),
		IVEvents:       buffers.NewPokemonIVEventsBuffer(store, 1000, nil),
		Shiny:          buffers.NewShinyRatesBuffer(store, 1000, nil),
		Raids:          buffers.NewRaidBuffer(store, 1000, nil),
		Quests:         buffers.NewQuestBuffer(store, 1000, nil),
		Invasions:      buffers.NewInvasionBuffer(store, 1000, nil),
		StoreIV:        true,
		StoreShiny:     true,
		StoreRaids:     true,
		StoreQuests:    true,
		StoreInvasions: true,
	}
	return mr, NewServer(ServerConfig{Parser: p, Token: token})
}

func postJSON(t *testing.T, s *Server, body, token string) (*httptest.ResponseRecorder, Summary) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var sum Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	return rec, sum
}

const pokemonEvent = `{"type":"pokemon","message":{
	"spawnpoint":"abcdef","pokemon_id":25,"iv":97,"area_id":3,"area_name":"Vienna",
	"latitude":48.2,"longitude":16.3,"username":"ash","first_seen":1757505600}}`

func TestWebhookSingleEvent(t *testing.T) {
	mr, s := newTestServer(t, "")

	rec, sum := postJSON(t, s, pokemonEvent, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Summary{Processed: 1}, sum)
	assert.Equal(t, "1", mr.HGet(buffers.KeyAggPokemonIV, "abcdef_25_0_95_3_2509"))
}

func TestWebhookArrayMixedOutcomes(t *testing.T) {
	_, s := newTestServer(t, "")

	body := `[` + pokemonEvent + `,
		{"type":"weather","message":{}},
		{"type":"pokemon","message":{"pokemon_id":1}}]`
	rec, sum := postJSON(t, s, body, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 2, sum.Ignored) // unknown type + malformed payload
	assert.Zero(t, sum.Errors)
}

func TestWebhookBearerToken(t *testing.T) {
	_, s := newTestServer(t, "sekrit")

	rec, _ := postJSON(t, s, pokemonEvent, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = postJSON(t, s, pokemonEvent, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, sum := postJSON(t, s, pokemonEvent, "sekrit")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sum.Processed)
}

func TestWebhookBadJSON(t *testing.T) {
	_, s := newTestServer(t, "")
	rec, _ := postJSON(t, s, "{nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	_, s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookStoreDownCountsErrors(t *testing.T) {
	mr, s := newTestServer(t, "")
	mr.Close()

	rec, sum := postJSON(t, s, pokemonEvent, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sum.Errors)
}

func TestHealth(t *testing.T) {
	_, s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
