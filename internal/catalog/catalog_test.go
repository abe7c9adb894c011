package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func graphqlHandler(t *testing.T, respond func(query string, variables map[string]any) string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, respond(req.Query, req.Variables))
	}
}

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(graphqlHandler(t, func(query string, vars map[string]any) string {
		assert.Equal(t, "Sousou no Frieren", vars["search"])
		assert.EqualValues(t, 8, vars["perPage"])
		return `{"data": {"Page": {"media": [
			{"id": 154587, "format": "TV", "status": "FINISHED", "episodes": 28,
			 "title": {"romaji": "Sousou no Frieren", "english": "Frieren: Beyond Journey's End"},
			 "synonyms": ["葬送的芙莉莲"]}
		]}}}`
	}))
	defer srv.Close()

	c := NewClient(zerolog.Nop(), WithEndpoint(srv.URL))
	media, err := c.Search(context.Background(), "Sousou no Frieren", 8)
	require.NoError(t, err)
	require.Len(t, media, 1)

	assert.EqualValues(t, 154587, media[0].ID)
	assert.Equal(t, 28, media[0].Episodes)
	assert.Contains(t, media[0].NameBlob(), "Frieren: Beyond Journey's End")
	assert.Contains(t, media[0].NameBlob(), "葬送的芙莉莲")
}

func TestSearchRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data": {"Page": {"media": []}}}`)
	}))
	defer srv.Close()

	c := NewClient(zerolog.Nop(), WithEndpoint(srv.URL))
	_, err := c.Search(context.Background(), "anything", 8)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestSearchDoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(zerolog.Nop(), WithEndpoint(srv.URL))
	_, err := c.Search(context.Background(), "anything", 8)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestAiredUpTo(t *testing.T) {
	now := time.Now().Unix()

	t.Run("schedule pages drive the answer", func(t *testing.T) {
		srv := httptest.NewServer(graphqlHandler(t, func(query string, vars map[string]any) string {
			page := int(vars["page"].(float64))
			if page == 1 {
				return fmt.Sprintf(`{"data": {"Page": {
					"pageInfo": {"hasNextPage": true},
					"airingSchedules": [
						{"episode": 1, "airingAt": %d},
						{"episode": 2, "airingAt": %d}
					]}}}`, now-7200, now-3600)
			}
			return fmt.Sprintf(`{"data": {"Page": {
				"pageInfo": {"hasNextPage": false},
				"airingSchedules": [
					{"episode": 3, "airingAt": %d},
					{"episode": 4, "airingAt": %d}
				]}}}`, now-60, now+86400)
		}))
		defer srv.Close()

		c := NewClient(zerolog.Nop(), WithEndpoint(srv.URL))
		assert.Equal(t, 3, c.AiredUpTo(context.Background(), 1, false, 12, 0))
	})

	t.Run("falls back to next airing minus one", func(t *testing.T) {
		srv := httptest.NewServer(graphqlHandler(t, func(query string, vars map[string]any) string {
			return `{"data": {"Page": {"pageInfo": {"hasNextPage": false}, "airingSchedules": []}}}`
		}))
		defer srv.Close()

		c := NewClient(zerolog.Nop(), WithEndpoint(srv.URL))
		assert.Equal(t, 6, c.AiredUpTo(context.Background(), 1, false, 12, 7))
	})

	t.Run("finished show falls back to total episodes", func(t *testing.T) {
		srv := httptest.NewServer(graphqlHandler(t, func(query string, vars map[string]any) string {
			return `{"data": {"Page": {"pageInfo": {"hasNextPage": false}, "airingSchedules": []}}}`
		}))
		defer srv.Close()

		c := NewClient(zerolog.Nop(), WithEndpoint(srv.URL))
		assert.Equal(t, 28, c.AiredUpTo(context.Background(), 1, true, 28, 0))
		assert.Equal(t, 0, c.AiredUpTo(context.Background(), 1, false, 0, 0))
	})
}
