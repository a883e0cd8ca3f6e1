package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"routeclient/pkg/coderr"
	"routeclient/pkg/metacache"
	"routeclient/pkg/types"
)

// newTestMaster serves the master API from a ZKDirectory over a fake connection.
func newTestMaster(t *testing.T, dir metacache.Directory) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/api/tables/{table}/locations", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("max"))
		locs, err := dir.GetTableLocations(r.Context(), types.TableID(chi.URLParam(r, "table")), r.URL.Query().Get("start"), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(locs) == 0 {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(LocationsResponse{Tablets: locs})
	})
	r.Post("/api/tablets/locations", func(w http.ResponseWriter, r *http.Request) {
		var req TabletLocationsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		locs, err := dir.GetTabletLocations(r.Context(), req.TabletIDs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(LocationsResponse{Tablets: locs})
	})
	r.Get("/api/tables/busy/locations", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "electing", http.StatusServiceUnavailable)
	})
	r.Get("/api/tables/slow/locations", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	r.Get("/api/tables/garbage/locations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestMasterClientLocations(t *testing.T) {
	zkd := newZKDirectory(newFakeZK(), "/routeclient", nil)
	publishTestLayout(t, zkd)
	srv := newTestMaster(t, zkd)
	c := NewMasterClient(srv.URL+"/", nil)
	ctx := context.Background()

	locs, err := c.GetTableLocations(ctx, "users", "n", 1)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	require.Equal(t, types.TabletID("t-c"), locs[0].TabletID)
	require.Equal(t, types.RoleLeader, locs[0].Replicas[0].Role)
	require.Equal(t, types.ServerID("ts3"), locs[0].Replicas[0].ServerID)

	locs, err = c.GetTabletLocations(ctx, []types.TabletID{"t-a", "t-b"})
	require.NoError(t, err)
	require.Len(t, locs, 2)

	locs, err = c.GetTableLocations(ctx, "unknown", "", 0)
	require.NoError(t, err)
	require.Empty(t, locs)
}

func TestMasterClientErrors(t *testing.T) {
	srv := newTestMaster(t, newZKDirectory(newFakeZK(), "/r", nil))
	c := NewMasterClient(srv.URL, nil)

	_, err := c.GetTableLocations(context.Background(), "busy", "", 0)
	require.True(t, coderr.Is(err, coderr.ServiceUnavailable), "got %v", err)

	_, err = c.GetTableLocations(context.Background(), "garbage", "", 0)
	require.True(t, coderr.Is(err, coderr.IllegalState), "got %v", err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.GetTableLocations(ctx, "slow", "", 0)
	require.True(t, coderr.Is(err, coderr.TimedOut), "got %v", err)

	srv.Close()
	_, err = c.GetTabletLocations(context.Background(), []types.TabletID{"t"})
	require.True(t, coderr.Is(err, coderr.NetworkError), "got %v", err)
}

// The location cache runs unchanged on top of the master client.
func TestMasterClientBacksLocationCache(t *testing.T) {
	zkd := newZKDirectory(newFakeZK(), "/routeclient", nil)
	publishTestLayout(t, zkd)
	srv := newTestMaster(t, zkd)

	cache := metacache.NewLocationCache(NewMasterClient(srv.URL, nil), metacache.NewServerDirectory(nil, nil), metacache.DefaultOptions())
	defer cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := cache.LookupTabletByKey(ctx, metacache.Table{ID: "users"}, "zebra")
	require.NoError(t, err)
	require.Equal(t, types.TabletID("t-d"), rec.ID())
	require.Equal(t, types.ServerID("ts1"), rec.LeaderTServer().ID())
}
