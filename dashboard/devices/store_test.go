package devices

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fov-tech/fovdash/core/access"
	"github.com/fov-tech/fovdash/core/csql"
)

// TestService holds the configuration for this test
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type TestService struct {
	Postgres string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
}

var (
	testDB    *csql.DB
	testStore *Store
)

func TestMain(m *testing.M) {
	service := TestService{}
	if err := envdecode.Decode(&service); err != nil {
		panic(err)
	}

	testDB = csql.MustOpenWithSchema(service.Postgres, "_devices_unit_test_")
	testDB.ClearSchema()
	defer testDB.Close()

	testStore = MustNewStore(testDB)

	code := m.Run()
	os.Exit(code)
}

func TestUpdateCreatesDeviceAndHistory(t *testing.T) {
	ctx := context.Background()

	view, err := testStore.Update(ctx, "aviva", "tabletA", "battery", "42")
	require.NoError(t, err)
	assert.Equal(t, "tabletA", view.Name)
	assert.Equal(t, "aviva", view.Tenant)
	assert.True(t, view.Online)
	assert.Equal(t, 42.0, view.BatteryCharge)
	assert.Equal(t, -1.0, view.LatencyMs) // never probed
	assert.Equal(t, "N/A", view.FirmwareVersion)
	require.NotNil(t, view.FirstSeen)
	require.NotNil(t, view.LastMessageTime)

	entries, hasMore, err := testStore.History(ctx, "tabletA", HistoryQuery{PageSize: 10})
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, entries, 1)
	assert.Equal(t, "battery", entries[0].Metric)
	assert.Equal(t, "42", entries[0].Value)

	// snapshot merge keeps other metrics
	view, err = testStore.Update(ctx, "aviva", "tabletA", "temperature", "24.3")
	require.NoError(t, err)
	assert.Equal(t, 42.0, view.BatteryCharge)
	assert.Equal(t, 24.3, view.Temperature)
}

func TestUpdateTimestampsMonotonic(t *testing.T) {
	ctx := context.Background()

	var previous time.Time
	for i := 0; i < 5; i++ {
		view, err := testStore.Update(ctx, "aviva", "tabletMono", "battery", "50")
		require.NoError(t, err)
		require.True(t, view.Online)
		require.NotNil(t, view.LastMessageTime)
		require.False(t, view.LastMessageTime.Before(previous))
		previous = *view.LastMessageTime
	}
}

func TestUpdateDoesNotReassignTenant(t *testing.T) {
	ctx := context.Background()

	_, err := testStore.Update(ctx, "marvel", "tabletOwned", "battery", "10")
	require.NoError(t, err)

	// a message claiming another tenant must not move the device
	view, err := testStore.Update(ctx, "kia", "tabletOwned", "battery", "11")
	require.NoError(t, err)
	assert.Equal(t, "marvel", view.Tenant)

	// explicit reassignment does
	view, err = testStore.ReassignTenant(ctx, "tabletOwned", "kia")
	require.NoError(t, err)
	assert.Equal(t, "kia", view.Tenant)

	_, err = testStore.ReassignTenant(ctx, "no-such-device", "kia")
	assert.Equal(t, ErrNotFound, err)
}

func TestHistoryPagination(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := testStore.Update(ctx, "aviva", "tabletPaged", "battery", "42")
		require.NoError(t, err)
	}

	page, hasMore, err := testStore.History(ctx, "tabletPaged", HistoryQuery{PageSize: 3})
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, page, 3)
	// descending id order
	assert.Greater(t, page[0].ID, page[1].ID)
	assert.Greater(t, page[1].ID, page[2].ID)

	// cursor never returns a row with id >= cursor
	cursor := page[len(page)-1].ID
	next, _, err := testStore.History(ctx, "tabletPaged", HistoryQuery{PageSize: 3, LastID: cursor})
	require.NoError(t, err)
	for _, e := range next {
		assert.Less(t, e.ID, cursor)
	}

	// metric filter
	filtered, _, err := testStore.History(ctx, "tabletPaged", HistoryQuery{PageSize: 10, Metric: "temperature"})
	require.NoError(t, err)
	assert.Empty(t, filtered)
}

func TestCheckOnlineStatus(t *testing.T) {
	ctx := context.Background()

	_, err := testStore.Update(ctx, "aviva", "tabletStale", "battery", "42")
	require.NoError(t, err)

	// age the device past the staleness threshold
	_, err = testDB.Exec(`UPDATE `+testDB.Schema+`.device SET last_message_time=$1 WHERE name='tabletStale';`,
		time.Now().UTC().Add(-2*time.Minute))
	require.NoError(t, err)

	changed, err := testStore.CheckOnlineStatus(ctx)
	require.NoError(t, err)
	found := 0
	for _, view := range changed {
		if view.Name == "tabletStale" {
			found++
			assert.False(t, view.Online)
		}
	}
	assert.Equal(t, 1, found)

	view, ok := testStore.Device("tabletStale")
	require.True(t, ok)
	assert.False(t, view.Online)

	// second sweep reports no further change for this device
	changed, err = testStore.CheckOnlineStatus(ctx)
	require.NoError(t, err)
	for _, view := range changed {
		assert.NotEqual(t, "tabletStale", view.Name)
	}

	// a fresh message flips it back on
	view, err = testStore.Update(ctx, "aviva", "tabletStale", "battery", "43")
	require.NoError(t, err)
	assert.True(t, view.Online)
}

func TestDevicesScoped(t *testing.T) {
	ctx := context.Background()

	_, err := testStore.Update(ctx, "kia", "tabletKia", "battery", "42")
	require.NoError(t, err)
	_, err = testStore.Update(ctx, "marvel", "tabletMarvel", "battery", "42")
	require.NoError(t, err)

	scoped := testStore.Devices(access.Scope{Tenant: "kia"})
	_, ok := scoped["tabletKia"]
	assert.True(t, ok)
	_, ok = scoped["tabletMarvel"]
	assert.False(t, ok)

	admin := testStore.Devices(access.Scope{Admin: true})
	_, ok = admin["tabletKia"]
	assert.True(t, ok)
	_, ok = admin["tabletMarvel"]
	assert.True(t, ok)
}
