package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mudward.io/mudward/internal/clock"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProfileUpsertAndGet(t *testing.T) {
	s := openTestStore(t)

	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	row := &ProfileRow{
		URL:        "https://vendor.example/bulb.json",
		Data:       []byte(`{"acllist":[]}`),
		CreatedAt:  created,
		Expiration: created.Add(48 * time.Hour),
	}
	require.NoError(t, s.UpsertProfile(row))

	got, err := s.GetProfile(row.URL)
	require.NoError(t, err)
	assert.Equal(t, row.Data, got.Data)
	assert.True(t, got.Expiration.Equal(row.Expiration))
	assert.Empty(t, got.Override)

	// upsert replaces in place
	row.Data = []byte(`{"acllist":[{"name":"a"}]}`)
	require.NoError(t, s.UpsertProfile(row))
	got, err = s.GetProfile(row.URL)
	require.NoError(t, err)
	assert.Equal(t, row.Data, got.Data)
}

func TestStoreClockStampsZeroTimestamps(t *testing.T) {
	now := time.Date(2025, 7, 1, 9, 30, 0, 0, time.UTC)
	s, err := Open(Options{Path: ":memory:", Clock: clock.NewMockClock(now)})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	row := &ProfileRow{
		URL:        "https://vendor.example/plug.json",
		Data:       []byte(`{"acllist":[]}`),
		Expiration: now.Add(48 * time.Hour),
	}
	require.NoError(t, s.UpsertProfile(row))
	got, err := s.GetProfile(row.URL)
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(now), "zero created_at takes the store clock")

	id, err := s.InsertDevice(&DeviceRow{IPv4: "192.168.1.7"})
	require.NoError(t, err)
	dev, err := s.GetDevice(id)
	require.NoError(t, err)
	assert.True(t, dev.LastInteraction.Equal(now), "zero last_interaction takes the store clock")
}

func TestProfileGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetProfile("https://nowhere.example/missing.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetProfileOverrideLeavesDataAlone(t *testing.T) {
	s := openTestStore(t)

	row := &ProfileRow{
		URL:        "https://vendor.example/cam.json",
		Data:       []byte(`{"acllist":[{"name":"base"}]}`),
		CreatedAt:  time.Now().UTC(),
		Expiration: time.Now().Add(time.Hour).UTC(),
	}
	require.NoError(t, s.UpsertProfile(row))

	override := []byte(`[{"name":"base","packet_direction":"to-device"}]`)
	require.NoError(t, s.SetProfileOverride(row.URL, override))

	got, err := s.GetProfile(row.URL)
	require.NoError(t, err)
	assert.Equal(t, row.Data, got.Data, "base acllist must not change")
	assert.Equal(t, override, got.Override)

	assert.ErrorIs(t, s.SetProfileOverride("https://nowhere.example/x", override), ErrNotFound)
}

func TestListProfileExpirations(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	for _, url := range []string{"https://a.example/m.json", "https://b.example/m.json"} {
		require.NoError(t, s.UpsertProfile(&ProfileRow{
			URL: url, Data: []byte(`{}`), CreatedAt: now, Expiration: now.Add(time.Hour),
		}))
	}

	exps, err := s.ListProfileExpirations()
	require.NoError(t, err)
	require.Len(t, exps, 2)
	assert.Equal(t, "https://a.example/m.json", exps[0].URL)
}

func TestProfileInUse(t *testing.T) {
	s := openTestStore(t)

	url := "https://vendor.example/tv.json"
	inUse, err := s.ProfileInUse(url)
	require.NoError(t, err)
	assert.False(t, inUse)

	_, err = s.InsertDevice(&DeviceRow{IPv4: "10.0.0.9", MudURL: url, LastInteraction: time.Now()})
	require.NoError(t, err)

	inUse, err = s.ProfileInUse(url)
	require.NoError(t, err)
	assert.True(t, inUse)
}

func TestDeviceCRUD(t *testing.T) {
	s := openTestStore(t)

	d := &DeviceRow{
		IPv4:            "192.0.2.15",
		MAC:             "aa:bb:cc:dd:ee:ff",
		Hostname:        "bulb-kitchen",
		CollectInfo:     true,
		LastInteraction: time.Now().UTC(),
	}
	id, err := s.InsertDevice(d)
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := s.GetDevice(id)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.15", got.IPv4)
	assert.Empty(t, got.IPv6)
	assert.True(t, got.CollectInfo)

	got.IPv6 = "2001:db8::15"
	got.MudURL = "https://vendor.example/bulb.json"
	require.NoError(t, s.UpdateDevice(got))

	byIP, err := s.FindDeviceByIP("2001:db8::15")
	require.NoError(t, err)
	assert.Equal(t, id, byIP.ID)

	all, err := s.ListDevices()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteDevice(id))
	_, err = s.GetDevice(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindDeviceByIPMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.FindDeviceByIP("203.0.113.1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCounterIncrementsMonotonically(t *testing.T) {
	s := openTestStore(t)

	v1, err := s.IncrementCounter("version")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	v2, err := s.IncrementCounter("version")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2)

	val, err := s.GetConfigValue("version")
	require.NoError(t, err)
	assert.Equal(t, "2", val)
}

func TestCounterWrapsAtUint64Boundary(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SetConfigValue("version", "18446744073709551615"))
	v, err := s.IncrementCounter("version")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}

func TestConfigValueRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetConfigValue("collect_device_data")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetConfigValue("collect_device_data", "true"))
	val, err := s.GetConfigValue("collect_device_data")
	require.NoError(t, err)
	assert.Equal(t, "true", val)
}
