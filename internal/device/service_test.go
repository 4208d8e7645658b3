package device

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mudward.io/mudward/internal/clock"
	"mudward.io/mudward/internal/profile"
	"mudward.io/mudward/internal/storage"
)

type stubFetcher struct {
	mu        sync.Mutex
	calls     int
	body      []byte
	err       error
}

func (f *stubFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, &profile.FetchError{URL: url, Err: f.err}
	}
	return f.body, nil
}

type recordingIdentifier struct {
	mu    sync.Mutex
	added []Device
	done  chan struct{}
}

func (r *recordingIdentifier) AddDevice(_ context.Context, dev Device) {
	r.mu.Lock()
	r.added = append(r.added, dev)
	r.mu.Unlock()
	if r.done != nil {
		close(r.done)
	}
}

const minimalMUD = `{
  "ietf-mud:mud": {"mud-version": 1, "cache-validity": 48,
    "from-device-policy": {"access-lists": {"access-list": [{"name": "fr"}]}}},
  "ietf-access-control-list:acls": {"acl": [{"name": "fr", "aces": {"ace": [
    {"name": "e0", "matches": {"ipv4": {"protocol": 6, "ietf-acldns:dst-dnsname": "cloud.example.com"}},
     "actions": {"forwarding": "accept"}}
  ]}}]}
}`

type testEnv struct {
	svc     *Service
	repo    *Repository
	store   *storage.Store
	fetcher *stubFetcher
	changes *int
}

func newTestService(t *testing.T, opts ServiceOptions) testEnv {
	t.Helper()
	store, err := storage.Open(storage.DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	fetcher := &stubFetcher{body: []byte(minimalMUD)}
	cache := profile.NewCache(store, fetcher, profile.CacheOptions{Clock: clk})
	repo := NewRepository(store)

	changes := 0
	prev := opts.OnChange
	opts.OnChange = func() {
		changes++
		if prev != nil {
			prev()
		}
	}
	if opts.Clock == nil {
		opts.Clock = clk
	}
	svc := NewService(repo, cache, opts)
	return testEnv{svc: svc, repo: repo, store: store, fetcher: fetcher, changes: &changes}
}

func TestProcessLeaseInsertsNewDevice(t *testing.T) {
	env := newTestService(t, ServiceOptions{})

	lease := Lease{
		IPv4:     "10.0.0.5",
		MAC:      "aa:bb:cc:dd:ee:ff",
		Hostname: "bulb",
		MudURL:   "https://vendor.example/bulb.json",
	}
	require.NoError(t, env.svc.ProcessLease(context.Background(), lease))

	d, err := env.repo.FindByIP("10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "bulb", d.Hostname)
	assert.Equal(t, lease.MudURL, d.MudURL)
	assert.False(t, d.CollectInfo)
	assert.Equal(t, 1, *env.changes)
	assert.Equal(t, 1, env.fetcher.calls, "profile resolved during ingestion")
}

func TestProcessLeaseUpdatePreservesCollectInfo(t *testing.T) {
	env := newTestService(t, ServiceOptions{})

	lease := Lease{IPv4: "10.0.0.5", MAC: "aa:bb:cc:dd:ee:ff"}
	require.NoError(t, env.svc.ProcessLease(context.Background(), lease))

	d, err := env.repo.FindByIP("10.0.0.5")
	require.NoError(t, err)
	d.CollectInfo = true
	require.NoError(t, env.repo.Update(d))

	lease.Hostname = "renamed"
	require.NoError(t, env.svc.ProcessLease(context.Background(), lease))

	after, err := env.repo.FindByIP("10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, d.ID, after.ID, "same device, not a duplicate")
	assert.True(t, after.CollectInfo, "operator's collect_info choice survives renewals")
	assert.Equal(t, "renamed", after.Hostname)
}

func TestProcessLeaseRenewalDoesNotBumpVersion(t *testing.T) {
	env := newTestService(t, ServiceOptions{})

	lease := Lease{IPv4: "10.0.0.5", MAC: "aa:bb:cc:dd:ee:ff"}
	require.NoError(t, env.svc.ProcessLease(context.Background(), lease))
	assert.Equal(t, 1, *env.changes)

	require.NoError(t, env.svc.ProcessLease(context.Background(), lease))
	assert.Equal(t, 1, *env.changes, "plain renewal is not a structural change")

	lease.MudURL = "https://vendor.example/bulb.json"
	require.NoError(t, env.svc.ProcessLease(context.Background(), lease))
	assert.Equal(t, 2, *env.changes, "gaining a MUD URL is structural")
}

func TestProcessLeaseCollectDefaultOnlyWithoutMudURL(t *testing.T) {
	env := newTestService(t, ServiceOptions{CollectByDefault: true})

	require.NoError(t, env.svc.ProcessLease(context.Background(), Lease{IPv4: "10.0.0.1"}))
	d, err := env.repo.FindByIP("10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.CollectInfo)

	require.NoError(t, env.svc.ProcessLease(context.Background(), Lease{
		IPv4: "10.0.0.2", MudURL: "https://vendor.example/bulb.json",
	}))
	d, err = env.repo.FindByIP("10.0.0.2")
	require.NoError(t, err)
	assert.False(t, d.CollectInfo, "a device with a MUD URL needs no identification")
}

func TestProcessLeaseTriggersIdentifyForNewCollectDevices(t *testing.T) {
	ident := &recordingIdentifier{done: make(chan struct{})}
	env := newTestService(t, ServiceOptions{CollectByDefault: true, Identify: ident})

	require.NoError(t, env.svc.ProcessLease(context.Background(), Lease{IPv4: "10.0.0.9", MAC: "11:22:33:44:55:66"}))

	select {
	case <-ident.done:
	case <-time.After(2 * time.Second):
		t.Fatal("identify call-out never fired")
	}
	ident.mu.Lock()
	defer ident.mu.Unlock()
	require.Len(t, ident.added, 1)
	assert.Equal(t, "11:22:33:44:55:66", ident.added[0].MAC)
}

func TestProcessLeaseSurvivesFetchFailure(t *testing.T) {
	env := newTestService(t, ServiceOptions{})
	env.fetcher.err = fmt.Errorf("connection refused")

	err := env.svc.ProcessLease(context.Background(), Lease{
		IPv4: "10.0.0.5", MudURL: "https://unreachable.example/m.json",
	})
	require.NoError(t, err, "unreachable MUD server must not reject the sighting")

	d, err := env.repo.FindByIP("10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "https://unreachable.example/m.json", d.MudURL)
}

func TestProcessLeaseRejectsAddresslessLease(t *testing.T) {
	env := newTestService(t, ServiceOptions{})
	assert.Error(t, env.svc.ProcessLease(context.Background(), Lease{MAC: "aa:bb:cc:dd:ee:ff"}))
}

func TestListAddressableFiltersDevicesWithoutIP(t *testing.T) {
	store, err := storage.Open(storage.DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	repo := NewRepository(store)

	require.NoError(t, repo.Insert(&Device{IPv4: "10.0.0.1", LastInteraction: time.Now()}))
	require.NoError(t, repo.Insert(&Device{IPv6: "2001:db8::2", LastInteraction: time.Now()}))
	require.NoError(t, repo.Insert(&Device{MAC: "aa:bb:cc:dd:ee:ff", LastInteraction: time.Now()}))

	addressable, err := repo.ListAddressable()
	require.NoError(t, err)
	assert.Len(t, addressable, 2)
}
