package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"mudward.io/mudward/internal/clock"
	"mudward.io/mudward/internal/logging"
	"mudward.io/mudward/internal/metrics"
	"mudward.io/mudward/internal/storage"
)

// LocalExpiration is the fixed expiration assigned to locally-authored
// profiles. Far enough out that the refresh sweep never touches them.
var LocalExpiration = time.Date(2060, 1, 31, 0, 0, 0, 0, time.UTC)

// Cache resolves usage profiles by URL, serving non-expired persisted rows
// without network I/O and fetching otherwise. It exclusively owns the
// mud_profiles table.
type Cache struct {
	store    *storage.Store
	fetcher  Fetcher
	clock    clock.Clock
	log      *logging.Logger
	onChange func()
}

// CacheOptions configures optional cache collaborators.
type CacheOptions struct {
	Clock    clock.Clock // defaults to RealClock
	OnChange func()      // invoked after any change to effective ACLs
}

// NewCache returns a cache over the given store and fetcher.
func NewCache(store *storage.Store, fetcher Fetcher, opts CacheOptions) *Cache {
	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Cache{
		store:    store,
		fetcher:  fetcher,
		clock:    clk,
		log:      logging.WithComponent("profile-cache"),
		onChange: opts.OnChange,
	}
}

// Resolve returns the profile for url. A cached, non-expired row is served
// as-is; otherwise the document is fetched, parsed, and upserted. A failed
// fetch or parse leaves any previously cached row untouched.
func (c *Cache) Resolve(ctx context.Context, url string) (*Profile, error) {
	row, err := c.store.GetProfile(url)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, &StorageError{Op: "get", URL: url, Err: err}
	}

	if row != nil && row.Expiration.After(c.clock.Now()) {
		p, derr := decodeRow(row)
		if derr == nil {
			return p, nil
		}
		// Corrupt stored data: fall through and refetch rather than
		// serving garbage.
		c.log.Warn("cached profile is undecodable, refetching", "url", url, "error", derr)
	}

	return c.refresh(ctx, url, row)
}

// refresh fetches, parses, and persists the document at url. prev is the
// currently stored row, nil if none; its override survives the rewrite.
func (c *Cache) refresh(ctx context.Context, url string, prev *storage.ProfileRow) (*Profile, error) {
	body, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		metrics.Get().ProfileFetches.WithLabelValues("error").Inc()
		return nil, err
	}

	parsed, err := Parse(url, body, c.clock.Now())
	if err != nil {
		metrics.Get().ProfileFetches.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.Get().ProfileFetches.WithLabelValues("ok").Inc()

	data, err := json.Marshal(parsed)
	if err != nil {
		return nil, &ParseError{URL: url, Err: err}
	}

	var override []byte
	if prev != nil {
		override = prev.Override
	}
	row := &storage.ProfileRow{
		URL:        url,
		Data:       data,
		Override:   override,
		CreatedAt:  c.clock.Now(),
		Expiration: parsed.Expiration,
	}
	if err := c.store.UpsertProfile(row); err != nil {
		return nil, &StorageError{Op: "upsert", URL: url, Err: err}
	}

	if len(override) > 0 {
		if err := json.Unmarshal(override, &parsed.Override); err != nil {
			return nil, &StorageError{Op: "decode-override", URL: url, Err: err}
		}
	}

	if aclsChanged(prev, parsed) {
		c.log.Info("profile updated", "url", url, "acls", len(parsed.ACLs), "expires", parsed.Expiration)
		c.notifyChange()
	}
	return parsed, nil
}

// aclsChanged reports whether the refetch altered the base ACL list. The
// expiration moves on every refetch, so raw row bytes cannot be compared; a
// version bump is only warranted when the effective rules may differ.
func aclsChanged(prev *storage.ProfileRow, next *Profile) bool {
	if prev == nil {
		return true
	}
	var old Profile
	if err := json.Unmarshal(prev.Data, &old); err != nil {
		return true
	}
	oldACLs, err1 := json.Marshal(old.ACLs)
	newACLs, err2 := json.Marshal(next.ACLs)
	if err1 != nil || err2 != nil {
		return true
	}
	return !bytes.Equal(oldACLs, newACLs)
}

// CreateLocal synthesizes a profile with an empty base ACL list and a fixed
// far-future expiration, for user-authored profiles not backed by any remote
// document.
func (c *Cache) CreateLocal(url string, overrides []ACL) (*Profile, error) {
	p := &Profile{
		URL:        url,
		LastUpdate: c.clock.Now().UTC().Format(time.RFC3339),
		Expiration: LocalExpiration,
		ACLs:       []ACL{},
		Override:   overrides,
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, &ParseError{URL: url, Err: err}
	}
	override, err := marshalOverride(overrides)
	if err != nil {
		return nil, &ParseError{URL: url, Err: err}
	}

	row := &storage.ProfileRow{
		URL:        url,
		Data:       data,
		Override:   override,
		CreatedAt:  c.clock.Now(),
		Expiration: LocalExpiration,
	}
	if err := c.store.UpsertProfile(row); err != nil {
		return nil, &StorageError{Op: "upsert", URL: url, Err: err}
	}

	c.log.Info("created local profile", "url", url, "overrides", len(overrides))
	c.notifyChange()
	return p, nil
}

// UpsertOverride replaces the stored override list for url without touching
// the base ACL list or refetching. Returns storage.ErrNotFound for unknown
// URLs.
func (c *Cache) UpsertOverride(url string, overrides []ACL) error {
	override, err := marshalOverride(overrides)
	if err != nil {
		return &ParseError{URL: url, Err: err}
	}

	if err := c.store.SetProfileOverride(url, override); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return &StorageError{Op: "set-override", URL: url, Err: err}
	}

	c.log.Info("override updated", "url", url, "acls", len(overrides))
	c.notifyChange()
	return nil
}

// ListExpirations returns the (url, expiration) projection for the sweep.
func (c *Cache) ListExpirations() ([]storage.ProfileExpiration, error) {
	exps, err := c.store.ListProfileExpirations()
	if err != nil {
		return nil, &StorageError{Op: "list-expirations", Err: err}
	}
	return exps, nil
}

// RefreshExpired re-resolves every profile whose expiration has passed.
// Failures are isolated per URL; one unreachable manufacturer must not stall
// the rest of the sweep.
func (c *Cache) RefreshExpired(ctx context.Context) error {
	exps, err := c.ListExpirations()
	if err != nil {
		return err
	}

	now := c.clock.Now()
	refreshed := 0
	for _, e := range exps {
		if !e.Expiration.Before(now) {
			continue
		}
		prev, err := c.store.GetProfile(e.URL)
		if err != nil {
			c.log.Warn("refresh: cannot read stored profile", "url", e.URL, "error", err)
			continue
		}
		if _, err := c.refresh(ctx, e.URL, prev); err != nil {
			metrics.Get().RefreshFailures.Inc()
			c.log.Warn("refresh failed, keeping stale profile", "url", e.URL, "error", err)
			continue
		}
		refreshed++
	}

	metrics.Get().RefreshSweeps.Inc()
	metrics.Get().ProfilesCached.Set(float64(len(exps)))
	if refreshed > 0 {
		c.log.Info("refresh sweep complete", "refreshed", refreshed, "total", len(exps))
	}
	return nil
}

// Delete removes a stored profile. Profiles still referenced by a device
// cannot be deleted.
func (c *Cache) Delete(url string) error {
	inUse, err := c.store.ProfileInUse(url)
	if err != nil {
		return &StorageError{Op: "in-use-check", URL: url, Err: err}
	}
	if inUse {
		return ErrProfileInUse
	}

	if err := c.store.DeleteProfile(url); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return &StorageError{Op: "delete", URL: url, Err: err}
	}

	c.log.Info("profile deleted", "url", url)
	c.notifyChange()
	return nil
}

// List returns all stored profiles, parsed.
func (c *Cache) List() ([]*Profile, error) {
	rows, err := c.store.ListProfiles()
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}

	out := make([]*Profile, 0, len(rows))
	for i := range rows {
		p, err := decodeRow(&rows[i])
		if err != nil {
			c.log.Warn("skipping undecodable profile row", "url", rows[i].URL, "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Cache) notifyChange() {
	if c.onChange != nil {
		c.onChange()
	}
}

func decodeRow(row *storage.ProfileRow) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(row.Data, &p); err != nil {
		return nil, err
	}
	p.URL = row.URL
	if len(row.Override) > 0 {
		if err := json.Unmarshal(row.Override, &p.Override); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func marshalOverride(overrides []ACL) ([]byte, error) {
	if len(overrides) == 0 {
		return nil, nil
	}
	return json.Marshal(overrides)
}
