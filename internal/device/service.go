package device

import (
	"context"
	"errors"
	"fmt"

	"mudward.io/mudward/internal/clock"
	"mudward.io/mudward/internal/logging"
	"mudward.io/mudward/internal/profile"
	"mudward.io/mudward/internal/storage"
)

// Identifier is the best-effort device-identification call-out. AddDevice is
// expected to run its own bounded retry loop and never surface failure back
// here.
type Identifier interface {
	AddDevice(ctx context.Context, dev Device)
}

// Service ingests DHCP lease sightings: it upserts the device, resolves its
// profile, and signals a config change when the sighting altered anything
// firewall-relevant.
type Service struct {
	repo             *Repository
	cache            *profile.Cache
	identify         Identifier
	clk              clock.Clock
	log              *logging.Logger
	collectByDefault bool
	onChange         func()
}

// ServiceOptions configures the ingestion service.
type ServiceOptions struct {
	Clock            clock.Clock // defaults to RealClock
	Identify         Identifier  // nil disables the call-out
	CollectByDefault bool        // collect_info default for new devices without a MUD URL
	OnChange         func()      // invoked when the sighting changed firewall-relevant state
}

// NewService returns an ingestion service.
func NewService(repo *Repository, cache *profile.Cache, opts ServiceOptions) *Service {
	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Service{
		repo:             repo,
		cache:            cache,
		identify:         opts.Identify,
		clk:              clk,
		log:              logging.WithComponent("device-ingest"),
		collectByDefault: opts.CollectByDefault,
		onChange:         opts.OnChange,
	}
}

// ProcessLease upserts a device from a lease sighting. An existing device
// (matched by IP) keeps its id and collect_info; a new device defaults
// collect_info on only when it presented no MUD URL and the deployment opts
// in. Profile resolution is best-effort: an unreachable MUD server must not
// reject the sighting.
func (s *Service) ProcessLease(ctx context.Context, lease Lease) error {
	ip := lease.IP()
	if ip == "" {
		return fmt.Errorf("lease for %q carries no IP address", lease.MAC)
	}

	d := &Device{
		IPv4:            lease.IPv4,
		IPv6:            lease.IPv6,
		MAC:             lease.MAC,
		Hostname:        lease.Hostname,
		VendorClass:     lease.VendorClass,
		MudURL:          lease.MudURL,
		LastInteraction: s.clk.Now(),
	}

	existing, err := s.repo.FindByIP(ip)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	isNew := existing == nil

	if d.MudURL != "" {
		if _, rerr := s.cache.Resolve(ctx, d.MudURL); rerr != nil {
			s.log.Warn("profile resolution failed, ingesting device anyway",
				"mud_url", d.MudURL, "ip", ip, "error", rerr)
		}
	}

	if isNew {
		d.CollectInfo = d.MudURL == "" && s.collectByDefault
		if err := s.repo.Insert(d); err != nil {
			return err
		}
		s.log.Info("new device", "id", d.ID, "ip", ip, "mac", d.MAC, "mud_url", d.MudURL)

		if d.CollectInfo && s.identify != nil {
			// Detached: identification may take minutes and must never
			// block or fail the ingestion path.
			go s.identify.AddDevice(context.WithoutCancel(ctx), *d)
		}
		s.notifyChange()
		return nil
	}

	d.ID = existing.ID
	d.CollectInfo = existing.CollectInfo
	if err := s.repo.Update(d); err != nil {
		return err
	}

	if structuralChange(existing, d) {
		s.log.Info("device changed", "id", d.ID, "ip", ip, "mud_url", d.MudURL)
		s.notifyChange()
	} else {
		s.log.Debug("device sighting, no structural change", "id", d.ID, "ip", ip)
	}
	return nil
}

// structuralChange reports whether the sighting altered anything an enforcer
// config depends on. Renewals that only touch last_interaction do not bump
// the version.
func structuralChange(old, cur *Device) bool {
	return old.IPv4 != cur.IPv4 ||
		old.IPv6 != cur.IPv6 ||
		old.MudURL != cur.MudURL
}

func (s *Service) notifyChange() {
	if s.onChange != nil {
		s.onChange()
	}
}
