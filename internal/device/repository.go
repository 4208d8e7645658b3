package device

import (
	"mudward.io/mudward/internal/storage"
)

// Repository provides typed access to persisted devices.
type Repository struct {
	store *storage.Store
}

// NewRepository returns a repository over the given store.
func NewRepository(store *storage.Store) *Repository {
	return &Repository{store: store}
}

// Get returns the device with the given id, or storage.ErrNotFound.
func (r *Repository) Get(id int64) (*Device, error) {
	row, err := r.store.GetDevice(id)
	if err != nil {
		return nil, err
	}
	return fromRow(row), nil
}

// FindByIP returns the device holding the given address in either family.
func (r *Repository) FindByIP(ip string) (*Device, error) {
	row, err := r.store.FindDeviceByIP(ip)
	if err != nil {
		return nil, err
	}
	return fromRow(row), nil
}

// List returns all devices.
func (r *Repository) List() ([]*Device, error) {
	rows, err := r.store.ListDevices()
	if err != nil {
		return nil, err
	}
	out := make([]*Device, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

// ListAddressable returns the devices eligible for firewall-config assembly:
// those with at least one IP address.
func (r *Repository) ListAddressable() ([]*Device, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	out := make([]*Device, 0, len(all))
	for _, d := range all {
		if d.Addressable() {
			out = append(out, d)
		}
	}
	return out, nil
}

// MudURL returns the device's profile reference, empty if it has none.
func (r *Repository) MudURL(d *Device) string {
	return d.MudURL
}

// Insert persists a new device and fills in its assigned id.
func (r *Repository) Insert(d *Device) error {
	id, err := r.store.InsertDevice(d.toRow())
	if err != nil {
		return err
	}
	d.ID = id
	return nil
}

// Update rewrites an existing device by id.
func (r *Repository) Update(d *Device) error {
	return r.store.UpdateDevice(d.toRow())
}

// Delete removes a device by id.
func (r *Repository) Delete(id int64) error {
	return r.store.DeleteDevice(id)
}
