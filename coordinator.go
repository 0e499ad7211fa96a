package syncengine

import (
	"context"
	"sync"
	"time"
)

// TieBreakRule lets the application decide device races before the generic
// chain runs. ok=false passes the decision down the chain.
type TieBreakRule func(rec *ConflictRecord) (localWins bool, ok bool)

// DeviceCoordinator tracks the devices syncing one account and arbitrates
// same-timestamp races between them. Exactly one device per account may
// hold the master flag.
type DeviceCoordinator struct {
	store    *SQLiteStore
	deviceID string

	mu    sync.RWMutex
	rules []TieBreakRule
}

// NewDeviceCoordinator creates a coordinator and registers this device.
func NewDeviceCoordinator(ctx context.Context, store *SQLiteStore, deviceID string) (*DeviceCoordinator, error) {
	c := &DeviceCoordinator{store: store, deviceID: deviceID}
	if err := c.RegisterDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	return c, nil
}

// DeviceID returns this device's identifier.
func (c *DeviceCoordinator) DeviceID() string {
	return c.deviceID
}

// RegisterDevice records a device, updating its last-seen time. The first
// device ever registered becomes master.
func (c *DeviceCoordinator) RegisterDevice(ctx context.Context, id string) error {
	existing, err := c.store.ListDevices(ctx)
	if err != nil {
		return err
	}
	dev := &DeviceIdentity{ID: id, LastSeenAt: time.Now()}
	for _, d := range existing {
		if d.ID == id {
			dev.IsMaster = d.IsMaster
		}
	}
	if len(existing) == 0 {
		dev.IsMaster = true
	}
	return c.store.UpsertDevice(ctx, dev)
}

// Heartbeat refreshes this device's last-seen time.
func (c *DeviceCoordinator) Heartbeat(ctx context.Context) error {
	dev, err := c.store.GetDevice(ctx, c.deviceID)
	if err != nil {
		return err
	}
	if dev == nil {
		return c.RegisterDevice(ctx, c.deviceID)
	}
	dev.LastSeenAt = time.Now()
	return c.store.UpsertDevice(ctx, dev)
}

// PromoteMaster transfers the master flag to the given device, clearing
// it everywhere else.
func (c *DeviceCoordinator) PromoteMaster(ctx context.Context, id string) error {
	return c.store.SetMaster(ctx, id)
}

// IsMaster reports whether this device currently holds the master flag.
func (c *DeviceCoordinator) IsMaster(ctx context.Context) (bool, error) {
	dev, err := c.store.GetDevice(ctx, c.deviceID)
	if err != nil {
		return false, err
	}
	return dev != nil && dev.IsMaster, nil
}

// RegisterTieBreakRule prepends an application rule to the arbitration
// chain.
func (c *DeviceCoordinator) RegisterTieBreakRule(rule TieBreakRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, rule)
}

// BreakTie arbitrates a race between the local and remote device:
// application rules first, then the master flag, then the later modified
// timestamp, and finally the lexicographically smaller device ID. The
// chain is deterministic, so both devices reach the same verdict.
func (c *DeviceCoordinator) BreakTie(ctx context.Context, rec *ConflictRecord) bool {
	c.mu.RLock()
	rules := make([]TieBreakRule, len(c.rules))
	copy(rules, c.rules)
	c.mu.RUnlock()

	for _, rule := range rules {
		if localWins, ok := rule(rec); ok {
			return localWins
		}
	}

	localDev, err := c.store.GetDevice(ctx, rec.LocalDevice)
	if err == nil && localDev != nil {
		remoteDev, rerr := c.store.GetDevice(ctx, rec.RemoteDevice)
		if rerr == nil {
			localMaster := localDev.IsMaster
			remoteMaster := remoteDev != nil && remoteDev.IsMaster
			if localMaster != remoteMaster {
				return localMaster
			}
		}
	}

	if !rec.LocalModifiedAt.Equal(rec.RemoteModifiedAt) {
		return rec.LocalModifiedAt.After(rec.RemoteModifiedAt)
	}

	return rec.LocalDevice < rec.RemoteDevice
}
