// Package beacon advertises the device over Bluetooth LE so a phone can find
// it before joining the access point. A missing adapter is not an error for
// the device; Start reports it and the caller moves on.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// ErrUnavailable means no usable Bluetooth adapter was found.
var ErrUnavailable = errors.New("bluetooth unavailable")

const advertiseInterval = 100 * time.Millisecond

// companyID is the Bluetooth SIG id reserved for testing; the payload carries
// the device ID.
const companyID = 0xFFFF

type advertisement interface {
	Configure(bluetooth.AdvertisementOptions) error
	Start() error
	Stop() error
}

type adapter interface {
	Enable() error
	DefaultAdvertisement() advertisement
}

type bluezAdapter struct {
	*bluetooth.Adapter
}

func (a bluezAdapter) DefaultAdvertisement() advertisement {
	return a.Adapter.DefaultAdvertisement()
}

// Beacon is one BLE advertisement.
type Beacon struct {
	adapter adapter

	mu  sync.Mutex
	adv advertisement
	log *slog.Logger
}

func New() *Beacon {
	return newBeacon(bluezAdapter{bluetooth.DefaultAdapter})
}

func newBeacon(a adapter) *Beacon {
	return &Beacon{adapter: a, log: slog.With("component", "beacon")}
}

// Start advertises name (the AP SSID) with the device ID as manufacturer
// data. Starting an advertising beacon is a no-op.
func (b *Beacon) Start(ctx context.Context, name, deviceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.adv != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := b.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	adv := b.adapter.DefaultAdvertisement()
	if adv == nil {
		return fmt.Errorf("%w: no advertisement support", ErrUnavailable)
	}
	opts := bluetooth.AdvertisementOptions{
		LocalName: name,
		Interval:  bluetooth.NewDuration(advertiseInterval),
	}
	if deviceID != "" {
		opts.ManufacturerData = []bluetooth.ManufacturerDataElement{{CompanyID: companyID, Data: []byte(deviceID)}}
	}
	if err := adv.Configure(opts); err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("start advertisement: %w", err)
	}
	b.adv = adv
	b.log.Info("Advertising over Bluetooth LE.", "name", name)
	return nil
}

// Stop ends the advertisement.
func (b *Beacon) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.adv == nil {
		return nil
	}
	err := b.adv.Stop()
	b.adv = nil
	if err != nil {
		return fmt.Errorf("stop advertisement: %w", err)
	}
	return nil
}

// Advertising reports whether the beacon is on.
func (b *Beacon) Advertising() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.adv != nil
}
