/*Package status drives the periodic liveness sweep.

The sweeper flips devices offline when they fall silent, recomputes
relay liveness and raises edge-triggered email alerts on relay
transitions. Every state change is pushed to the dashboard clients.
*/
package status

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fov-tech/fovdash/core/alert"
	"github.com/fov-tech/fovdash/core/logger"
	"github.com/fov-tech/fovdash/dashboard/devices"
	"github.com/fov-tech/fovdash/dashboard/relays"
)

const defaultInterval = 30 * time.Second

// DeviceStore is the device-side sweep surface.
type DeviceStore interface {
	CheckOnlineStatus(ctx context.Context) ([]devices.View, error)
}

// RelayStore is the relay-side sweep surface.
type RelayStore interface {
	Refresh()
	All() map[string]relays.State
}

// Notifier receives one tenant-scoped notification per state change.
type Notifier interface {
	Broadcast(topicKey string, message interface{}, tenant string)
}

// Sweeper runs the liveness sweep.
type Sweeper struct {
	devices  DeviceStore
	relays   RelayStore
	notifier Notifier
	mailer   alert.Mailer
	interval time.Duration

	// lastAlive is the liveness observed in the previous sweep, per
	// relay id. Alerts fire on transitions only, never on a steady
	// state and never on the first sighting.
	lastAlive map[string]bool
}

// NewSweeper returns a sweeper. A zero interval selects the 30-second
// default.
func NewSweeper(deviceStore DeviceStore, relayStore RelayStore, notifier Notifier, mailer alert.Mailer, interval time.Duration) *Sweeper {
	if deviceStore == nil || relayStore == nil || notifier == nil || mailer == nil {
		panic("sweeper dependency is missing")
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sweeper{
		devices:   deviceStore,
		relays:    relayStore,
		notifier:  notifier,
		mailer:    mailer,
		interval:  interval,
		lastAlive: map[string]bool{},
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs one full sweep: device staleness, relay liveness,
// relay alerts.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.sweepDevices(ctx)
	s.sweepRelays()
}

func (s *Sweeper) sweepDevices(ctx context.Context) {
	changed, err := s.devices.CheckOnlineStatus(ctx)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("device status sweep failed")
		return
	}
	for _, view := range changed {
		logger.FromContext(ctx).Infof("device %s is now online=%t", view.Name, view.Online)
		s.notifier.Broadcast(view.Name, view, view.Tenant)
	}
}

func (s *Sweeper) sweepRelays() {
	s.relays.Refresh()
	states := s.relays.All()

	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		state := states[id]
		previous, seen := s.lastAlive[id]
		s.lastAlive[id] = state.Alive
		if !seen || previous == state.Alive {
			continue
		}

		s.notifier.Broadcast("relay:"+id, state, state.Tenant)
		if state.Alive {
			s.alert(fmt.Sprintf("[FOV] Relay %s RECOVERED", id), state)
		} else {
			s.alert(fmt.Sprintf("[FOV] Relay %s OFFLINE", id), state)
		}
	}
}

func (s *Sweeper) alert(subject string, state relays.State) {
	lastSeen := "never"
	if state.LastSeen != nil {
		lastSeen = state.LastSeen.Format(time.RFC3339)
	}
	body := fmt.Sprintf("Relay:     %s\nTenant:    %s\nLast seen: %s\n", state.ID, state.Tenant, lastSeen)
	if err := s.mailer.Send(subject, body); err != nil {
		logger.Default().WithError(err).Errorln("cannot deliver relay alert")
	}
}
