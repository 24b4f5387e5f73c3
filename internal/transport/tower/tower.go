// Package tower implements the optional BLE Relay Tower Transport Adapter:
// a BLE-central client of an external device advertising a fixed service
// UUID with MSG/PEER/CMD characteristics. Unlike the clustered radio, the
// tower is a star, not a mesh: every subscribed phone relays through one
// external device, which simply re-broadcasts whatever MSG it receives.
package tower

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/bluez/profile/device"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"

	"github.com/vince0028/gitchat-mesh/internal/meshErr"
	"github.com/vince0028/gitchat-mesh/internal/transport"
)

const (
	// ServiceUUID is the fixed GATT service a relay tower advertises.
	ServiceUUID = "19b10000-e8f2-537e-4f6c-d104768a1214"
	// MsgCharUUID carries JSON chat frames, up to MaxFrameBytes.
	MsgCharUUID = "19b10001-e8f2-537e-4f6c-d104768a1214"
	// PeerCharUUID is a one-byte subscribed-peer count.
	PeerCharUUID = "19b10002-e8f2-537e-4f6c-d104768a1214"
	// CmdCharUUID accepts short ASCII commands.
	CmdCharUUID = "19b10003-e8f2-537e-4f6c-d104768a1214"

	// MaxFrameBytes is the tower's MTU for MSG writes; larger frames fall
	// back to the chunked or file transfer path instead.
	MaxFrameBytes = 512

	// LocalNamePrefix identifies a tower among discovered BLE devices.
	LocalNamePrefix = "GITCHAT-TOWER"

	// ReconnectDelay is the one-shot backoff after a dropped connection.
	ReconnectDelay = 5 * time.Second

	cmdStatus = "STATUS"
	cmdPing   = "PING"
	cmdReset  = "RESET"

	defaultAdapterID = "hci0"
	scanTimeout      = 10 * time.Second
)

// State is the tower's own idle-scroll/connected/error state machine.
// Purely informational to the mesh supervisor; it never gates packet flow.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// towerFrame is the wire shape written to / read from the MSG characteristic.
// The tower only ever relays opaque JSON; framing above this is the Gossip
// Router's concern.
type towerFrame struct {
	EndpointID string          `json:"endpointId"`
	Data       json.RawMessage `json:"data"`
}

// Relay is a BLE-central Transport Adapter talking to one external tower.
// It satisfies transport.Adapter so the mesh supervisor can drive it
// interchangeably with the clustered radio, but it models a star topology:
// every "endpoint" is really the single tower device, addressed by its own
// device path.
type Relay struct {
	adapterID string

	mu      sync.Mutex
	state   State
	dev     *device.Device1
	msgChar *gatt.GattCharacteristic1
	cmdChar *gatt.GattCharacteristic1

	events  chan transport.Event
	cancel  context.CancelFunc
	started bool
}

var _ transport.Adapter = (*Relay)(nil)

// New constructs a tower relay bound to the named host BLE adapter (e.g.
// "hci0"). An empty adapterID uses the default.
func New(adapterID string) *Relay {
	if adapterID == "" {
		adapterID = defaultAdapterID
	}
	return &Relay{
		adapterID: adapterID,
		events:    make(chan transport.Event, 64),
	}
}

// Events returns the adapter's event channel, per transport.Adapter.
func (r *Relay) Events() <-chan transport.Event { return r.events }

// State reports the tower's own connection state, for diagnostics only.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) emit(e transport.Event) {
	select {
	case r.events <- e:
	default:
		log.Printf("TOWER: event channel full, dropping %v", e.Kind)
	}
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// StartAdvertise is a no-op: the tower is the one that advertises. The
// phone only ever scans for and connects to it.
func (r *Relay) StartAdvertise(ctx context.Context, selfName string) error {
	return nil
}

// StartDiscover begins scanning for a tower and maintaining a connection to
// it, reconnecting on drop until ctx is cancelled or StopAll is called.
func (r *Relay) StartDiscover(ctx context.Context, selfName string) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.connectLoop(runCtx)
	return nil
}

func (r *Relay) connectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r.setState(StateScanning)
		dev, err := r.discoverTower(ctx)
		if err != nil {
			log.Printf("TOWER: discover failed: %v", err)
			r.setState(StateError)
			if !sleepOrDone(ctx, ReconnectDelay) {
				return
			}
			continue
		}

		if err := r.attach(dev); err != nil {
			log.Printf("TOWER: attach failed: %v", err)
			r.setState(StateError)
			if !sleepOrDone(ctx, ReconnectDelay) {
				return
			}
			continue
		}

		r.setState(StateConnected)
		r.emit(transport.Event{Kind: transport.EventConnectionResult, EndpointID: dev.Properties.Address, Result: transport.ResultOK})

		<-r.waitDisconnected(ctx, dev)
		r.teardown()
		r.emit(transport.Event{Kind: transport.EventDisconnected, EndpointID: dev.Properties.Address})

		if !sleepOrDone(ctx, ReconnectDelay) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// discoverTower scans for a BLE device advertising ServiceUUID with a name
// beginning with LocalNamePrefix.
func (r *Relay) discoverTower(ctx context.Context) (*device.Device1, error) {
	a, err := api.GetAdapter(r.adapterID)
	if err != nil {
		return nil, fmt.Errorf("get adapter %s: %w", r.adapterID, err)
	}

	discovery, cancel, err := api.Discover(a, nil)
	if err != nil {
		return nil, fmt.Errorf("start discovery: %w", err)
	}
	defer cancel()

	scanCtx, scanCancel := context.WithTimeout(ctx, scanTimeout)
	defer scanCancel()

	for {
		select {
		case <-scanCtx.Done():
			return nil, errors.New("no tower found within scan window")
		case ev, ok := <-discovery:
			if !ok {
				return nil, errors.New("discovery channel closed")
			}
			if ev.Device == nil {
				continue
			}
			dev, err := device.NewDevice1(ev.Device.Path)
			if err != nil || dev == nil {
				continue
			}
			if !isTower(dev) {
				continue
			}
			return dev, nil
		}
	}
}

func isTower(dev *device.Device1) bool {
	if dev.Properties == nil {
		return false
	}
	if strings.HasPrefix(dev.Properties.Name, LocalNamePrefix) ||
		strings.HasPrefix(dev.Properties.Alias, LocalNamePrefix) {
		return true
	}
	for _, uuid := range dev.Properties.UUIDs {
		if strings.EqualFold(uuid, ServiceUUID) {
			return true
		}
	}
	return false
}

// attach connects to dev, resolves the MSG/PEER/CMD characteristics, and
// subscribes to MSG/PEER notifications.
func (r *Relay) attach(dev *device.Device1) error {
	if !dev.Properties.Connected {
		if err := dev.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}

	chars, err := dev.GetCharacteristics()
	if err != nil {
		return fmt.Errorf("get characteristics: %w", err)
	}

	var msgChar, peerChar, cmdChar *gatt.GattCharacteristic1
	for _, c := range chars {
		switch strings.ToLower(c.Properties.UUID) {
		case MsgCharUUID:
			msgChar = c
		case PeerCharUUID:
			peerChar = c
		case CmdCharUUID:
			cmdChar = c
		}
	}
	if msgChar == nil || cmdChar == nil {
		return errors.New("tower missing MSG or CMD characteristic")
	}

	msgNotify, err := subscribeChar(msgChar)
	if err != nil {
		return fmt.Errorf("subscribe MSG: %w", err)
	}
	go r.readMsgNotifications(dev.Properties.Address, msgNotify)

	if peerChar != nil {
		if peerNotify, err := subscribeChar(peerChar); err == nil {
			go r.readPeerNotifications(peerNotify)
		}
	}

	r.mu.Lock()
	r.dev = dev
	r.msgChar = msgChar
	r.cmdChar = cmdChar
	r.mu.Unlock()

	if err := cmdChar.WriteValue([]byte(cmdStatus), nil); err != nil {
		log.Printf("TOWER: STATUS command failed: %v", err)
	}
	return nil
}

// subscribeChar enables notifications on a characteristic and translates
// its raw property-change stream into a channel of Value updates.
func subscribeChar(c *gatt.GattCharacteristic1) (chan []byte, error) {
	if err := c.StartNotify(); err != nil {
		return nil, err
	}
	changes, err := c.WatchProperties()
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for ev := range changes {
			if ev == nil || ev.Name != "Value" {
				continue
			}
			v, ok := ev.Value.([]byte)
			if !ok {
				continue
			}
			out <- v
		}
	}()
	return out, nil
}

func (r *Relay) readMsgNotifications(endpointID string, ch chan []byte) {
	for data := range ch {
		var f towerFrame
		if err := json.Unmarshal(data, &f); err != nil {
			// Tolerate a bare frame with no envelope; treat the whole
			// notification as raw inbound bytes.
			r.emit(transport.Event{Kind: transport.EventBytes, EndpointID: endpointID, Bytes: data})
			continue
		}
		r.emit(transport.Event{Kind: transport.EventBytes, EndpointID: endpointID, Bytes: f.Data})
	}
}

func (r *Relay) readPeerNotifications(ch chan []byte) {
	for range ch {
		// Peer count is purely informational; nothing in the mesh core
		// consumes it today.
	}
}

func (r *Relay) waitDisconnected(ctx context.Context, dev *device.Device1) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !dev.Properties.Connected {
					return
				}
			}
		}
	}()
	return done
}

func (r *Relay) teardown() {
	r.mu.Lock()
	dev := r.dev
	r.dev = nil
	r.msgChar = nil
	r.cmdChar = nil
	r.mu.Unlock()
	if dev != nil {
		_ = dev.Disconnect()
	}
}

// StopAll disconnects from the tower and halts the reconnect loop.
func (r *Relay) StopAll() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.teardown()
	r.setState(StateIdle)
	r.mu.Lock()
	r.started = false
	r.mu.Unlock()
	return nil
}

// RequestConnection is a no-op: the tower connection is managed entirely by
// StartDiscover's reconnect loop, not per-endpoint handshakes.
func (r *Relay) RequestConnection(ctx context.Context, id, selfName string) error {
	return nil
}

// AcceptConnection is a no-op for the same reason.
func (r *Relay) AcceptConnection(id string) error {
	return nil
}

// SendBytes writes data to the tower's MSG characteristic, wrapped in a
// towerFrame so readMsgNotifications on every other phone can recover the
// payload even though the tower itself is endpoint-agnostic.
func (r *Relay) SendBytes(id string, data []byte) error {
	if len(data) > MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d byte MTU", meshErr.ErrPayloadTooLarge, len(data), MaxFrameBytes)
	}
	r.mu.Lock()
	msgChar := r.msgChar
	r.mu.Unlock()
	if msgChar == nil {
		return errors.New("tower: not connected")
	}

	raw, err := json.Marshal(towerFrame{EndpointID: id, Data: data})
	if err != nil {
		return err
	}
	if len(raw) > MaxFrameBytes {
		// The envelope pushed it over budget; write the bare frame and let
		// readMsgNotifications's raw-bytes fallback handle it.
		raw = data
	}
	return msgChar.WriteValue(raw, nil)
}

// SendFile is unsupported over the tower: its 512-byte MTU cannot carry a
// file transfer, which must instead go out over the chunked image-transfer
// path and arrive at the tower as a sequence of ordinary SendBytes frames.
func (r *Relay) SendFile(id, path string) (string, error) {
	return "", errors.New("tower: file transfer unsupported, use the chunked path")
}

// Ping writes the PING command and returns nil if the write succeeds; it
// does not wait for a reply since the tower's only observable response is a
// PEER notification, not a command acknowledgement.
func (r *Relay) Ping() error {
	r.mu.Lock()
	cmdChar := r.cmdChar
	r.mu.Unlock()
	if cmdChar == nil {
		return errors.New("tower: not connected")
	}
	return cmdChar.WriteValue([]byte(cmdPing), nil)
}

// Reset writes the RESET command, asking the tower to clear its relay
// state and drop all subscribers.
func (r *Relay) Reset() error {
	r.mu.Lock()
	cmdChar := r.cmdChar
	r.mu.Unlock()
	if cmdChar == nil {
		return errors.New("tower: not connected")
	}
	return cmdChar.WriteValue([]byte(cmdReset), nil)
}
