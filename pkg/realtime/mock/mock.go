// Package mock provides test doubles for the realtime package interfaces.
//
// Use Client to record the calls a session controller makes and to inject
// notifications with [Client.Emit]. Use Provider to hand pre-built clients to
// code that creates them.
//
// Example:
//
//	c := &mock.Client{}
//	p := &mock.Provider{Client: c}
//	sub := p.NewClient().Subscribe()
//	c.Emit(realtime.Event{Kind: realtime.EventInterrupted})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/realtime"
)

// Compile-time assertions.
var (
	_ realtime.Provider = (*Provider)(nil)
	_ realtime.Client   = (*Client)(nil)
)

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Client is returned by NewClient. If nil, a fresh Client is created on
	// every call.
	Client *Client

	// Created records every client handed out, in order.
	Created []*Client
}

// NewClient records the call and returns Client (or a new one).
func (p *Provider) NewClient() realtime.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.Client
	if c == nil {
		c = &Client{}
	}
	p.Created = append(p.Created, c)
	return c
}

// CancelResponseCall records a single invocation of Client.CancelResponse.
type CancelResponseCall struct {
	ItemID      string
	SampleCount int
}

// Client is a mock implementation of realtime.Client. Set the *Err fields to
// make calls fail; inspect the recorded calls afterwards.
type Client struct {
	hub realtime.Hub

	mu sync.Mutex

	connected bool
	items     []realtime.Item

	// TurnDetection is returned by TurnDetectionType. Zero means none.
	TurnDetection realtime.TurnDetection

	// --- Configurable errors ---

	ConnectErr       error
	DisconnectErr    error
	SendErr          error
	AppendErr        error
	CreateErr        error
	CancelErr        error
	DeleteErr        error
	UpdateSessionErr error

	// --- Recorded calls ---

	ConnectCalls    int
	DisconnectCalls int

	// SentContent records every SendUserMessageContent argument.
	SentContent [][]realtime.Content

	// AppendedAudio records every AppendInputAudio chunk.
	AppendedAudio [][]int16

	CreateResponseCalls int
	CancelCalls         []CancelResponseCall
	DeletedItems        []string
	SessionUpdates      []realtime.SessionUpdate

	// Calls records method names in invocation order.
	Calls []string
}

func (c *Client) record(name string) {
	c.Calls = append(c.Calls, name)
}

// Connect records the call and returns ConnectErr. On success the client
// reports connected.
func (c *Client) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Connect")
	c.ConnectCalls++
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	if c.connected {
		return realtime.ErrAlreadyConnected
	}
	c.connected = true
	return nil
}

// Disconnect records the call, clears items and marks the client
// disconnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Disconnect")
	c.DisconnectCalls++
	c.connected = false
	c.items = nil
	return c.DisconnectErr
}

// IsConnected reports the simulated connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetConnected overrides the simulated connection state.
func (c *Client) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

// SendUserMessageContent records the content and returns SendErr.
func (c *Client) SendUserMessageContent(_ context.Context, content []realtime.Content) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("SendUserMessageContent")
	c.SentContent = append(c.SentContent, append([]realtime.Content(nil), content...))
	return c.SendErr
}

// AppendInputAudio records a copy of samples and returns AppendErr.
func (c *Client) AppendInputAudio(_ context.Context, samples []int16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("AppendInputAudio")
	c.AppendedAudio = append(c.AppendedAudio, append([]int16(nil), samples...))
	return c.AppendErr
}

// CreateResponse records the call and returns CreateErr.
func (c *Client) CreateResponse(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("CreateResponse")
	c.CreateResponseCalls++
	return c.CreateErr
}

// CancelResponse records the call and returns CancelErr.
func (c *Client) CancelResponse(_ context.Context, itemID string, sampleCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("CancelResponse")
	c.CancelCalls = append(c.CancelCalls, CancelResponseCall{ItemID: itemID, SampleCount: sampleCount})
	return c.CancelErr
}

// DeleteItem records the id and returns DeleteErr.
func (c *Client) DeleteItem(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("DeleteItem")
	c.DeletedItems = append(c.DeletedItems, id)
	return c.DeleteErr
}

// UpdateSession records the update and returns UpdateSessionErr. A turn
// detection change is reflected by TurnDetectionType.
func (c *Client) UpdateSession(_ context.Context, update realtime.SessionUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("UpdateSession")
	c.SessionUpdates = append(c.SessionUpdates, update)
	if c.UpdateSessionErr != nil {
		return c.UpdateSessionErr
	}
	if update.TurnDetection != nil {
		c.TurnDetection = *update.TurnDetection
	}
	return nil
}

// TurnDetectionType returns TurnDetection, defaulting to none.
func (c *Client) TurnDetectionType() realtime.TurnDetection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.TurnDetection == "" {
		return realtime.TurnDetectionNone
	}
	return c.TurnDetection
}

// Items returns a copy of the items set with SetItems.
func (c *Client) Items() []realtime.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.Item, len(c.items))
	for i, it := range c.items {
		out[i] = it.Clone()
	}
	return out
}

// SetItems replaces the conversation returned by Items.
func (c *Client) SetItems(items []realtime.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append([]realtime.Item(nil), items...)
}

// Subscribe opens a subscription fed by Emit.
func (c *Client) Subscribe() *realtime.Subscription { return c.hub.Subscribe() }

// Emit publishes ev to every subscription. A zero Time is set to now.
func (c *Client) Emit(ev realtime.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.hub.Publish(ev)
}

// CallLog returns a copy of Calls.
func (c *Client) CallLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Calls...)
}

// Reset clears all recorded calls. Thread-safe.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectCalls = 0
	c.DisconnectCalls = 0
	c.SentContent = nil
	c.AppendedAudio = nil
	c.CreateResponseCalls = 0
	c.CancelCalls = nil
	c.DeletedItems = nil
	c.SessionUpdates = nil
	c.Calls = nil
}
