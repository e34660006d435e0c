package relay

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

var (
	_ audio.Device = (*Device)(nil)
	_ audio.Track  = (*track)(nil)
)

// Device asks the browser for microphone access.
type Device struct {
	link *Link
}

// NewDevice returns a Device using link.
func NewDevice(link *Link) *Device {
	return &Device{link: link}
}

type acquireResult struct {
	Live bool `json:"live"`
}

// Acquire implements [audio.Device]. Browser capture failures come back as
// *audio.DeviceError carrying the DOMException name.
func (d *Device) Acquire(ctx context.Context) (audio.Track, error) {
	var res acquireResult
	if err := d.link.Call(ctx, OpDeviceAcquire, nil, &res); err != nil {
		return nil, err
	}
	return &track{link: d.link, live: res.Live}, nil
}

type track struct {
	link *Link

	mu   sync.Mutex
	live bool
	done bool
}

func (t *track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live && !t.done
}

func (t *track) Stop() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.mu.Unlock()
	_ = t.link.Notify(context.Background(), OpTrackStop, nil)
}
