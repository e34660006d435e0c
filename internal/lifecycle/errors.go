package lifecycle

import (
	"errors"
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/realtime"
)

// Kind classifies a connect failure. Each kind has its own remediation
// message.
type Kind string

const (
	KindUnsupported           Kind = "unsupported"
	KindInsecureContext       Kind = "insecure-context"
	KindPermissionDenied      Kind = "permission-denied"
	KindDeviceNotFound        Kind = "device-not-found"
	KindDeviceBusy            Kind = "device-busy"
	KindDeviceOverconstrained Kind = "device-overconstrained"
	KindCaptureAborted        Kind = "capture-aborted"
	KindCaptureUnknown        Kind = "capture-unknown"
	KindRecorderInit          Kind = "recorder-init"
	KindPlayerInit            Kind = "player-init"
	KindAuth                  Kind = "auth"
	KindRateLimited           Kind = "rate-limited"
	KindNetwork               Kind = "network"
	KindRemoteUnknown         Kind = "remote-unknown"
)

var messages = map[Kind]string{
	KindUnsupported:           "This browser cannot capture audio. Open the app in a current version of Chrome, Edge, Firefox or Safari.",
	KindInsecureContext:       "Microphone access needs a secure page. Open the app over HTTPS or from localhost.",
	KindPermissionDenied:      "Microphone permission was denied. Allow microphone access for this site in the browser's site settings, then pick the scenario again.",
	KindDeviceNotFound:        "No microphone was found. Connect a microphone and check that it is enabled in your system sound settings.",
	KindDeviceBusy:            "The microphone is being used by another application. Close other programs that use it and try again.",
	KindDeviceOverconstrained: "The microphone does not support the required audio settings. Select a different input device in your system settings.",
	KindCaptureAborted:        "Microphone access was interrupted before it started. Try again.",
	KindCaptureUnknown:        "The microphone could not be started. Check the device and the browser's permissions, then try again.",
	KindRecorderInit:          "Audio recording could not be started. Reload the page and try again.",
	KindPlayerInit:            "Audio playback could not be started. Check your speaker output and reload the page.",
	KindAuth:                  "The speech service rejected the API key. Check the key in settings.",
	KindRateLimited:           "The speech service is rate limiting requests. Wait a minute and try again, or check your account quota.",
	KindNetwork:               "Could not reach the speech service. Check your internet connection and the relay server URL in settings.",
	KindRemoteUnknown:         "The speech service could not start a session. Try again in a moment.",
}

// Message returns the remediation message for k, or "" for an unknown kind.
func (k Kind) Message() string { return messages[k] }

// ErrTrackNotLive is returned when the acquired microphone track produces no
// audio.
var ErrTrackNotLive = errors.New("lifecycle: microphone track is not live")

// ErrNotConnected is returned by operations that need a connected session.
var ErrNotConnected = errors.New("lifecycle: not connected")

// ErrAlreadyConnected is returned by Connect on a connected controller.
var ErrAlreadyConnected = errors.New("lifecycle: already connected")

// ErrPushToTalkDisabled is returned by StartPushToTalk while the remote
// service detects turns itself.
var ErrPushToTalkDisabled = errors.New("lifecycle: push-to-talk needs manual turn detection")

// ConnectError is a classified connect failure.
type ConnectError struct {
	Kind Kind
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("lifecycle: connect: %s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// UserMessage returns the text to show for err. Classified connect errors
// get their remediation message; anything else gets a generic message that
// includes the error text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		if msg := ce.Kind.Message(); msg != "" {
			return msg
		}
	}
	return "Something went wrong while starting the conversation: " + err.Error()
}

// classifyDevice maps a microphone acquisition failure onto a Kind. The
// legacy Chrome names are accepted alongside the standard ones.
func classifyDevice(err error) Kind {
	var de *audio.DeviceError
	if !errors.As(err, &de) {
		return KindCaptureUnknown
	}
	switch de.Name {
	case audio.ErrNameNotSupported:
		return KindUnsupported
	case audio.ErrNameInsecure:
		return KindInsecureContext
	case audio.ErrNameNotAllowed, "PermissionDeniedError":
		return KindPermissionDenied
	case audio.ErrNameNotFound, "DevicesNotFoundError":
		return KindDeviceNotFound
	case audio.ErrNameNotReadable, "TrackStartError":
		return KindDeviceBusy
	case audio.ErrNameOverconstraint, "ConstraintNotSatisfiedError":
		return KindDeviceOverconstrained
	case audio.ErrNameAbort:
		return KindCaptureAborted
	default:
		return KindCaptureUnknown
	}
}

// classifyRemote maps a realtime session failure onto a Kind.
func classifyRemote(err error) Kind {
	switch {
	case errors.Is(err, realtime.ErrUnauthorized):
		return KindAuth
	case errors.Is(err, realtime.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, realtime.ErrNetwork):
		return KindNetwork
	default:
		return KindRemoteUnknown
	}
}
