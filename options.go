package devicesdk

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/mladedav/device-sdk/internal/method"
	"github.com/mladedav/device-sdk/internal/provision"
	"github.com/mladedav/device-sdk/internal/twin"
)

// Compression of a message payload before it leaves the device.
type Compression uint8

const (
	// NoCompression sends the payload as is.
	NoCompression Compression = iota
	// BrotliFastest trades compression ratio for speed.
	BrotliFastest
	// BrotliSmallestSize trades speed for the smallest payload.
	BrotliSmallestSize
)

// MessageContext carries the routing shared by a group of messages so it is
// not repeated on every enqueue call.
type MessageContext struct {
	// StreamGroup the messages belong to. Nil selects the workspace default.
	StreamGroup *string
	// Stream within the group. Nil selects the stream group default.
	Stream *string
	// SiteID tags the messages with a physical location. Optional.
	SiteID *string
	// Compression applied to each payload.
	Compression Compression
}

// DesiredPropertiesUpdate is passed to the desired-properties callback.
type DesiredPropertiesUpdate = twin.DesiredProperties

// DirectMethodHandler processes a direct method invocation and returns the
// status code and response payload to report back to the caller.
type DirectMethodHandler = method.Handler

// ProvisioningOperationDisplay presents a pending provisioning operation to
// an operator. The default prints it to stdout.
type ProvisioningOperationDisplay = provision.OperationDisplay

// Options configures Open. InstanceURL and ProvisioningToken are required;
// each falls back to its environment variable when left empty.
type Options struct {
	// InstanceURL of the platform, e.g. https://api.example.com.
	// Falls back to DEVICE_SDK_INSTANCE_URL.
	InstanceURL string
	// ProvisioningToken authorizes the device to start provisioning.
	// Falls back to DEVICE_SDK_PROVISIONING_TOKEN.
	ProvisioningToken string
	// DeviceID requests a specific device identity during provisioning.
	// Nil lets the platform assign one. Falls back to DEVICE_SDK_DEVICE_ID.
	DeviceID *string
	// DatabasePath is the local state file. Falls back to
	// DEVICE_SDK_DATABASE_PATH, then "device.db".
	DatabasePath string
	// Display overrides how a pending provisioning operation is presented.
	Display ProvisioningOperationDisplay
	// DesiredPropertiesCallback is invoked on every accepted change of the
	// desired properties, from a dedicated goroutine.
	DesiredPropertiesCallback func(DesiredPropertiesUpdate)
	// DirectMethodHandler is invoked for every direct method call, from a
	// dedicated goroutine. Nil leaves method calls unanswered.
	DirectMethodHandler DirectMethodHandler
	// LogLevel is the initial level; adjustable later via SetLogLevel.
	LogLevel slog.Level
	// Logger overrides the default stderr text logger. The configured level
	// still applies through SetLogLevel only when this is nil.
	Logger *slog.Logger
}

func (o *Options) withDefaults() (*Options, error) {
	out := *o
	if out.InstanceURL == "" {
		out.InstanceURL = strings.TrimSpace(os.Getenv("DEVICE_SDK_INSTANCE_URL"))
	}
	if out.ProvisioningToken == "" {
		out.ProvisioningToken = strings.TrimSpace(os.Getenv("DEVICE_SDK_PROVISIONING_TOKEN"))
	}
	if out.DeviceID == nil {
		if v := strings.TrimSpace(os.Getenv("DEVICE_SDK_DEVICE_ID")); v != "" {
			out.DeviceID = &v
		}
	}
	if out.DatabasePath == "" {
		out.DatabasePath = getEnv("DEVICE_SDK_DATABASE_PATH", "device.db")
	}
	if out.InstanceURL == "" {
		return nil, errors.New("instance URL is required")
	}
	if out.ProvisioningToken == "" {
		return nil, errors.New("provisioning token is required")
	}
	return &out, nil
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
