package interfaces

import (
	"context"
	"errors"

	osnmodels "github.com/opensensor-io/sensor-server/src/production/OSN.Models"
)

var (
	// ErrInvalidAPIKey means the key does not exist or names a different device.
	ErrInvalidAPIKey = errors.New("invalid api key for device")
	// ErrDeviceConflict means the (device_id, name) pair is already claimed by
	// another user.
	ErrDeviceConflict = errors.New("device already registered to another user")
	// ErrNotAuthorized means the caller does not own the requested device.
	ErrNotAuthorized = errors.New("not authorized for device")
	// ErrNoCommand means the device has no queued command to consume.
	ErrNoCommand = errors.New("no command queued for device")
)

type UserRepository interface {
	// ValidateAPIKey checks that the key exists and is bound to the claimed
	// device identity. Returns the owning user, or ErrInvalidAPIKey.
	ValidateAPIKey(ctx context.Context, apiKey, deviceID, deviceName string) (*osnmodels.User, error)

	// GetOrCreateUser loads the user for an auth subject id, creating an
	// empty record on first sight.
	GetOrCreateUser(ctx context.Context, userID string) (*osnmodels.User, error)

	// AddAPIKey registers a key under the user, minting the secret when none
	// is given and enforcing device exclusivity across users
	// (ErrDeviceConflict). Re-adding the same key is idempotent. Returns the
	// user's full key list.
	AddAPIKey(ctx context.Context, userID string, key osnmodels.APIKey) ([]osnmodels.APIKey, error)

	// ResolveDeviceChain expands a device id into every id grouped with it
	// under the same owner, following compound "id|name" references. Returns
	// the chain ids and the display name of the entry device.
	ResolveDeviceChain(ctx context.Context, deviceID string) ([]string, string, error)

	// UserOwnsDevice reports whether any of the user's keys grant the device
	// identity. A private-flagged key only grants access when the compound
	// "id|name" form names its device name exactly.
	UserOwnsDevice(ctx context.Context, userID, deviceID string) (bool, error)

	// DeviceIsPublic reports whether every key bound to the device shares
	// its data publicly. A device with no registered keys is public.
	DeviceIsPublic(ctx context.Context, deviceID string) (bool, error)

	// ResolveAPIKey maps an API key to its owning user id, or
	// ErrInvalidAPIKey when no user holds it.
	ResolveAPIKey(ctx context.Context, apiKey string) (string, error)

	// ListUserDevices returns the user's devices, one entry per distinct
	// (device_id, device_name) pair.
	ListUserDevices(ctx context.Context, userID string) ([]osnmodels.APIKey, error)

	// ListPublicDevices returns every device whose keys opt in to public data.
	ListPublicDevices(ctx context.Context) ([]osnmodels.APIKey, error)

	// AddCommand queues an instruction for a device owned by the user.
	AddCommand(ctx context.Context, userID string, cmd osnmodels.Command) error

	// ConsumeCommand pops the oldest queued command for the device identity
	// bound to the API key. Returns ErrNoCommand when the queue is empty.
	ConsumeCommand(ctx context.Context, apiKey, deviceID, deviceName string) (*osnmodels.Command, error)
}
