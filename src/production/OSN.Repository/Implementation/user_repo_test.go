package implementation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	osnmodels "github.com/opensensor-io/sensor-server/src/production/OSN.Models"
)

func TestSplitCompoundDeviceID(t *testing.T) {
	id, name := splitCompoundDeviceID("ABC123")
	assert.Equal(t, "ABC123", id)
	assert.Equal(t, "", name)

	id, name = splitCompoundDeviceID("ABC123|greenhouse")
	assert.Equal(t, "ABC123", id)
	assert.Equal(t, "greenhouse", name)

	// Only the first separator splits; names may carry pipes.
	id, name = splitCompoundDeviceID("ABC123|a|b")
	assert.Equal(t, "ABC123", id)
	assert.Equal(t, "a|b", name)
}

func TestKeysAllowPublicRead(t *testing.T) {
	// A device nobody registered a key for is readable by anyone.
	assert.True(t, keysAllowPublicRead(nil))

	public := osnmodels.APIKey{Key: "k1", DeviceID: "dev-1"}
	private := osnmodels.APIKey{Key: "k2", DeviceID: "dev-1", PrivateData: true}

	assert.True(t, keysAllowPublicRead([]osnmodels.APIKey{public}))
	assert.False(t, keysAllowPublicRead([]osnmodels.APIKey{private}))
	assert.False(t, keysAllowPublicRead([]osnmodels.APIKey{public, private}))
}

func TestKeyPermitsDevice(t *testing.T) {
	open := osnmodels.APIKey{DeviceID: "dev-1", DeviceName: "greenhouse"}
	assert.True(t, keyPermitsDevice(open, "dev-1", ""))
	assert.True(t, keyPermitsDevice(open, "dev-1", "greenhouse"))
	assert.False(t, keyPermitsDevice(open, "dev-2", ""))

	// A private key requires the exact device name from the compound id,
	// even for the owner.
	private := osnmodels.APIKey{DeviceID: "dev-1", DeviceName: "greenhouse", PrivateData: true}
	assert.False(t, keyPermitsDevice(private, "dev-1", ""))
	assert.False(t, keyPermitsDevice(private, "dev-1", "other"))
	assert.True(t, keyPermitsDevice(private, "dev-1", "greenhouse"))
}
