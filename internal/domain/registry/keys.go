package registry

import "github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"

const (
	wdaUsedKey     = "used:wdalocal"
	wdaPoolLockKey = "lock:wdapool"
)

func deviceKey(id string) string          { return "device:" + id }
func statusKey(s types.Status) string     { return "idx:status:" + string(s) }
func platformKey(p types.Platform) string { return "idx:platform:" + string(p) }
func lockKey(id string) string            { return "lock:device:" + id }
func heartbeatKey(id string) string       { return "hb:device:" + id }

// Hash field names.
const (
	fieldDeviceID       = "device_id"
	fieldPlatform       = "platform"
	fieldVersion        = "version"
	fieldLocation       = "location"
	fieldStatus         = "status"
	fieldCurrentSession = "current_session"
	fieldAppiumServer   = "appium_server"
	fieldTestID         = "test_id"
	fieldReservationID  = "reservation_id"
	fieldWDALocalPort   = "wda_local_port"
	fieldUpdatedAt      = "updated_at"
	fieldLastActivity   = "last_activity"
)
