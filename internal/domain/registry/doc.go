/*
Package registry stores the device fleet in Redis.

# Layout

	device:{id}              hash with the device fields
	idx:status:{status}      set of device ids per stored status
	idx:platform:{platform}  set of device ids per platform
	lock:device:{id}         reservation lock (SET NX EX RESERVE_LOCK_TTL)
	hb:device:{id}           heartbeat marker (SET EX HEARTBEAT_TTL)
	used:wdalocal            WebDriverAgent ports held by devices
	lock:wdapool             short lock around WDA port allocation

A device stored as available whose heartbeat key has expired is reported
as offline. Reads never rewrite the stored status; the next heartbeat
simply makes it available again.

# Inventory

Seeder loads devices from YAML or TOML files matching a doublestar glob:

	devices:
	  - device_id: ipad-7
	    platform: ios
	    version: "17.4"
	    location: rack-2
	    wda_local_port: 8105
*/
package registry
