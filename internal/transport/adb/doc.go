/*
Package adb discovers Android devices through an adb host server.

Discovery polls host:devices-l. Devices in the "device" state that the
registry does not know are registered as available Android devices with the
OS version read from ro.build.version.release; known devices are
heartbeated. Devices in any other state (offline, unauthorized, recovery) are
skipped, so their heartbeat lapses and the registry reports them offline.
*/
package adb
