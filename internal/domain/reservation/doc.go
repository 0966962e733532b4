/*
Package reservation coordinates the device lifecycle: registration,
exclusive reservation with an Appium session, release and heartbeats.

Reserve follows a fixed order:

 1. the device must exist and be available
 2. the per-device Redis lock is taken (423 when busy) and the status is
    checked again under it
 3. iOS devices get a WebDriverAgent port: the requested one, the stored
    one, or a newly allocated one
 4. an Appium server is taken from the pool and a session is opened; on
    failure the server goes back to the pool
 5. the registry records the session, the history gets a row and a
    reserved event is published

The lock is released on every path. The Reaper releases sessions idle
longer than the configured timeout.
*/
package reservation
