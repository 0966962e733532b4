/*
Package appium is the transport to Appium servers.

It speaks the subset of the W3C WebDriver protocol the device manager needs:

  - POST   {server}/session               open a session on a device
  - DELETE {server}/session/{id}          close it
  - *      {server}/session/{id}/{path}   forward a command
  - GET    {server}/status                server health

Every call goes through a per-server circuit breaker and a shared rate
limiter. Client errors (4xx) are reported to the caller but do not count
against the server's breaker.
*/
package appium
