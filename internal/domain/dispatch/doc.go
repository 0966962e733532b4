// Package dispatch forwards W3C WebDriver commands to the Appium session of
// a reserved device.
//
// Commands to one device run one at a time in arrival order; commands to
// different devices run in parallel up to a global bound.
package dispatch
