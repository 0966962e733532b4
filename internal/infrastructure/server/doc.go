// Package server assembles the device manager: Redis registry, Appium pool,
// reservation manager, command dispatcher, event bus and the HTTP router.
//
// Run serves HTTP alongside the background workers (session reaper, gauge
// collector and, when enabled, ADB discovery) and shuts everything down
// when its context ends:
//
//	srv, err := server.NewServer(ctx, cfg)
//	if err != nil { ... }
//	defer srv.Close()
//	err = srv.Run(ctx)
package server
