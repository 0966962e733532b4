/*
Package resilience provides circuit breakers for calls to Appium servers.

A Group keeps one Breaker per server URL, so a single dead Appium node
fails fast while the rest of the pool keeps serving reservations.

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                       [failure]
	                                           v
	                                          Open

# Usage

	group := resilience.NewGroup(resilience.Settings{
		Timeout: 30 * time.Second,
		IsSuccessful: func(err error) bool {
			return err == nil || appium.IsClientError(err)
		},
	})

	sid, err := resilience.Do(ctx, group.Get(server), func(ctx context.Context) (string, error) {
		return start(ctx, server)
	})
*/
package resilience
