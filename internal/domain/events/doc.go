/*
Package events carries device lifecycle events.

The Bus fans each event out to in-process subscribers (the websocket stream)
and, through a single worker, to sinks such as MQTT. Publishing never blocks
the reservation path; slow consumers lose events and the loss is counted in
mdm_events_dropped_total.
*/
package events
