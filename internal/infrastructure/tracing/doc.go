/*
Package tracing provides lightweight request tracing.

Inbound requests carry or receive an X-Trace-ID / X-Span-ID pair; the
Appium client copies the pair onto outbound calls with Inject, so a
reservation can be followed from the API into the Appium server logs.
Finished spans are logged through zap from a buffered collector.

# Usage

	tracer := tracing.New("mobile-device-manager", logger)
	defer tracer.Close()
	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "appium.session_start")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()
*/
package tracing
