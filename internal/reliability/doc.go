// Package reliability provides the retry policy guarding broker setup.
//
// Setup (connect, open a channel, declare topology, subscribe) runs inside
// Retry with a RetryPolicy. The default policy makes 10 attempts spaced by a
// fixed 5 second delay and treats every error as retryable; once it gives up
// the last failure surfaces wrapped in a RetryError, which is fatal for the
// owning service. Message processing is never retried here; redelivery of
// rejected messages is left to the broker.
//
// Example usage:
//
//	err := reliability.Retry(ctx, reliability.DefaultConnectPolicy(), func(attempt int) error {
//	    return setup(ctx)
//	})
package reliability
