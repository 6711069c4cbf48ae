// Package reliability provides the retry policy used while establishing the
// broker connection and the inspector that reads dead-lettered deliveries.
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 3)
//	err := Retry(ctx, "dial", policy, func(attempt int) error {
//	    return dial()
//	})
package reliability
