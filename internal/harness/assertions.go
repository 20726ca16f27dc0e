package harness

import "fmt"

// Check runs every assertion against the result, returning one error per
// failed assertion. An empty slice means all assertions held.
func Check(result *Result, assertions []Assertion) []error {
	var failures []error
	for i, a := range assertions {
		if err := checkOne(result, &a); err != nil {
			failures = append(failures, fmt.Errorf("assertions[%d] (%s): %w", i, a.Type, err))
		}
	}
	return failures
}

func checkOne(result *Result, a *Assertion) error {
	switch a.Type {
	case AssertCallbackCount:
		if got := len(result.Trace); got != a.Count {
			return fmt.Errorf("expected %d callbacks, got %d", a.Count, got)
		}
	case AssertInvokeCount:
		got := 0
		for _, ev := range result.Trace {
			if ev.Kind == KindInvoke {
				got++
			}
		}
		if got != a.Count {
			return fmt.Errorf("expected %d invocations, got %d", a.Count, got)
		}
	case AssertFiredCount:
		events, err := result.Registry.Events(a.Subscription, 0)
		if err != nil {
			return err
		}
		if len(events) != a.Count {
			return fmt.Errorf("subscription %d: expected %d fired events, got %d",
				a.Subscription, a.Count, len(events))
		}
	case AssertSubscriptionActive:
		sub, err := result.Registry.Get(a.Subscription)
		if err != nil {
			return err
		}
		if sub.Active != a.Active {
			return fmt.Errorf("subscription %d: expected active=%v, got %v",
				a.Subscription, a.Active, sub.Active)
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
