package logger

import "log/slog"

// Error creates an attribute for a single error under the key "error".
// Nil errors produce an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// SubscriptionID records the subscription identifier.
func SubscriptionID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("subscription_id", id)
}

// CustomerID records the marketplace customer identifier.
func CustomerID(id string) slog.Attr {
	return slog.String("customer_id", id)
}

// PlanID records the plan identifier.
func PlanID(id string) slog.Attr {
	return slog.String("plan_id", id)
}

// Dimension records the usage dimension name.
func Dimension(dim any) slog.Attr {
	return slog.Any("dimension", dim)
}

// Period records the billing period key.
func Period(period string) slog.Attr {
	return slog.String("period", period)
}

// MessageID records the marketplace message identifier.
func MessageID(id string) slog.Attr {
	return slog.String("message_id", id)
}

// Component records the component name.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
