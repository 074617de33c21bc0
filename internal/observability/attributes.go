package observability

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute helpers keep label keys consistent across instruments.

func methodAttr(method string) attribute.KeyValue {
	return attribute.String("method", method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String("path", path)
}

func statusAttr(code int) attribute.KeyValue {
	return attribute.String("status", strconv.Itoa(code))
}

func providerAttr(slug string) attribute.KeyValue {
	return attribute.String("provider", slug)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String("outcome", outcome)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String("reason", reason)
}
