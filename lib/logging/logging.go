// Package logging provides slog attribute helpers shared by all
// components, so log lines have a consistent shape regardless of which
// subsystem emits them.
package logging

import (
	"fmt"
	"log/slog"
)

// Component identifies the component emitting the log line by its
// concrete Go type, e.g. "*registry.Component".
func Component(cmp any) slog.Attr {
	return slog.String("component", fmt.Sprintf("%T", cmp))
}

// Error attaches an error under the conventional "error" key.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// Directory attaches a directory id.
func Directory(id string) slog.Attr {
	return slog.String("directory_id", id)
}

// FHIRServer attaches a FHIR base URL.
func FHIRServer(baseURL string) slog.Attr {
	return slog.String("fhir_base_url", baseURL)
}

// ResourceRef attaches a "Type/id" resource reference.
func ResourceRef(resourceType, id string) slog.Attr {
	return slog.String("resource", resourceType+"/"+id)
}

// RequestID attaches a correlation id shared by an audit attempt/result
// event pair.
func RequestID(id string) slog.Attr {
	return slog.String("request_id", id)
}
