package audit

import (
	"context"
	"strings"

	"github.com/mssola/useragent"

	"zkgate/pkg/requestcontext"
)

// Enrich fills request-scoped fields the caller left empty.
func Enrich(ctx context.Context, e Event) Event {
	if e.RequestID == "" {
		e.RequestID = requestcontext.RequestID(ctx)
	}
	if e.ClientIP == "" {
		e.ClientIP = requestcontext.ClientIP(ctx)
	}
	if e.UserAgent == "" {
		e.UserAgent = requestcontext.UserAgent(ctx)
	}
	if e.Client == "" && e.UserAgent != "" {
		e.Client = describeClient(e.UserAgent)
	}
	if e.Category == "" {
		e.Category = AuditEvent(e.Action).Category()
	}
	return e
}

func describeClient(raw string) string {
	ua := useragent.New(raw)
	if ua.Bot() {
		name, _ := ua.Browser()
		return "bot/" + name
	}
	name, _ := ua.Browser()
	osName := ua.OS()
	parts := make([]string, 0, 2)
	if name != "" {
		parts = append(parts, name)
	}
	if osName != "" {
		parts = append(parts, osName)
	}
	return strings.Join(parts, "/")
}
