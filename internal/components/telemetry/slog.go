package telemetry

import (
	"fmt"
	"log/slog"
	"strings"
)

// SlogAPI implements API using the log/slog package. The namespace added by
// ScopedAPI is logged as its own "scope" attribute.
type SlogAPI struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (s SlogAPI) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func splitScope(id string) (scope string, rest string) {
	i := strings.LastIndex(id, ": ")
	if i < 0 {
		return "", id
	}
	return id[:i], id[i+2:]
}

func (SlogAPI) attrs(id string, params []any) []any {
	out := make([]any, 0, 4+2*len(params))
	scope, id := splitScope(id)
	if scope != "" {
		out = append(out, "scope", scope)
	}
	if id != "" {
		out = append(out, "id", id)
	}
	for i, p := range params {
		if err, ok := p.(error); ok {
			out = append(out, "err", err.Error())
			continue
		}
		out = append(out, fmt.Sprintf("params.%d", i), p)
	}
	return out
}

func (s SlogAPI) ReportBroken(id string, params ...any) {
	s.logger().Error("broken component", s.attrs(id, params)...)
}

func (s SlogAPI) ReportWarning(id string, params ...any) {
	s.logger().Warn("warning", s.attrs(id, params)...)
}

func (s SlogAPI) ReportDebug(message string, params ...any) {
	scope, message := splitScope(message)
	attrs := s.attrs("", params)
	if scope != "" {
		attrs = append([]any{"scope", scope}, attrs...)
	}
	s.logger().Debug(message, attrs...)
}

func (s SlogAPI) ReportCount(id string, count int64) {
	s.logger().Info("count", append(s.attrs(id, nil), "n", count)...)
}
