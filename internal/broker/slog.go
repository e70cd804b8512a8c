package broker

import (
	"context"
	"log/slog"

	"github.com/sirupsen/logrus"

	"github.com/ibs-source/telemetry-pipeline/internal/log"
)

// slogHandler routes the embedded server's slog output into the logrus logger.
// Server chatter is demoted to debug; warnings and errors keep their level.
type slogHandler struct {
	log   *log.Logger
	attrs []slog.Attr
}

func (h *slogHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(logrus.Fields, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})

	msg := r.Message
	if msg == "" {
		msg = "mqtt server"
	}
	switch {
	case r.Level >= slog.LevelError:
		h.log.ErrorWithFields(fields, "%s", msg)
	case r.Level >= slog.LevelWarn:
		h.log.WarnWithFields(fields, "%s", msg)
	default:
		h.log.DebugWithFields(fields, "%s", msg)
	}
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &slogHandler{log: h.log, attrs: merged}
}

func (h *slogHandler) WithGroup(string) slog.Handler {
	return h
}
