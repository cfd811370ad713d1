package stream

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// watermillLogger adapts a zerolog logger to watermill's LoggerAdapter.
type watermillLogger struct {
	l zerolog.Logger
}

func NewWatermillLogger(l zerolog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{l: l}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.event(w.l.Error().Err(err), fields).Msg(msg)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.event(w.l.Info(), fields).Msg(msg)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.event(w.l.Debug(), fields).Msg(msg)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.event(w.l.Trace(), fields).Msg(msg)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	l := w.l
	for k, v := range fields {
		l = l.With().Interface(k, v).Logger()
	}
	return &watermillLogger{l: l}
}

func (w *watermillLogger) event(ev *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}
