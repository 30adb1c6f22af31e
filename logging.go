package banter

import (
	"context"
	"log/slog"
)

// nopLogger discards everything. Components take an optional *slog.Logger
// and fall back to this so library code never writes to stderr unasked.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool   { return false }
func (discardHandler) Handle(context.Context, slog.Record) error  { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler       { return d }
func (d discardHandler) WithGroup(string) slog.Handler            { return d }
