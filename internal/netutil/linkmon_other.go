//go:build !linux

package netutil

import (
	"context"
	"log/slog"
)

// Monitor is unavailable outside Linux; NewMonitor always fails.
type Monitor struct{}

func NewMonitor(logger *slog.Logger) (*Monitor, error) {
	return nil, ErrUnsupported
}

func (m *Monitor) Run(ctx context.Context, out chan<- LinkEvent) error {
	return ErrUnsupported
}

func (m *Monitor) Close() error { return nil }
