//go:build !linux

package main

import (
	"context"
	"errors"

	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/schema"
)

type handler struct {
	logger *logging.Logger
}

func newHandler(logger *logging.Logger) *handler {
	return &handler{logger: logger}
}

func (h *handler) Query(ctx context.Context) ([]schema.Interface, error) {
	return nil, nil
}

func (h *handler) Apply(ctx context.Context, op *schema.Operation) (*schema.Interface, error) {
	return nil, errors.New("dhcp is only supported on linux")
}

func (h *handler) shutdown() {}
