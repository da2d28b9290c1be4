package model

import (
	"context"
	"fmt"
)

// Backend names.
const (
	BackendONNX   = "onnx"
	BackendRemote = "remote"
)

// NewOpener returns the acquisition function for backend.
func NewOpener(backend string, ssd SSDConfig, remote RemoteConfig) (OpenFunc, error) {
	switch backend {
	case BackendONNX:
		return func(ctx context.Context) (Model, error) {
			m, err := OpenSSD(ctx, ssd)
			if err != nil {
				return nil, err
			}
			return m, nil
		}, nil
	case BackendRemote:
		return func(ctx context.Context) (Model, error) {
			m, err := DialRemote(ctx, remote)
			if err != nil {
				return nil, err
			}
			return m, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown model backend %q", backend)
	}
}
