package cmd

import (
	"context"
	"time"

	"firestige.xyz/fieldtrace/internal/command"
)

// ClientInterface is the subset of the UDS client the control commands use.
type ClientInterface interface {
	Ping(ctx context.Context) error
	RecorderStatus(ctx context.Context) (*command.Response, error)
	DaemonStatus(ctx context.Context) (*command.Response, error)
	Shutdown(ctx context.Context) (*command.Response, error)
}

var cli ClientInterface

// SetClient injects a client, used by tests.
func SetClient(c ClientInterface) {
	cli = c
}

// GetClient returns the injected client, or a UDS client for the
// configured socket.
func GetClient() (ClientInterface, error) {
	if cli != nil {
		return cli, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return command.NewUDSClient(cfg.Control.Socket, 10*time.Second), nil
}
