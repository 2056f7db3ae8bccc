// Package main is the entrypoint for the Auth Core service: phone/OTP
// authentication, refresh-token rotation, and the audit log behind them.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/renov-easy/auth-core/internal/config"
	"github.com/renov-easy/auth-core/internal/server"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:           "authcore",
		PortFromConfig: func(cfg *config.Config) int { return cfg.AuthCore.HTTPPort },
		Setup:          setup,
	}, server.Listeners{})
}
