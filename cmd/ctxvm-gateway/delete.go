package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/contextvm/ctxvm-go/relay"
	"github.com/contextvm/ctxvm-go/signer"
	"github.com/contextvm/ctxvm-go/transport"
)

var flagDeleteReason string

var deleteCmd = &cobra.Command{
	Use:   "delete-announcements",
	Short: "Publish deletion events for this server's announcements",
	RunE:  runDelete,
}

func init() {
	deleteCmd.Flags().StringVar(&flagDeleteReason, "reason", "server retired", "reason recorded on the deletion events")
}

func runDelete(cmd *cobra.Command, args []string) error {
	log := newLogger()
	slog.SetDefault(log)

	cfg, err := LoadConfig(flagConfig, flagEnvFile)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	sig, err := signer.NewPrivateKeySigner(cfg.Gateway.PrivateKey)
	if err != nil {
		return err
	}
	pool := relay.NewPool(cfg.Gateway.Relays, relay.WithLogger(log))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := pool.Connect(ctx); err != nil {
		return err
	}
	defer pool.Disconnect(context.Background())

	srv := transport.NewServerTransport(sig, pool, transport.WithServerLogger(log))
	deleted, err := srv.DeleteAnnouncements(ctx, flagDeleteReason)
	if err != nil {
		return err
	}
	for _, id := range deleted {
		fmt.Println(id)
	}
	log.Info("announcements deleted", "count", len(deleted))
	return nil
}
