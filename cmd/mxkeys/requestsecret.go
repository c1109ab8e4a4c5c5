package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type requestSecretCommand struct {
	Args struct {
		Name string `positional-arg-name:"name" required:"true" description:"Secret name (e.g. m.megolm_backup.v1)"`
	} `positional-args:"true" required:"true"`
}

func (cmd *requestSecretCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	api, err := apiClient(cfg, s, s.CachedAccessToken(ctx))
	if err != nil {
		return err
	}
	req, err := api.RequestSecret(ctx, s.DeviceID(), cmd.Args.Name)
	if err != nil {
		return err
	}
	fmt.Printf("Requested %s (request %s)\n", req.Name, req.RequestID)
	return nil
}
