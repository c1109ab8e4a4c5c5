package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type verifyDeviceCommand struct {
	Args struct {
		Device string `positional-arg-name:"device" required:"true" description:"Device ID to mark as verified"`
	} `positional-args:"true" required:"true"`
}

func (cmd *verifyDeviceCommand) Execute(args []string) error {
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

	if err := s.VerifyDevice(ctx, s.UserID(), cmd.Args.Device); err != nil {
		return err
	}
	fmt.Printf("Device %s of %s is now verified.\n", cmd.Args.Device, s.UserID())
	return nil
}
