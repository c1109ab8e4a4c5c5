package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type pickleCommand struct {
	NoCreate bool `long:"no-create" description:"Only load an existing key"`
}

func (cmd *pickleCommand) Execute(args []string) error {
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

	var key string
	if cmd.NoCreate {
		key, err = s.PickleKey(ctx)
	} else {
		key, err = s.EnsurePickleKey(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}
