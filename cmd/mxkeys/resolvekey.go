package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"

	"github.com/gwillem/mxkeys"
	"github.com/gwillem/mxkeys/internal/keyderive"
)

type resolveKeyCommand struct {
	Args struct {
		KeyIDs []string `positional-arg-name:"key-id" description:"Candidate key IDs (default: the account's default key)"`
	} `positional-args:"true"`
}

func (cmd *resolveKeyCommand) Execute(args []string) error {
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
	api, err := apiClient(cfg, s, s.CachedAccessToken(ctx))
	s.Close()
	if err != nil {
		return err
	}

	keyIDs := cmd.Args.KeyIDs
	if len(keyIDs) == 0 {
		id, err := api.DefaultKeyID(ctx)
		if err != nil {
			return err
		}
		if id == "" {
			return fmt.Errorf("account has no default secret storage key")
		}
		keyIDs = []string{id}
	}

	s, err = openSession(cfg,
		mxkeys.WithKeyServer(api),
		mxkeys.WithInputProvider(mxkeys.InputFunc(promptInput)),
	)
	if err != nil {
		return err
	}
	defer s.Close()

	id, key, err := s.ResolveKey(ctx, keyIDs...)
	if err != nil {
		return err
	}
	defer keyderive.Zero(key)
	if id == "" {
		return fmt.Errorf("none of the keys exist on the server")
	}
	fmt.Printf("Key %s unlocked.\n", id)
	return nil
}

type recoveryKeyCommand struct{}

func (cmd *recoveryKeyCommand) Execute(args []string) error {
	key := make([]byte, keyderive.KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	defer keyderive.Zero(key)

	rk, err := keyderive.EncodeRecoveryKey(key)
	if err != nil {
		return err
	}
	fmt.Println(rk)
	return nil
}
