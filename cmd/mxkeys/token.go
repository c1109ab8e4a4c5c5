package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
)

type tokenSaveCommand struct {
	Args struct {
		Token string `positional-arg-name:"token" description:"Access token (read from stdin if omitted)"`
	} `positional-args:"true"`
}

func (cmd *tokenSaveCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	token := cmd.Args.Token
	if token == "" {
		fmt.Fprint(os.Stderr, "Access token: ")
		var err error
		token, err = readSecret()
		if err != nil {
			return err
		}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("empty access token")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.EnsurePickleKey(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: no pickle key, token will be stored unencrypted: %v\n", err)
	}
	if err := s.CacheAccessToken(ctx, token); err != nil {
		return err
	}
	fmt.Println("Access token saved.")
	return nil
}

type tokenLoadCommand struct{}

func (cmd *tokenLoadCommand) Execute(args []string) error {
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

	token := s.CachedAccessToken(ctx)
	if token == "" {
		return fmt.Errorf("no cached access token")
	}
	fmt.Println(token)
	return nil
}
