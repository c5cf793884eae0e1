package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"torrentctl/internal/config"
	"torrentctl/internal/repository/sqlite"
	"torrentctl/internal/service"
)

// runStatus prints the text dump served by a running serve instance.
func runStatus(ctx context.Context, cfg config.Config, hash, server, token string, out io.Writer) error {
	if server == "" {
		server = "http://" + cfg.Server.Addr
	}
	endpoint, err := url.JoinPath(server, "/api/status")
	if err != nil {
		return fmt.Errorf("invalid --server %q: %w", server, err)
	}
	if hash != "" {
		endpoint += "?hash=" + url.QueryEscape(strings.ToLower(hash))
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", server, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed (%s): %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, err = out.Write(body)
	return err
}

// runUserAdd creates an API operator or resets its password.
func runUserAdd(ctx context.Context, cfg config.Config, logger *logrus.Logger, username, password string, in io.Reader) error {
	if password == "" {
		fmt.Printf("Password for %s: ", username)
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimSpace(line)
	}

	store, err := sqlite.OpenStore(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	auth := service.NewAuthService(store.Users, cfg.Auth.JWTSecret, cfg.TokenTTL())
	user, created, err := auth.SetUser(ctx, username, password)
	if err != nil {
		return err
	}

	log := logger.WithField("username", user.Username)
	if created {
		log.Info("user created")
	} else {
		log.Info("password updated")
	}
	if !auth.Enabled() {
		log.Warn("auth.jwtsecret is empty, serve will not ask for tokens")
	}
	return nil
}
