// Package auth keeps the billing platform connection's access token fresh.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/billabex/netsuite-connector/internal/lock"
	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/billabex/netsuite-connector/pkg/metrics"

	"golang.org/x/oauth2"
)

const (
	lockTTL  = 30 * time.Second
	lockWait = 15 * time.Second
)

type ConnectionRepository interface {
	GetOrCreateConnection(ctx context.Context, name string) (models.Connection, error)
	SaveTokens(ctx context.Context, name string, t models.Tokens) error
	SetConnected(ctx context.Context, name string, connected bool) error
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*lock.Lease, error)
}

type Options struct {
	TokenURL       string
	ConnectionName string
	Margin         time.Duration
	HTTPClient     *http.Client
}

// Refresher exchanges the refresh token when the access token gets close to
// expiry. Refresh tokens are single use, so every process goes through the
// same Redis lock and re-reads the connection once it holds it.
type Refresher struct {
	repo   ConnectionRepository
	locker Locker
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewRefresher(repo ConnectionRepository, locker Locker, opts Options, logger *slog.Logger) *Refresher {
	if opts.ConnectionName == "" {
		opts.ConnectionName = "default"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Refresher{
		repo:   repo,
		locker: locker,
		opts:   opts,
		logger: logger.With("component", "token_refresher", "connection", opts.ConnectionName),
		now:    time.Now,
	}
}

// EnsureFresh returns a connection whose access token outlives the margin,
// refreshing it first if needed.
func (r *Refresher) EnsureFresh(ctx context.Context) (models.Connection, error) {
	conn, err := r.repo.GetOrCreateConnection(ctx, r.opts.ConnectionName)
	if err != nil {
		return models.Connection{}, fmt.Errorf("load connection: %w", err)
	}
	if conn.AccessTokenValid(r.now(), r.opts.Margin) {
		metrics.TokenRefreshes.WithLabelValues("not_needed").Inc()
		return conn, nil
	}

	lease, err := r.locker.Acquire(ctx, "billing:token-refresh:"+r.opts.ConnectionName, lockTTL, lockWait)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return models.Connection{}, fmt.Errorf("token refresh lock: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			r.logger.Warn("Could not release token refresh lock", "error", err)
		}
	}()

	// another process may have refreshed while we waited for the lock
	conn, err = r.repo.GetOrCreateConnection(ctx, r.opts.ConnectionName)
	if err != nil {
		return models.Connection{}, fmt.Errorf("reload connection: %w", err)
	}
	if conn.AccessTokenValid(r.now(), r.opts.Margin) {
		metrics.TokenRefreshes.WithLabelValues("already_refreshed").Inc()
		return conn, nil
	}

	if !conn.CanRefresh(r.now()) {
		metrics.TokenRefreshes.WithLabelValues("expired").Inc()
		r.disconnect(ctx)
		return models.Connection{}, fmt.Errorf("FATAL: connection %s has no usable refresh token, reauthorize it", r.opts.ConnectionName)
	}

	tokens, err := r.exchange(ctx, conn)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			metrics.TokenRefreshes.WithLabelValues("invalid_grant").Inc()
			r.disconnect(ctx)
			return models.Connection{}, fmt.Errorf("FATAL: refresh token rejected for connection %s: %w", r.opts.ConnectionName, err)
		}
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return models.Connection{}, fmt.Errorf("refresh token: %w", err)
	}

	if err := r.repo.SaveTokens(ctx, r.opts.ConnectionName, tokens); err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return models.Connection{}, fmt.Errorf("CRITICAL: refreshed tokens not saved: %w", err)
	}

	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	r.logger.Info("🔑 Access token refreshed", "expires_at", tokens.AccessExpiresAt)
	return conn.WithTokens(tokens), nil
}

func (r *Refresher) exchange(ctx context.Context, conn models.Connection) (models.Tokens, error) {
	cfg := oauth2.Config{
		ClientID:     conn.ClientID,
		ClientSecret: conn.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  r.opts.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.opts.HTTPClient)
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.RefreshToken}).Token()
	if err != nil {
		return models.Tokens{}, err
	}

	out := models.Tokens{
		AccessToken:      tok.AccessToken,
		AccessExpiresAt:  tok.Expiry,
		RefreshToken:     conn.RefreshToken,
		RefreshExpiresAt: conn.RefreshExpiresAt,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != conn.RefreshToken {
		out.RefreshToken = tok.RefreshToken
		out.RefreshExpiresAt = time.Time{}
		if secs, ok := tok.Extra("refresh_token_expires_in").(float64); ok && secs > 0 {
			out.RefreshExpiresAt = r.now().Add(time.Duration(secs) * time.Second)
		}
	}
	return out, nil
}

func (r *Refresher) disconnect(ctx context.Context) {
	r.logger.Error("Connection lost its authorization, marking it disconnected")
	if err := r.repo.SetConnected(ctx, r.opts.ConnectionName, false); err != nil {
		r.logger.Error("Failed to mark connection disconnected", "error", err)
	}
}
