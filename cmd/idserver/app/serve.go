// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/idserver/pkg/idserver/client"
	"github.com/stacklok/idserver/pkg/idserver/crypto"
	"github.com/stacklok/idserver/pkg/idserver/dpop"
	"github.com/stacklok/idserver/pkg/idserver/keys"
	"github.com/stacklok/idserver/pkg/idserver/par"
	"github.com/stacklok/idserver/pkg/idserver/server"
	"github.com/stacklok/idserver/pkg/idserver/session"
	"github.com/stacklok/idserver/pkg/idserver/validation"
	"github.com/stacklok/idserver/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	Long: `Start the authorization server. Clients are registered through the
config file; state lives in Redis when --redis-url is set and in memory
otherwise.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second

	dpopNonceLifetime = 5 * time.Minute
	redisKeyPrefix    = "idserver"
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("issuer", "", "Issuer identifier (absolute URL)")
	serveCmd.Flags().String("login-url", "", "Interaction UI URL for unauthenticated users")
	serveCmd.Flags().String("redis-url", "", "Redis URL for shared state (empty for in-memory)")
	serveCmd.Flags().String("config", "", "Config file with client registrations")

	for _, name := range []string{"address", "issuer", "login-url", "redis-url", "config"} {
		if err := viper.BindPFlag(name, serveCmd.Flags().Lookup(name)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", name, err)
		}
	}
	viper.SetEnvPrefix("idserver")
	viper.AutomaticEnv()
}

// clientConfig is one registered client in the config file. Secrets are
// given in plaintext and hashed at load time.
type clientConfig struct {
	ID                   string   `mapstructure:"id"`
	Secret               string   `mapstructure:"secret"`
	Public               bool     `mapstructure:"public"`
	RedirectURIs         []string `mapstructure:"redirect_uris"`
	GrantTypes           []string `mapstructure:"grant_types"`
	Scopes               []string `mapstructure:"scopes"`
	AllowedResources     []string `mapstructure:"allowed_resources"`
	RequirePKCE          bool     `mapstructure:"require_pkce"`
	AllowPlainPKCE       bool     `mapstructure:"allow_plain_pkce"`
	RequireDPoP          bool     `mapstructure:"require_dpop"`
	RequirePAR           bool     `mapstructure:"require_par"`
	RequestObjectKeys    string   `mapstructure:"request_object_keys"`
	RefreshTokenRotation string   `mapstructure:"refresh_token_rotation"`
}

func buildClients(cfgs []clientConfig) ([]*client.Client, error) {
	clients := make([]*client.Client, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("client registration without an id")
		}
		c := &client.Client{
			ID:                   cfg.ID,
			Enabled:              true,
			Public:               cfg.Public,
			RedirectURIs:         cfg.RedirectURIs,
			GrantTypes:           cfg.GrantTypes,
			Scopes:               cfg.Scopes,
			AllowedResources:     cfg.AllowedResources,
			RequirePKCE:          cfg.RequirePKCE,
			AllowPlainPKCE:       cfg.AllowPlainPKCE,
			RequireDPoP:          cfg.RequireDPoP,
			RequirePAR:           cfg.RequirePAR,
			RequestObjectKeys:    []byte(cfg.RequestObjectKeys),
			RefreshTokenRotation: client.RefreshTokenRotation(cfg.RefreshTokenRotation),
		}
		if c.RefreshTokenRotation == "" {
			c.RefreshTokenRotation = client.RotationOneTimeUse
		}
		if cfg.Secret != "" {
			if cfg.Public {
				return nil, fmt.Errorf("client %s: public clients cannot have a secret", cfg.ID)
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Secret), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("client %s: %w", cfg.ID, err)
			}
			c.Secrets = []client.Secret{{Type: client.SecretTypeSharedBcrypt, Value: hash}}
		} else if !cfg.Public {
			return nil, fmt.Errorf("client %s: confidential clients need a secret", cfg.ID)
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// stores bundles the persistence layer, memory or Redis backed.
type stores struct {
	keys     keys.Store
	par      par.Store
	codes    validation.CodeStore
	refresh  validation.RefreshTokenStore
	sessions session.TicketStore
	replay   dpop.ReplayCache
}

func buildStores(redisURL string, encryptor *crypto.Encryptor) (*stores, error) {
	if redisURL == "" {
		logger.Warn("No Redis URL configured; state is in-memory and lost on restart")
		return &stores{
			keys:     keys.NewMemoryStore(),
			par:      par.NewMemoryStore(),
			codes:    validation.NewMemoryCodeStore(),
			refresh:  validation.NewMemoryRefreshTokenStore(),
			sessions: session.NewMemoryStore(encryptor),
			replay:   dpop.NewMemoryReplayCache(),
		}, nil
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	return &stores{
		keys:     keys.NewRedisStore(rdb, redisKeyPrefix),
		par:      par.NewRedisStore(rdb, redisKeyPrefix),
		codes:    validation.NewRedisCodeStore(rdb, redisKeyPrefix),
		refresh:  validation.NewRedisRefreshTokenStore(rdb, redisKeyPrefix),
		sessions: session.NewRedisStore(rdb, encryptor, redisKeyPrefix),
		replay:   dpop.NewRedisReplayCache(rdb, redisKeyPrefix),
	}, nil
}

func loadEncryptionKey() (*crypto.Encryptor, error) {
	if encoded := viper.GetString("encryption_key"); encoded != "" {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption_key: %w", err)
		}
		return crypto.NewEncryptor(key)
	}
	logger.Warn("No encryption key configured; generating an ephemeral one")
	key, err := crypto.GenerateEncryptionKey()
	if err != nil {
		return nil, err
	}
	return crypto.NewEncryptor(key)
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	issuer := viper.GetString("issuer")
	cfg := server.Config{
		Issuer:   issuer,
		LoginURL: viper.GetString("login-url"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var clientCfgs []clientConfig
	if err := viper.UnmarshalKey("clients", &clientCfgs); err != nil {
		return fmt.Errorf("failed to parse client registrations: %w", err)
	}
	registered, err := buildClients(clientCfgs)
	if err != nil {
		return err
	}
	logger.Infof("Registered %d clients", len(registered))

	encryptor, err := loadEncryptionKey()
	if err != nil {
		return err
	}

	redisURL := viper.GetString("redis-url")
	st, err := buildStores(redisURL, encryptor)
	if err != nil {
		return err
	}

	keyManager := keys.NewManager(keys.ManagerConfig{DisableStartupSync: redisURL == ""}, st.keys)
	if err := keyManager.Rotate(ctx); err != nil {
		return fmt.Errorf("failed to provision signing keys: %w", err)
	}
	go func() {
		if err := keyManager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("Key rotation loop stopped: %v", err)
		}
	}()

	nonceSecret, err := crypto.GenerateEncryptionKey()
	if err != nil {
		return err
	}
	dpopValidator := dpop.NewValidator(
		dpop.ValidatorConfig{},
		st.replay,
		dpop.NewNonceService(nonceSecret, dpopNonceLifetime),
	)

	policyStore := client.NewMemoryPolicyStore(registered...)
	pushed := par.NewService(st.par, encryptor)

	router := server.NewRouter(cfg, server.Dependencies{
		Clients:            policyStore,
		AuthorizeValidator: validation.NewAuthorizeValidator(validation.AuthorizeConfig{}, policyStore, pushed, dpopValidator),
		TokenValidator:     validation.NewTokenValidator(st.codes, st.refresh, pushed, dpopValidator),
		PushedRequests:     pushed,
		Codes:              st.codes,
		RefreshTokens:      st.refresh,
		Sessions:           st.sessions,
		Keys:               keyManager,
	})

	address := viper.GetString("address")
	srv := &http.Server{
		Addr:         address,
		Handler:      router.Handler(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Infof("Authorization server listening on %s, issuer %s", address, issuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}
