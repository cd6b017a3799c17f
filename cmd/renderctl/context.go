package main

import (
	"strings"
	"sync"
	"time"

	"github.com/reelcraft/api/internal/auth"
	"github.com/reelcraft/api/internal/config"
)

// serviceTokenTTL is the lifetime of the token renderctl mints per run.
const serviceTokenTTL = 5 * time.Minute

type commandContext struct {
	serverFlag   *string
	adminKeyFlag *string
	jsonFlag     *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(serverFlag, adminKeyFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		serverFlag:   serverFlag,
		adminKeyFlag: adminKeyFlag,
		jsonFlag:     jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load()
	})
	return c.config, c.configErr
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func (c *commandContext) serverURL(cfg *config.Config) string {
	if c.serverFlag != nil {
		if s := strings.TrimSpace(*c.serverFlag); s != "" {
			return strings.TrimRight(s, "/")
		}
	}
	return "http://localhost:" + cfg.Server.Port
}

// client builds an API client. The admin key comes from the flag or the
// server's own config; a service token is minted when a JWT secret is known.
func (c *commandContext) client() (*apiClient, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	adminKey := cfg.Auth.AdminKey
	if c.adminKeyFlag != nil && *c.adminKeyFlag != "" {
		adminKey = *c.adminKeyFlag
	}
	var token string
	if cfg.Auth.JWTSecret != "" {
		token, err = auth.IssueServiceToken("renderctl", cfg.Auth.JWTSecret, serviceTokenTTL)
		if err != nil {
			return nil, err
		}
	}
	return newAPIClient(c.serverURL(cfg), adminKey, token), nil
}
