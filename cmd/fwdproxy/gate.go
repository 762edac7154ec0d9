package main

import (
	"fmt"
	"reflect"

	"forward-proxy/internal/auth"
	"forward-proxy/internal/config"
	"forward-proxy/internal/policy"
	"forward-proxy/internal/proxy"

	"github.com/rs/zerolog/log"
)

// buildGate compiles the credential store, access rules and secret token of cfg.
func buildGate(cfg *config.Config) (*proxy.Gate, error) {
	creds := make([]auth.Credential, 0, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		creds = append(creds, auth.Credential{Identity: u.Username, Secret: u.Password})
	}
	store, err := auth.NewStore(creds)
	if err != nil {
		return nil, fmt.Errorf("invalid auth configuration: %w", err)
	}

	rules := make([]policy.Rule, 0, len(cfg.Access.Rules))
	for _, r := range cfg.Access.Rules {
		if r.Disabled {
			continue
		}
		rules = append(rules, policy.Rule{
			Name:      r.Name,
			Pattern:   r.Pattern,
			Action:    policy.Action(r.Action),
			Ports:     r.Ports,
			ClientIPs: r.ClientIPs,
		})
	}
	rs, err := policy.NewRuleSet(rules, policy.Action(cfg.Access.DefaultAction))
	if err != nil {
		return nil, fmt.Errorf("invalid access configuration: %w", err)
	}
	return &proxy.Gate{Credentials: store, Rules: rs, Token: auth.NewSecretToken(cfg.Auth.SecretToken)}, nil
}

// applyReload publishes a new gate built from next. Settings that are bound
// when the listeners start only produce a warning.
func applyReload(running, next *config.Config, guard *proxy.Guard) {
	setLogLevel(next.LogLevel)

	gate, err := buildGate(next)
	if err != nil {
		log.Error().Err(err).Msg("Reloaded configuration rejected, keeping current users and rules")
		return
	}
	guard.Swap(gate)
	log.Info().Int("user_count", gate.Credentials.Len()).Int("rule_count", gate.Rules.Len()).
		Str("default_action", string(gate.Rules.DefaultAction())).Msg("Users and access rules reloaded")

	if restartRequired(running, next) {
		log.Warn().Msg("Listener, TLS, outbound or SOCKS5 settings changed; restart to apply them")
	}
}

func restartRequired(running, next *config.Config) bool {
	return running.ListenAddress != next.ListenAddress ||
		running.ConnectTimeout != next.ConnectTimeout ||
		running.HandshakeTimeout != next.HandshakeTimeout ||
		running.HeaderTimeout != next.HeaderTimeout ||
		running.Auth.Realm != next.Auth.Realm ||
		!reflect.DeepEqual(running.TLS, next.TLS) ||
		!reflect.DeepEqual(running.Outbound, next.Outbound) ||
		running.SOCKS5 != next.SOCKS5 ||
		running.Metrics != next.Metrics
}
