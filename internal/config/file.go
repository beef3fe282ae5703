// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML shape of CONFIG_FILE. All fields are pointers so only
// keys present in the file override the built-in defaults; environment
// variables still override both.
type fileConfig struct {
	Env             *string  `yaml:"env,omitempty"`
	Port            *int     `yaml:"port,omitempty"`
	MetricsAddr     *string  `yaml:"metricsAddr,omitempty"`
	ShutdownTimeout *string  `yaml:"shutdownTimeout,omitempty"`
	LogLevel        *string  `yaml:"logLevel,omitempty"`
	LogFormat       *string  `yaml:"logFormat,omitempty"`
	DBPath          *string  `yaml:"dbPath,omitempty"`
	PlatformFeeRate *float64 `yaml:"platformFeeRate,omitempty"`
	HostPenaltyRate *float64 `yaml:"hostPenaltyRate,omitempty"`

	Session struct {
		ExpirationInterval *string `yaml:"expirationInterval,omitempty"`
	} `yaml:"session,omitempty"`

	Queue struct {
		PromotionTTL *string `yaml:"promotionTTL,omitempty"`
	} `yaml:"queue,omitempty"`

	Host struct {
		HeartbeatTimeout       *string `yaml:"heartbeatTimeout,omitempty"`
		HeartbeatTimeoutActive *string `yaml:"heartbeatTimeoutActive,omitempty"`
		CheckInterval          *string `yaml:"checkInterval,omitempty"`
		OfflineGrace           *string `yaml:"offlineGrace,omitempty"`
		OfflineGraceActive     *string `yaml:"offlineGraceActive,omitempty"`
	} `yaml:"host,omitempty"`

	Token struct {
		TTL *string `yaml:"ttl,omitempty"`
	} `yaml:"token,omitempty"`

	Auth struct {
		AutoProvision *bool `yaml:"autoProvision,omitempty"`
	} `yaml:"auth,omitempty"`

	API struct {
		RateLimitRPM   *int    `yaml:"rateLimitRPM,omitempty"`
		TrustedProxies *string `yaml:"trustedProxies,omitempty"`
	} `yaml:"api,omitempty"`

	Relay struct {
		MaxPayloadBytes       *int64  `yaml:"maxPayloadBytes,omitempty"`
		HostBytesPerSec       *int    `yaml:"hostBytesPerSec,omitempty"`
		ClientMsgsPerSec      *int    `yaml:"clientMsgsPerSec,omitempty"`
		ClientMaxMsgBytes     *int64  `yaml:"clientMaxMsgBytes,omitempty"`
		SendQueueFrames       *int    `yaml:"sendQueueFrames,omitempty"`
		RoomLinger            *string `yaml:"roomLinger,omitempty"`
		ConnectAttemptsPerMin *int    `yaml:"connectAttemptsPerMin,omitempty"`
	} `yaml:"relay,omitempty"`

	Presence struct {
		Backend    *string `yaml:"backend,omitempty"`
		RedisAddr  *string `yaml:"redisAddr,omitempty"`
		RedisDB    *int    `yaml:"redisDB,omitempty"`
		BadgerPath *string `yaml:"badgerPath,omitempty"`
	} `yaml:"presence,omitempty"`

	Tracing struct {
		Enabled    *bool    `yaml:"enabled,omitempty"`
		Exporter   *string  `yaml:"exporter,omitempty"`
		Endpoint   *string  `yaml:"endpoint,omitempty"`
		SampleRate *float64 `yaml:"sampleRate,omitempty"`
	} `yaml:"tracing,omitempty"`
}

// applyFile reads a YAML file and overlays its values on the seed config.
// Unknown keys are rejected so typos fail loudly instead of silently falling
// back to defaults.
func applyFile(seed *AppConfig, path string) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- the config file path is provided by the operator via ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}

	return fc.overlay(seed)
}

func (fc *fileConfig) overlay(seed *AppConfig) error {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setDuration := func(dst *time.Duration, src *string, key string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %q", key, *src)
		}
		*dst = d
		return nil
	}

	setString(&seed.Env, fc.Env)
	setInt(&seed.Port, fc.Port)
	setString(&seed.MetricsAddr, fc.MetricsAddr)
	if err := setDuration(&seed.ShutdownTimeout, fc.ShutdownTimeout, "shutdownTimeout"); err != nil {
		return err
	}
	setString(&seed.Log.Level, fc.LogLevel)
	setString(&seed.Log.Format, fc.LogFormat)
	setString(&seed.DB.Path, fc.DBPath)
	if fc.PlatformFeeRate != nil {
		seed.Billing.PlatformFeeRate = *fc.PlatformFeeRate
	}
	if fc.HostPenaltyRate != nil {
		seed.Billing.HostPenaltyRate = *fc.HostPenaltyRate
	}
	if err := setDuration(&seed.Session.ExpirationInterval, fc.Session.ExpirationInterval, "session.expirationInterval"); err != nil {
		return err
	}
	if err := setDuration(&seed.Queue.PromotionTTL, fc.Queue.PromotionTTL, "queue.promotionTTL"); err != nil {
		return err
	}
	if err := setDuration(&seed.Host.HeartbeatTimeout, fc.Host.HeartbeatTimeout, "host.heartbeatTimeout"); err != nil {
		return err
	}
	if err := setDuration(&seed.Host.HeartbeatTimeoutActive, fc.Host.HeartbeatTimeoutActive, "host.heartbeatTimeoutActive"); err != nil {
		return err
	}
	if err := setDuration(&seed.Host.CheckInterval, fc.Host.CheckInterval, "host.checkInterval"); err != nil {
		return err
	}
	if err := setDuration(&seed.Host.OfflineGrace, fc.Host.OfflineGrace, "host.offlineGrace"); err != nil {
		return err
	}
	if err := setDuration(&seed.Host.OfflineGraceActive, fc.Host.OfflineGraceActive, "host.offlineGraceActive"); err != nil {
		return err
	}
	if err := setDuration(&seed.Token.TTL, fc.Token.TTL, "token.ttl"); err != nil {
		return err
	}
	if fc.Auth.AutoProvision != nil {
		seed.Auth.AutoProvision = *fc.Auth.AutoProvision
	}
	setInt(&seed.API.RateLimitRPM, fc.API.RateLimitRPM)
	setString(&seed.API.TrustedProxies, fc.API.TrustedProxies)
	if fc.Relay.MaxPayloadBytes != nil {
		seed.Relay.MaxPayloadBytes = *fc.Relay.MaxPayloadBytes
	}
	setInt(&seed.Relay.HostBytesPerSec, fc.Relay.HostBytesPerSec)
	setInt(&seed.Relay.ClientMsgsPerSec, fc.Relay.ClientMsgsPerSec)
	if fc.Relay.ClientMaxMsgBytes != nil {
		seed.Relay.ClientMaxMsgBytes = *fc.Relay.ClientMaxMsgBytes
	}
	setInt(&seed.Relay.SendQueueFrames, fc.Relay.SendQueueFrames)
	if err := setDuration(&seed.Relay.RoomLinger, fc.Relay.RoomLinger, "relay.roomLinger"); err != nil {
		return err
	}
	setInt(&seed.Relay.ConnectAttemptsPerMin, fc.Relay.ConnectAttemptsPerMin)
	setString(&seed.Presence.Backend, fc.Presence.Backend)
	setString(&seed.Presence.RedisAddr, fc.Presence.RedisAddr)
	setInt(&seed.Presence.RedisDB, fc.Presence.RedisDB)
	setString(&seed.Presence.BadgerPath, fc.Presence.BadgerPath)
	if fc.Tracing.Enabled != nil {
		seed.Tracing.Enabled = *fc.Tracing.Enabled
	}
	setString(&seed.Tracing.Exporter, fc.Tracing.Exporter)
	setString(&seed.Tracing.Endpoint, fc.Tracing.Endpoint)
	if fc.Tracing.SampleRate != nil {
		seed.Tracing.SampleRate = *fc.Tracing.SampleRate
	}
	return nil
}
