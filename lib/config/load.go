// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/google/shlex"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	configFile   = "awsprov_config.json"
	templateFile = "awsprov_templates.json"
)

// DefaultJSON is loaded before the site config file.
var DefaultJSON = []byte(`{
	"LogLevel": "INFO",
	"LogFormat": "text",
	"ManagementAddress": "",
	"ManagementToken": "",
	"AWS_SPOT_TERMINATE_ON_RECLAIM": false,
	"AWS_TAG_InstanceID": false,
	"AWS_MIN_WORKERS": 10,
	"AWS_MAX_WORKERS": 200,
	"AWS_BATCH_SIZE": 200,
	"AWS_DESCRIBE_MAX_RETRIES": 2,
	"CLEANUP_INTERVAL_MINUTES": "30m",
	"MAX_REQUEST_AGE_MINUTES": "60m",
	"AWS_RECLAIM_INTERVAL": "2m"
}`)

// Loader reads the provider configuration from the files and
// environment variables the connector provides.
type Loader struct {
	Getenv func(string) string
	Logger logrus.FieldLogger
}

// NewLoader returns a Loader that uses the process environment.
func NewLoader(logger logrus.FieldLogger) *Loader {
	return &Loader{Getenv: os.Getenv, Logger: logger}
}

// ConfDir returns the directory holding awsprov_config.json and
// awsprov_templates.json.
func (ldr *Loader) ConfDir() (string, error) {
	if dir := ldr.Getenv("PRO_CONF_DIR"); dir != "" {
		return filepath.Join(dir, "conf"), nil
	}
	top := ldr.Getenv("PRO_LSF_TOP")
	if top == "" {
		return "", errors.New("neither PRO_CONF_DIR nor PRO_LSF_TOP is set")
	}
	provider := ldr.Getenv("PROVIDER_NAME")
	if provider == "" {
		provider = "aws"
	}
	return filepath.Join(top, "conf", "resource_connector", provider, "conf"), nil
}

// Load reads awsprov_config.json from the conf dir.
func (ldr *Loader) Load() (*Config, error) {
	dir, err := ldr.ConfDir()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, configFile))
	if err != nil {
		return nil, errors.Wrap(err, "opening config file")
	}
	defer f.Close()
	cfg, err := ldr.LoadReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", f.Name())
	}
	cfg.ConfDir = dir
	return cfg, nil
}

// TemplatePath returns the location of the template file for cfg.
func TemplatePath(cfg *Config) string {
	return filepath.Join(cfg.ConfDir, templateFile)
}

// LoadReader loads defaults, then the given config, then
// environment overrides, and checks the result.
func (ldr *Loader) LoadReader(rdr io.Reader) (*Config, error) {
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, err
	}
	var cfg Config
	err = yaml.Unmarshal(DefaultJSON, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %s", err)
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	ldr.warnUnknownKeys(buf, &cfg)
	err = ldr.applyEnv(&cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		return nil, errors.New("AWS_REGION not found in configuration")
	}
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("invalid AWS_BATCH_SIZE %d", cfg.BatchSize)
	}
	return &cfg, nil
}

func (ldr *Loader) warnUnknownKeys(buf []byte, cfg *Config) {
	if ldr.Logger == nil {
		return
	}
	var got map[string]interface{}
	if yaml.Unmarshal(buf, &got) != nil {
		return
	}
	known := map[string]interface{}{}
	j, _ := json.Marshal(cfg)
	json.Unmarshal(j, &known)
	var unknown []string
	for k := range got {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		ldr.Logger.Warnf("ignoring unknown config keys %v", unknown)
	}
}

func (ldr *Loader) applyEnv(cfg *Config) error {
	for _, iv := range []struct {
		name string
		dst  *int
	}{
		{"AWS_MIN_WORKERS", &cfg.MinWorkers},
		{"AWS_MAX_WORKERS", &cfg.MaxWorkers},
		{"AWS_BATCH_SIZE", &cfg.BatchSize},
	} {
		if s := ldr.Getenv(iv.name); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %s", iv.name, s, err)
			}
			*iv.dst = n
		}
	}
	for _, dv := range []struct {
		name string
		dst  *Duration
	}{
		{"CLEANUP_INTERVAL_MINUTES", &cfg.CleanupInterval},
		{"MAX_REQUEST_AGE_MINUTES", &cfg.MaxRequestAge},
	} {
		if s := ldr.Getenv(dv.name); s != "" {
			if err := dv.dst.Set(s); err != nil {
				return fmt.Errorf("invalid %s %q: %s", dv.name, s, err)
			}
		}
	}

	cfg.DataDir = ldr.Getenv("PRO_DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = "/tmp"
	}
	cfg.LogDir = ldr.Getenv("PRO_LSF_LOGDIR")
	if cfg.LogDir == "" {
		cfg.LogDir = "/tmp"
	}
	cfg.ProviderName = ldr.Getenv("PROVIDER_NAME")
	if opts := ldr.Getenv("SCRIPT_OPTIONS"); opts != "" {
		words, err := shlex.Split(opts)
		if err != nil {
			return errors.Wrap(err, "parsing SCRIPT_OPTIONS")
		}
		for _, w := range words {
			if v, ok := strings.CutPrefix(w, "clusterName="); ok {
				cfg.ClusterName = v
			}
		}
	}
	return nil
}
