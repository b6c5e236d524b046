// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the provider configuration, read from
// awsprov_config.json and the connector's environment.
type Config struct {
	Region                 string `json:"AWS_REGION"`
	EndpointURL            string `json:"AWS_ENDPOINT_URL"`
	CredentialFile         string `json:"AWS_CREDENTIAL_FILE"`
	CredentialScript       string `json:"AWS_CREDENTIAL_SCRIPT"`
	KeyFile                string `json:"AWS_KEY_FILE"`
	SpotTerminateOnReclaim Flag   `json:"AWS_SPOT_TERMINATE_ON_RECLAIM"`
	TagInstanceID          Flag   `json:"AWS_TAG_InstanceID"`
	UserDataScript         string `json:"AWS_USER_DATA_SCRIPT"`

	LogLevel          string `json:"LogLevel"`
	LogFormat         string `json:"LogFormat"`
	ManagementAddress string `json:"ManagementAddress"`
	ManagementToken   string `json:"ManagementToken"`

	MinWorkers         int      `json:"AWS_MIN_WORKERS"`
	MaxWorkers         int      `json:"AWS_MAX_WORKERS"`
	BatchSize          int      `json:"AWS_BATCH_SIZE"`
	DescribeMaxRetries int      `json:"AWS_DESCRIBE_MAX_RETRIES"`
	CleanupInterval    Duration `json:"CLEANUP_INTERVAL_MINUTES"`
	MaxRequestAge      Duration `json:"MAX_REQUEST_AGE_MINUTES"`
	ReclaimInterval    Duration `json:"AWS_RECLAIM_INTERVAL"`

	// Set from the environment.
	ConfDir      string `json:"-"`
	DataDir      string `json:"-"`
	LogDir       string `json:"-"`
	ProviderName string `json:"-"`
	ClusterName  string `json:"-"`
}

// StorePath returns the location of the request store.
func (cfg *Config) StorePath() string {
	return strings.TrimRight(cfg.DataDir, "/") + "/aws-db.json"
}

// Duration is time.Duration but looks like "30m" in JSON. A bare
// number is a count of minutes, which is how the connector's
// environment variables express intervals.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return d.Set(s)
	}
	var mins float64
	if err := json.Unmarshal(data, &mins); err != nil {
		return fmt.Errorf("duration must be given as a number of minutes or a string like \"30m\"")
	}
	*d = Duration(time.Duration(mins * float64(time.Minute)))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Set parses "30m" style durations, or a bare number of minutes.
func (d *Duration) Set(s string) error {
	if mins, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(time.Duration(mins * float64(time.Minute)))
		return nil
	}
	dur, err := time.ParseDuration(s)
	*d = Duration(dur)
	return err
}

// Flag is a boolean that also accepts the strings "true", "yes",
// "1" (and their negatives) found in hand-edited config files.
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = Flag(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("cannot parse %s as a boolean", data)
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1", "on":
		*f = true
	case "false", "no", "n", "0", "off", "":
		*f = false
	default:
		return fmt.Errorf("cannot parse %q as a boolean", s)
	}
	return nil
}
