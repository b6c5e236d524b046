// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package credentials

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"git.arvados.org/awsprov.git/lib/config"
	"git.arvados.org/awsprov.git/sdk/go/backoff"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NewSource returns the credential source selected by cfg:
// AWS_CREDENTIAL_FILE, else AWS_CREDENTIAL_SCRIPT, else the SDK's
// default chain (environment, shared config, instance role).
func NewSource(cfg *config.Config, logger logrus.FieldLogger) (Source, error) {
	switch {
	case cfg.CredentialFile != "":
		if _, err := os.Stat(cfg.CredentialFile); err != nil {
			return nil, fmt.Errorf("AWS_CREDENTIAL_FILE not found: %s", cfg.CredentialFile)
		}
		logger.Infof("using credentials from file %s", cfg.CredentialFile)
		return &FileSource{Path: cfg.CredentialFile}, nil
	case cfg.CredentialScript != "":
		if _, err := os.Stat(cfg.CredentialScript); err != nil {
			return nil, fmt.Errorf("AWS_CREDENTIAL_SCRIPT not found: %s", cfg.CredentialScript)
		}
		logger.Infof("using credentials from script %s", cfg.CredentialScript)
		return NewScriptSource(cfg.CredentialScript, logger), nil
	default:
		logger.Info("using default credential chain (instance role)")
		return &ChainSource{Region: cfg.Region}, nil
	}
}

// FileSource reads the "default" profile of an AWS shared
// credentials file.
type FileSource struct {
	Path string
}

// Retrieve implements Source.
func (fs *FileSource) Retrieve(ctx context.Context) (aws.Credentials, error) {
	shared, err := awsconfig.LoadSharedConfigProfile(ctx, "default", func(o *awsconfig.LoadSharedConfigOptions) {
		o.CredentialsFiles = []string{fs.Path}
		o.ConfigFiles = []string{}
	})
	if err != nil {
		return aws.Credentials{}, errors.Wrapf(err, "invalid credentials file %s", fs.Path)
	}
	creds := shared.Credentials
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return aws.Credentials{}, fmt.Errorf("invalid credentials file %s: missing access key or secret key", fs.Path)
	}
	creds.Source = "file:" + fs.Path
	return creds, nil
}

// ChainSource uses the SDK's default credential chain.
type ChainSource struct {
	Region string
}

// Retrieve implements Source.
func (cs *ChainSource) Retrieve(ctx context.Context) (aws.Credentials, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cs.Region))
	if err != nil {
		return aws.Credentials{}, errors.Wrap(err, "loading default AWS config")
	}
	return cfg.Credentials.Retrieve(ctx)
}

// ScriptSource runs a site-supplied script that prints temporary
// credentials as JSON:
//
//	{"AccessKeyId": "...", "SecretAccessKey": "...", "SessionToken": "...", "Expiration": "2025-01-01T00:00:00Z"}
//
// Output is cached per script content until shortly before it
// expires, so the script is not run on every invocation of a
// long-lived process.
type ScriptSource struct {
	Path    string
	Timeout time.Duration
	Retry   backoff.Policy
	Logger  logrus.FieldLogger

	now   func() time.Time
	mtx   sync.Mutex
	cache map[string]scriptResult
}

type scriptResult struct {
	creds   aws.Credentials
	fetched time.Time
}

type scriptOutput struct {
	AccessKeyID     *string `json:"AccessKeyId"`
	SecretAccessKey *string `json:"SecretAccessKey"`
	SessionToken    *string `json:"SessionToken"`
	Expiration      string  `json:"Expiration"`
}

// errBadOutput marks failures that running the script again won't
// fix.
type errBadOutput struct{ error }

// NewScriptSource returns a ScriptSource with a 30s timeout and three
// tries with exponential backoff.
func NewScriptSource(path string, logger logrus.FieldLogger) *ScriptSource {
	ss := &ScriptSource{
		Path:    path,
		Timeout: 30 * time.Second,
		Logger:  logger,
	}
	ss.Retry = backoff.Policy{
		Attempts: 3,
		Delay:    backoff.Exponential(time.Second),
		Retryable: func(err error) bool {
			_, bad := err.(errBadOutput)
			return !bad
		},
		OnRetry: func(n int, err error) {
			ss.logger().WithError(err).Warnf("credential script failed (attempt %d)", n+1)
		},
	}
	return ss
}

func (ss *ScriptSource) logger() logrus.FieldLogger {
	if ss.Logger == nil {
		return logrus.StandardLogger()
	}
	return ss.Logger
}

func (ss *ScriptSource) clock() time.Time {
	if ss.now != nil {
		return ss.now()
	}
	return time.Now()
}

// contentKey identifies the script by content, so editing the
// script invalidates cached output.
func (ss *ScriptSource) contentKey() string {
	buf, err := os.ReadFile(ss.Path)
	if err != nil {
		buf = []byte(ss.Path)
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

func (ss *ScriptSource) cached(key string) (aws.Credentials, bool) {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	ent, ok := ss.cache[key]
	if !ok {
		return aws.Credentials{}, false
	}
	now := ss.clock()
	if ent.creds.CanExpire {
		if now.Before(ent.creds.Expires.Add(-defaultBuffer)) {
			return ent.creds, true
		}
	} else if now.Sub(ent.fetched) < defaultBuffer {
		return ent.creds, true
	}
	return aws.Credentials{}, false
}

// Retrieve implements Source.
func (ss *ScriptSource) Retrieve(ctx context.Context) (aws.Credentials, error) {
	key := ss.contentKey()
	if creds, ok := ss.cached(key); ok {
		ss.logger().Debugf("using cached credentials from script %s", ss.Path)
		return creds, nil
	}
	var creds aws.Credentials
	err := ss.Retry.Do(ctx, func() error {
		var err error
		creds, err = ss.run(ctx)
		return err
	})
	if err != nil {
		if bad, ok := err.(errBadOutput); ok {
			err = bad.error
		}
		return aws.Credentials{}, errors.Wrap(err, "credential script error")
	}
	ss.mtx.Lock()
	if ss.cache == nil {
		ss.cache = map[string]scriptResult{}
	}
	ss.cache[key] = scriptResult{creds: creds, fetched: ss.clock()}
	ss.mtx.Unlock()
	return creds, nil
}

func (ss *ScriptSource) run(ctx context.Context) (aws.Credentials, error) {
	timeout := ss.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, ss.Path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	ss.logger().Debugf("executing credential script %s", ss.Path)
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return aws.Credentials{}, fmt.Errorf("credential script timed out after %s", timeout)
		}
		return aws.Credentials{}, fmt.Errorf("credential script execution failed: %s: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	var out scriptOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return aws.Credentials{}, errBadOutput{fmt.Errorf("credential script must output valid JSON: %s", err)}
	}
	for _, f := range []struct {
		name string
		val  *string
	}{
		{"AccessKeyId", out.AccessKeyID},
		{"SecretAccessKey", out.SecretAccessKey},
		{"SessionToken", out.SessionToken},
	} {
		if f.val == nil {
			return aws.Credentials{}, errBadOutput{fmt.Errorf("missing %s in script output", f.name)}
		}
	}
	creds := aws.Credentials{
		AccessKeyID:     *out.AccessKeyID,
		SecretAccessKey: *out.SecretAccessKey,
		SessionToken:    *out.SessionToken,
		Source:          "script:" + ss.Path,
	}
	if out.Expiration != "" {
		creds.CanExpire = true
		exp, err := time.Parse(time.RFC3339, out.Expiration)
		if err != nil {
			ss.logger().Warnf("cannot parse credential expiration %q, assuming %s", out.Expiration, defaultLifetime)
			exp = ss.clock().Add(defaultLifetime)
		}
		creds.Expires = exp
	}
	return creds, nil
}
