// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Template describes one kind of host the connector can request.
type Template struct {
	TemplateID                  string                  `json:"templateId"`
	MaxNumber                   int                     `json:"maxNumber"`
	ImageID                     string                  `json:"imageId,omitempty"`
	VMType                      string                  `json:"vmType"`
	SubnetID                    string                  `json:"subnetId"`
	Attributes                  map[string][]FlexString `json:"attributes,omitempty"`
	KeyName                     string                  `json:"keyName,omitempty"`
	InterfaceType               string                  `json:"interfaceType,omitempty"`
	SecurityGroupIDs            []string                `json:"securityGroupIds,omitempty"`
	InstanceTags                string                  `json:"instanceTags,omitempty"`
	InstanceProfile             string                  `json:"instanceProfile,omitempty"`
	EbsOptimized                *bool                   `json:"ebsOptimized,omitempty"`
	PlacementGroupName          string                  `json:"placementGroupName,omitempty"`
	Tenancy                     string                  `json:"tenancy,omitempty"`
	UserData                    string                  `json:"userData,omitempty"`
	GPUExtend                   string                  `json:"gpuextend,omitempty"`
	LaunchTemplateID            string                  `json:"launchTemplateId,omitempty"`
	LaunchTemplateVersion       string                  `json:"launchTemplateVersion,omitempty"`
	AllocationStrategy          string                  `json:"allocationStrategy,omitempty"`
	ComputeUnit                 string                  `json:"computeUnit,omitempty"`
	FleetRole                   string                  `json:"fleetRole,omitempty"`
	SpotPrice                   FlexString              `json:"spotPrice,omitempty"`
	Priority                    FlexString              `json:"priority,omitempty"`
	EC2FleetConfig              string                  `json:"ec2FleetConfig,omitempty"`
	OnDemandTargetCapacityRatio *float64                `json:"onDemandTargetCapacityRatio,omitempty"`
}

// Allocation names the provisioning strategy a template selects: a
// fleet role means spot fleet, a fleet config file means EC2 fleet,
// otherwise instances are launched directly.
func (t Template) Allocation() string {
	switch {
	case t.FleetRole != "":
		return "spotFleet"
	case t.EC2FleetConfig != "":
		return "ec2Fleet"
	default:
		return "direct"
	}
}

// VMTypes returns the candidate instance types.
func (t Template) VMTypes() []string {
	return splitList(t.VMType)
}

// Subnets returns the candidate subnet IDs.
func (t Template) Subnets() []string {
	return splitList(t.SubnetID)
}

// NumericAttribute returns the value of a ["Numeric", "N"]
// attribute, or def if it is absent or malformed.
func (t Template) NumericAttribute(name string, def int) int {
	v, ok := t.Attributes[name]
	if !ok || len(v) < 2 {
		return def
	}
	n, err := strconv.Atoi(string(v[1]))
	if err != nil {
		return def
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, x := range strings.Split(s, ",") {
		if x = strings.TrimSpace(x); x != "" {
			out = append(out, x)
		}
	}
	return out
}

// FlexString accepts a JSON string or number. Spot prices and
// priorities show up both ways in site template files.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (fs *FlexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		err := json.Unmarshal(data, &s)
		*fs = FlexString(s)
		return err
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*fs = FlexString(n.String())
	return nil
}

var requiredTemplateKeys = []string{"templateId", "maxNumber", "vmType", "subnetId"}

var knownTemplateKeys = func() map[string]bool {
	known := map[string]bool{}
	j, _ := json.Marshal(Template{
		ImageID:                     "x",
		Attributes:                  map[string][]FlexString{"x": nil},
		KeyName:                     "x",
		InterfaceType:               "x",
		SecurityGroupIDs:            []string{"x"},
		InstanceTags:                "x",
		InstanceProfile:             "x",
		EbsOptimized:                new(bool),
		PlacementGroupName:          "x",
		Tenancy:                     "x",
		UserData:                    "x",
		GPUExtend:                   "x",
		LaunchTemplateID:            "x",
		LaunchTemplateVersion:       "x",
		AllocationStrategy:          "x",
		ComputeUnit:                 "x",
		FleetRole:                   "x",
		SpotPrice:                   "x",
		Priority:                    "x",
		EC2FleetConfig:              "x",
		OnDemandTargetCapacityRatio: new(float64),
	})
	var m map[string]interface{}
	json.Unmarshal(j, &m)
	for k := range m {
		known[k] = true
	}
	return known
}()

// ErrTemplateNotFound is returned by GetTemplate.
var ErrTemplateNotFound = errors.New("template not found")

// TemplateManager reads host templates from awsprov_templates.json.
// The file is re-read when its modification time or size changes.
type TemplateManager struct {
	Path   string
	Logger logrus.FieldLogger

	setupOnce sync.Once
	cache     *lru.Cache
}

type templateFileKey struct {
	path  string
	mtime int64
	size  int64
}

type templatesDoc struct {
	Templates []json.RawMessage `json:"templates"`
}

// NewTemplateManager returns a TemplateManager for cfg's conf dir.
func NewTemplateManager(cfg *Config, logger logrus.FieldLogger) *TemplateManager {
	return &TemplateManager{Path: TemplatePath(cfg), Logger: logger}
}

func (tm *TemplateManager) setup() {
	tm.cache, _ = lru.New(4)
	if tm.Logger == nil {
		tm.Logger = logrus.StandardLogger()
	}
}

// AvailableTemplates returns every valid template in the file.
func (tm *TemplateManager) AvailableTemplates() ([]Template, error) {
	tm.setupOnce.Do(tm.setup)
	fi, err := os.Stat(tm.Path)
	if err != nil {
		return nil, errors.Wrap(err, "template file")
	}
	key := templateFileKey{tm.Path, fi.ModTime().UnixNano(), fi.Size()}
	if v, ok := tm.cache.Get(key); ok {
		return v.([]Template), nil
	}
	buf, err := os.ReadFile(tm.Path)
	if err != nil {
		return nil, errors.Wrap(err, "template file")
	}
	tmpls, err := tm.parse(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", tm.Path)
	}
	tm.cache.Add(key, tmpls)
	return tmpls, nil
}

// GetTemplate returns the template with the given ID.
func (tm *TemplateManager) GetTemplate(templateID string) (Template, error) {
	tmpls, err := tm.AvailableTemplates()
	if err != nil {
		return Template{}, err
	}
	for _, t := range tmpls {
		if t.TemplateID == templateID {
			return t, nil
		}
	}
	return Template{}, errors.Wrapf(ErrTemplateNotFound, "template %q", templateID)
}

// parse decodes the template file. Templates with missing required
// keys are logged and skipped; unknown keys are logged and ignored.
func (tm *TemplateManager) parse(buf []byte) ([]Template, error) {
	var tf templatesDoc
	if err := json.Unmarshal(buf, &tf); err != nil {
		return nil, err
	}
	if tf.Templates == nil {
		return nil, errors.New("missing \"templates\" key")
	}
	var tmpls []Template
	for i, raw := range tf.Templates {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(raw, &keys); err != nil {
			tm.Logger.Errorf("template at index %d must be a JSON object", i)
			continue
		}
		var t Template
		if err := json.Unmarshal(raw, &t); err != nil {
			tm.Logger.WithError(err).Errorf("template at index %d is invalid", i)
			continue
		}
		name := t.TemplateID
		if name == "" {
			name = fmt.Sprintf("index_%d", i)
		}
		var missing, unknown []string
		for _, k := range requiredTemplateKeys {
			if _, ok := keys[k]; !ok {
				missing = append(missing, k)
			}
		}
		if t.ImageID == "" && t.LaunchTemplateID == "" {
			missing = append(missing, "imageId")
		}
		for k := range keys {
			if !knownTemplateKeys[k] {
				unknown = append(unknown, k)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			tm.Logger.Warnf("template %q has unknown keys %v", name, unknown)
		}
		if len(missing) > 0 {
			tm.Logger.Errorf("template %q missing required keys %v", name, missing)
			continue
		}
		tmpls = append(tmpls, t)
	}
	return tmpls, nil
}
