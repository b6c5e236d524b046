// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&TemplateSuite{})

type TemplateSuite struct {
	path   string
	logbuf bytes.Buffer
	tm     *TemplateManager
}

const testTemplates = `{"templates": [
	{
		"templateId": "t-direct",
		"maxNumber": 10,
		"imageId": "ami-1234",
		"vmType": "m5.large, m5.xlarge",
		"subnetId": "subnet-a,subnet-b",
		"spotPrice": 0.25,
		"attributes": {"ncores": ["Numeric", "2"], "ncpus": ["Numeric", "4"], "type": ["String", "X86_64"]}
	},
	{
		"templateId": "t-fleet",
		"maxNumber": 5,
		"launchTemplateId": "lt-1",
		"vmType": "c5.large",
		"subnetId": "subnet-a",
		"fleetRole": "arn:aws:iam::1:role/fleet",
		"flavour": "unknown key"
	},
	{
		"templateId": "t-broken",
		"imageId": "ami-1234",
		"vmType": "c5.large"
	}
]}`

func (s *TemplateSuite) SetUpTest(c *check.C) {
	s.path = filepath.Join(c.MkDir(), "awsprov_templates.json")
	c.Assert(os.WriteFile(s.path, []byte(testTemplates), 0644), check.IsNil)
	s.logbuf.Reset()
	lgr := logrus.New()
	lgr.Out = &s.logbuf
	s.tm = &TemplateManager{Path: s.path, Logger: lgr}
}

func (s *TemplateSuite) TestAvailable(c *check.C) {
	tmpls, err := s.tm.AvailableTemplates()
	c.Assert(err, check.IsNil)
	c.Assert(tmpls, check.HasLen, 2)
	c.Check(tmpls[0].TemplateID, check.Equals, "t-direct")
	c.Check(tmpls[1].TemplateID, check.Equals, "t-fleet")
	c.Check(s.logbuf.String(), check.Matches, `(?ms).*template \\"t-fleet\\" has unknown keys \[flavour\].*`)
	c.Check(s.logbuf.String(), check.Matches, `(?ms).*template \\"t-broken\\" missing required keys \[maxNumber subnetId\].*`)
}

func (s *TemplateSuite) TestGetTemplate(c *check.C) {
	t, err := s.tm.GetTemplate("t-direct")
	c.Assert(err, check.IsNil)
	c.Check(t.VMTypes(), check.DeepEquals, []string{"m5.large", "m5.xlarge"})
	c.Check(t.Subnets(), check.DeepEquals, []string{"subnet-a", "subnet-b"})
	c.Check(string(t.SpotPrice), check.Equals, "0.25")
	c.Check(t.NumericAttribute("ncores", 1), check.Equals, 2)
	c.Check(t.NumericAttribute("ncpus", 1), check.Equals, 4)
	c.Check(t.NumericAttribute("type", 1), check.Equals, 1)
	c.Check(t.NumericAttribute("nram", 7), check.Equals, 7)
	c.Check(t.Allocation(), check.Equals, "direct")

	t, err = s.tm.GetTemplate("t-fleet")
	c.Assert(err, check.IsNil)
	c.Check(t.Allocation(), check.Equals, "spotFleet")

	_, err = s.tm.GetTemplate("t-broken")
	c.Check(errors.Cause(err), check.Equals, ErrTemplateNotFound)
}

func (s *TemplateSuite) TestReloadOnChange(c *check.C) {
	_, err := s.tm.GetTemplate("t-new")
	c.Check(err, check.NotNil)

	err = os.WriteFile(s.path, []byte(`{"templates": [{"templateId": "t-new", "maxNumber": 1, "imageId": "ami-1", "vmType": "t3.micro", "subnetId": "subnet-z", "ec2FleetConfig": "fleet.json"}]}`), 0644)
	c.Assert(err, check.IsNil)
	future := time.Now().Add(time.Minute)
	c.Assert(os.Chtimes(s.path, future, future), check.IsNil)

	t, err := s.tm.GetTemplate("t-new")
	c.Assert(err, check.IsNil)
	c.Check(t.Allocation(), check.Equals, "ec2Fleet")
}

func (s *TemplateSuite) TestBadFile(c *check.C) {
	c.Assert(os.WriteFile(s.path, []byte(`{"templates": `), 0644), check.IsNil)
	_, err := s.tm.AvailableTemplates()
	c.Check(err, check.ErrorMatches, `loading .*awsprov_templates.json: .*`)

	c.Assert(os.WriteFile(s.path, []byte(`{}`), 0644), check.IsNil)
	future := time.Now().Add(time.Hour)
	c.Assert(os.Chtimes(s.path, future, future), check.IsNil)
	_, err = s.tm.AvailableTemplates()
	c.Check(err, check.ErrorMatches, `.*missing "templates" key`)

	s.tm.Path = filepath.Join(c.MkDir(), "nonexistent.json")
	_, err = s.tm.AvailableTemplates()
	c.Check(err, check.ErrorMatches, `template file: .*no such file.*`)
}
