// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"
)

var (
	Version   = "0.0.0-dev"
	Commit    = ""
	Date      = ""
	UserAgent = ""
)

func init() {
	UserAgent = fmt.Sprintf("progate/%s (%s %s)", Version, runtime.GOOS, runtime.GOARCH)
}

type buildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

func String() string {
	return fmt.Sprintf("Version: %v\nCommit: %v\nBuild date: %s\n", Version, Commit, Date)
}

func JSON() ([]byte, error) {
	return json.Marshal(buildInfo{
		Version: Version,
		Commit:  Commit,
		Date:    Date,
	})
}

// MajorVersion returns the major component of v. Licenses are bound to a
// major version through the activation conditions.
func MajorVersion(v string) (uint64, error) {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return 0, fmt.Errorf("parse version %q: %w", v, err)
	}
	return parsed.Major(), nil
}
