// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package redact masks license keys and credentials before they reach logs.
package redact

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// sensitiveParamRegex matches sensitive key/value pairs in URLs and JSON-ish error text.
var sensitiveParamRegex = regexp.MustCompile(`(?i)("?(?:key|license_key|licenseKey|client_secret|token|password)"?\s*[=:]\s*"?)([^&\s",}]*)`)

// LicenseKey keeps the first eight characters of a key.
func LicenseKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "***"
}

// Email keeps the first character of the local part and the domain.
func Email(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// String redacts sensitive parameter values in arbitrary text.
func String(s string) string {
	if s == "" {
		return s
	}
	return sensitiveParamRegex.ReplaceAllString(s, "${1}REDACTED")
}

// Error returns an error whose message has sensitive values redacted. A
// *url.Error keeps its type so callers can still inspect Timeout().
func Error(err error) error {
	if err == nil {
		return nil
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &url.Error{
			Op:  urlErr.Op,
			URL: String(urlErr.URL),
			Err: urlErr.Err,
		}
	}

	msg := err.Error()
	redacted := String(msg)
	if redacted == msg {
		return err
	}
	return errors.New(redacted)
}
