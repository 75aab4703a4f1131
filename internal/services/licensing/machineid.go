// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package licensing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/keygen-sh/machineid"
	"github.com/rs/zerolog/log"
)

// DeviceID returns a stable fingerprint for this installation of a product.
// The first computed value is cached in configDir so that hardware changes do
// not invalidate an existing activation.
func DeviceID(appID, productID, configDir string) (string, error) {
	path := fingerprintPath(productID, configDir)
	if content, err := os.ReadFile(path); err == nil {
		if existing := strings.TrimSpace(string(content)); existing != "" {
			log.Trace().Str("path", path).Msg("Using cached device fingerprint")
			return existing, nil
		}
	}

	baseID, err := machineid.ProtectedID(appID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read machine ID, using host fallback")
		baseID = hostFallbackID()
	}

	sum := sha256.Sum256([]byte(appID + "-" + baseID + "-" + productID))
	fingerprint := hex.EncodeToString(sum[:])

	if configDir == "" {
		return fingerprint, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to create fingerprint directory")
		return fingerprint, nil
	}
	if err := os.WriteFile(path, []byte(fingerprint), 0o600); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to persist device fingerprint")
		return fingerprint, nil
	}

	log.Debug().Str("path", path).Msg("Persisted new device fingerprint")

	return fingerprint, nil
}

func hostFallbackID() string {
	host := runtime.GOOS + "-" + runtime.GOARCH
	if hostname, err := os.Hostname(); err == nil {
		host += "-" + hostname
	}

	sum := sha256.Sum256([]byte(host))
	return hex.EncodeToString(sum[:16])
}

func fingerprintPath(productID, configDir string) string {
	sum := sha256.Sum256([]byte(productID))
	return filepath.Join(configDir, fmt.Sprintf(".device-%x", sum[:6]))
}
