// Package fingerprint derives a stable device identity for the provider
// session from the worker's DEVICE_SEED.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Identity is what the adapter presents as its companion device.
type Identity struct {
	DeviceID     string
	ComputerName string
	// OSName is shown as the linked device name on the phone.
	OSName   string
	Timezone string
	Language string
	Country  string
}

type locale struct {
	timezone string
	language string
}

var locales = map[string]locale{
	"US": {"America/New_York", "en-US"},
	"IL": {"Asia/Jerusalem", "he-IL"},
	"GB": {"Europe/London", "en-GB"},
	"DE": {"Europe/Berlin", "de-DE"},
	"FR": {"Europe/Paris", "fr-FR"},
	"CA": {"America/Toronto", "en-CA"},
	"AU": {"Australia/Sydney", "en-AU"},
	"BR": {"America/Sao_Paulo", "pt-BR"},
	"IN": {"Asia/Kolkata", "en-IN"},
	"JP": {"Asia/Tokyo", "ja-JP"},
}

var desktopBuilds = []string{
	"Windows 10.0.19045",
	"Windows 10.0.22621",
	"Windows 10.0.22631",
	"Mac OS 14.4",
	"Mac OS 13.6",
}

// Generate returns the same identity for the same seed and country, so a
// restarted worker shows up as the same device.
func Generate(seed, country string) Identity {
	if seed == "" {
		seed = "default-seed"
	}
	country = strings.ToUpper(strings.TrimSpace(country))
	loc, ok := locales[country]
	if !ok {
		country = "US"
		loc = locales[country]
	}

	sum := sha256.Sum256([]byte(seed))
	hexSum := hex.EncodeToString(sum[:])
	name := "DESKTOP-" + strings.ToUpper(hexSum[16:23])

	return Identity{
		DeviceID:     hexSum[:16],
		ComputerName: name,
		OSName:       fmt.Sprintf("%s (%s)", name, desktopBuilds[int(sum[0])%len(desktopBuilds)]),
		Timezone:     loc.timezone,
		Language:     loc.language,
		Country:      country,
	}
}

// ForConnection derives a per-connection device id under the worker identity.
func (id Identity) ForConnection(connectionID string) string {
	sum := sha256.Sum256([]byte(id.DeviceID + "/" + connectionID))
	return hex.EncodeToString(sum[:8])
}

func (id Identity) Fields() map[string]string {
	return map[string]string{
		"device_id":     id.DeviceID,
		"computer_name": id.ComputerName,
		"os":            id.OSName,
		"timezone":      id.Timezone,
		"language":      id.Language,
		"country":       id.Country,
	}
}
