// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package newznab

import (
	"strings"

	"github.com/moistari/rls"
)

// Quality is the coarse quality bucket a release title falls into.
type Quality int

const (
	QualityUnknown Quality = iota
	QualitySDTV
	QualitySDDVD
	QualityHDTV
	QualityFullHDTV
	QualityHDWebDL
	QualityFullHDWebDL
	QualityHDBluRay
	QualityFullHDBluRay
)

func (q Quality) String() string {
	switch q {
	case QualitySDTV:
		return "SD TV"
	case QualitySDDVD:
		return "SD DVD"
	case QualityHDTV:
		return "HD TV"
	case QualityFullHDTV:
		return "1080p HD TV"
	case QualityHDWebDL:
		return "720p WEB-DL"
	case QualityFullHDWebDL:
		return "1080p WEB-DL"
	case QualityHDBluRay:
		return "720p BluRay"
	case QualityFullHDBluRay:
		return "1080p BluRay"
	default:
		return "Unknown"
	}
}

func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// QualityResolver maps a release title to a Quality.
type QualityResolver func(title string) Quality

// ParseQuality derives a Quality from a release title using rls.
func ParseQuality(title string) Quality {
	if strings.TrimSpace(title) == "" {
		return QualityUnknown
	}

	release := rls.ParseString(title)
	source := strings.ToLower(release.Source)
	resolution := strings.ToLower(release.Resolution)

	hd := resolution == "720p"
	fullHD := resolution == "1080p" || resolution == "1080i"

	switch {
	case isBluRay(source):
		switch {
		case fullHD:
			return QualityFullHDBluRay
		case hd:
			return QualityHDBluRay
		case resolution == "":
			return QualitySDDVD
		}
	case isWeb(source):
		switch {
		case fullHD:
			return QualityFullHDWebDL
		case hd:
			return QualityHDWebDL
		}
	case isTV(source):
		switch {
		case fullHD:
			return QualityFullHDTV
		case hd:
			return QualityHDTV
		case resolution == "" || resolution == "480p" || resolution == "576p":
			return QualitySDTV
		}
	case strings.Contains(source, "dvd"):
		if !hd && !fullHD {
			return QualitySDDVD
		}
	}

	return QualityUnknown
}

func isBluRay(source string) bool {
	return strings.Contains(source, "bluray") || strings.Contains(source, "bdrip") || strings.Contains(source, "brrip")
}

func isWeb(source string) bool {
	return strings.HasPrefix(source, "web")
}

func isTV(source string) bool {
	switch source {
	case "hdtv", "pdtv", "sdtv", "dsr", "tvrip", "uhdtv", "ahdtv":
		return true
	}
	return false
}
