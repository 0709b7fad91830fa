// Package destination prepares and reclaims per-job result destinations.
//
// Destinations follow a calendar-versioned layout:
//
//	<country>/<region>/<city>/<YY.0M>[.<micro>]
//
// All path segments are lowercased. The micro part disambiguates repeat
// runs within the same month: the first run gets the bare YY.0M directory,
// later runs get .1, .2, and so on.
package destination

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// CalverNow formats the UTC month of now as YY.0M (e.g. "26.08").
func CalverNow(now time.Time) string {
	return now.UTC().Format("06.01")
}

// BasePath builds the versioned base directory for a city. An empty region
// falls back to the country segment.
func BasePath(country, region, city string, now time.Time) string {
	if region == "" {
		region = country
	}
	return path.Join(
		strings.ToLower(country),
		strings.ToLower(region),
		strings.ToLower(city),
		CalverNow(now),
	)
}

// NextMicro computes the micro revision that follows the given existing
// directory keys. Directory names whose last segment carries two dots
// (YY.0M.micro) contribute their micro; everything else is ignored.
//
// No existing directories at all means the bare base path is free and no
// micro is needed (returns 0). Existing directories without a micro mean
// the base is taken, so the first micro revision is 1.
func NextMicro(dirs []string) int {
	if len(dirs) == 0 {
		return 0
	}

	maxMicro := 0
	for _, d := range dirs {
		name := path.Base(strings.TrimSuffix(d, "/"))
		if strings.Count(name, ".") != 2 {
			continue
		}
		parts := strings.Split(name, ".")
		micro, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			continue
		}
		if micro > maxMicro {
			maxMicro = micro
		}
	}
	return maxMicro + 1
}

// WithMicro appends a micro revision to a base path. Zero means the bare
// base path.
func WithMicro(base string, micro int) string {
	if micro == 0 {
		return base
	}
	return fmt.Sprintf("%s.%d", base, micro)
}

// VersionOf extracts the calver version from a destination prefix (its
// last path segment).
func VersionOf(prefix string) string {
	return path.Base(strings.TrimSuffix(prefix, "/"))
}
