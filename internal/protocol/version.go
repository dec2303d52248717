package protocol

import (
	"strconv"
	"strings"
)

// CompareVersions compares dotted numeric versions such as "1.4.2" or "v2.0".
// Missing components count as zero and non numeric suffixes ("-rc1") are ignored.
func CompareVersions(a, b string) int {
	ap := parseVersion(a)
	bp := parseVersion(b)
	for i := range ap {
		switch {
		case ap[i] < bp[i]:
			return -1
		case ap[i] > bp[i]:
			return 1
		}
	}
	return 0
}

// ValidVersion reports whether v starts with a numeric major component.
func ValidVersion(v string) bool {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return false
	}
	return v[0] >= '0' && v[0] <= '9'
}

func parseVersion(v string) [3]int {
	var out [3]int
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	for i, part := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(part)
		if err != nil {
			break
		}
		out[i] = n
	}
	return out
}
