package eventlog

import "time"

// naiveDomainTimeLayout is the fallback layout ParseDomainTime accepts when
// domain_time carries no UTC offset: such timestamps are interpreted in the
// given fallback zone (or UTC) and reported as naive.
const naiveDomainTimeLayout = "2006-01-02T15:04:05"

// ParseDomainTime parses a caller-supplied domain_time string. If the string
// carries an explicit offset (RFC 3339), it is used as-is. Otherwise it is
// interpreted in fallbackZone and naive reports true. It records no conflict
// tag itself, and the Write Gate does not call it: the Write Gate parses
// domain_time as RFC 3339 only and rejects naive timestamps.
func ParseDomainTime(raw string, fallbackZone *time.Location) (t time.Time, naive bool, err error) {
	if t, err = time.Parse(time.RFC3339, raw); err == nil {
		return t, false, nil
	}

	zone := fallbackZone
	if zone == nil {
		zone = time.UTC
	}

	t, err = time.ParseInLocation(naiveDomainTimeLayout, raw, zone)
	if err != nil {
		return time.Time{}, false, err
	}

	return t, true, nil
}
