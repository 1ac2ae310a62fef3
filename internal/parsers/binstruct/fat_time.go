package binstruct

import "time"

// ParseFATDate decodes a FAT directory date stamp:
//
//	Bits 0–4:  day of month, 1–31
//	Bits 5–8:  month of year, 1–12
//	Bits 9–15: years since 1980, 0–127
//
// A zero day or month is invalid in the format; time.Time{} is returned so
// IsZero can be used to detect it.
func ParseFATDate(input uint16) time.Time {
	day := input & 0x1F
	month := input & 0x1E0 >> 5
	year := input & 0xFE00 >> 9

	if day == 0 || month == 0 {
		return time.Time{}
	}

	return time.Date(1980+int(year), time.Month(month), int(day), 0, 0, 0, 0, time.UTC)
}

// ParseFATTime decodes a FAT directory time stamp with 2 second granularity:
//
//	Bits 0–4:   2-second count, 0–29
//	Bits 5–10:  minutes, 0–59
//	Bits 11–15: hours, 0–23
//
// The result is on January 1, year 1. Out of range values clamp to 23:59:59.
func ParseFATTime(input uint16) time.Time {
	seconds := int(input&0x1F) * 2
	minutes := input & 0x7E0 >> 5
	hours := input & 0xF800 >> 11

	result := time.Date(1, 1, 1, int(hours), int(minutes), seconds, 0, time.UTC)
	if result.Day() > 1 {
		return time.Date(1, 1, 1, 23, 59, 59, 0, time.UTC)
	}
	return result
}

// CombineFATDateTime merges a FAT date and time stamp into one UTC time.
func CombineFATDateTime(date, clock uint16) time.Time {
	d := ParseFATDate(date)
	if d.IsZero() {
		return time.Time{}
	}
	t := ParseFATTime(clock)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

// FATDate encodes t as a FAT date stamp.
func FATDate(t time.Time) uint16 {
	if t.Year() < 1980 {
		return 0
	}
	return uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
}

// FATTime encodes t as a FAT time stamp.
func FATTime(t time.Time) uint16 {
	return uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
}
