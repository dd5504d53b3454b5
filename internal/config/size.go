package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Byte size units.
const (
	KB ByteSize = 1024
	MB          = 1024 * KB
	GB          = 1024 * MB
)

var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// ByteSize is a size in bytes written as "512KB", "8MB" or a plain number
// in YAML.
type ByteSize int64

// ParseByteSize parses strings like "100MB", "1.5GB" or "1024".
// Units are case-insensitive; Ki/Mi/Gi are accepted as binary units too.
func ParseByteSize(s string) (ByteSize, error) {
	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	var unit ByteSize
	switch strings.ToUpper(matches[2]) {
	case "", "B":
		unit = 1
	case "KB", "K", "KI", "KIB":
		unit = KB
	case "MB", "M", "MI", "MIB":
		unit = MB
	case "GB", "G", "GI", "GIB":
		unit = GB
	default:
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	return ByteSize(value * float64(unit)), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b ByteSize) String() string {
	for _, u := range []struct {
		size ByteSize
		name string
	}{{GB, "GB"}, {MB, "MB"}, {KB, "KB"}} {
		if b >= u.size {
			return strconv.FormatFloat(float64(b)/float64(u.size), 'f', -1, 64) + u.name
		}
	}
	return strconv.FormatInt(int64(b), 10) + "B"
}
