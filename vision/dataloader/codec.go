package dataloader

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeBottleneck formats values as a single comma-separated line. Each
// value uses the shortest representation that parses back to the same
// float32.
func EncodeBottleneck(values []float32) []byte {
	var sb strings.Builder
	for i, v := range values {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	return []byte(sb.String())
}

// DecodeBottleneck parses a comma-separated bottleneck record
func DecodeBottleneck(data []byte) ([]float32, error) {
	s := strings.TrimSpace(string(data))
	if s == "" {
		return nil, fmt.Errorf("empty bottleneck record")
	}
	fields := strings.Split(s, ",")
	values := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return nil, fmt.Errorf("bad bottleneck value %d: %w", i, err)
		}
		values[i] = float32(v)
	}
	return values, nil
}
