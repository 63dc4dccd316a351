package checkpoints

import (
	"fmt"
	"os"
	"strings"
)

// WriteLabels writes one label per line, each terminated by a newline, in
// the order of the model outputs.
func WriteLabels(path string, labels []string) error {
	var sb strings.Builder
	for _, l := range labels {
		if strings.ContainsAny(l, "\r\n") {
			return fmt.Errorf("label %q contains a line break", l)
		}
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	return WriteFile(path, []byte(sb.String()))
}

// ReadLabels reads a file written by WriteLabels
func ReadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	text := strings.TrimSuffix(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}
