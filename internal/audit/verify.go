package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type sidecarTag struct {
	seq int64
	tag string
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func readSidecarTags(path string) ([]sidecarTag, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	tags := make([]sidecarTag, 0, len(lines))
	for _, line := range lines {
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("audit: malformed sidecar line %q", line)
		}
		seq, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("audit: malformed sidecar sequence %q: %w", parts[0], err)
		}
		tags = append(tags, sidecarTag{seq: seq, tag: parts[1]})
	}
	return tags, nil
}

// parseLine reconstructs an Event from one log line. Only FormatJSON round
// trips losslessly; VerifyFile rejects any other format since the text and
// compact encodings drop fields that the HMAC was computed over.
func parseLine(format Format, line string) (Event, error) {
	if format != FormatJSON && format != "" {
		return Event{}, fmt.Errorf("verification requires json-format logs, got %q", format)
	}
	var e Event
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return e, nil
}
