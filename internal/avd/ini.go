package avd

import (
	"bufio"
	"bytes"
	"strings"
)

// parseINI reads the flat key=value files the SDK tools write.
func parseINI(data []byte) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// patchINI rewrites the given keys in place, keeping line order and
// comments, and appends keys that were not present.
func patchINI(data []byte, changes map[string]string) []byte {
	pending := make(map[string]string, len(changes))
	for k, v := range changes {
		pending[k] = v
	}

	var buf bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		k, _, ok := strings.Cut(line, "=")
		if ok {
			key := strings.TrimSpace(k)
			if v, hit := pending[key]; hit {
				line = key + "=" + v
				delete(pending, key)
			}
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	for _, k := range sortedKeys(pending) {
		buf.WriteString(k + "=" + pending[k] + "\n")
	}
	return buf.Bytes()
}
