package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

const previewLen = 8

// Preview renders the first bytes of public data for log output.
func Preview(data []byte) string {
	if len(data) == 0 {
		return "nil"
	}
	n := previewLen
	if len(data) < n {
		n = len(data)
	}
	s := fmt.Sprintf("%x", data[:n])
	if len(data) > n {
		s += "..."
	}
	return s
}

// PreviewFields returns log fields describing data without exposing it in
// full. Only use this for public values such as handshake hashes.
func PreviewFields(data []byte, name string) logrus.Fields {
	return logrus.Fields{
		name + "_preview": Preview(data),
		name + "_size":    len(data),
	}
}
