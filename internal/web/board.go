package web

import (
	"fmt"
	"strconv"
	"strings"
)

// BoardSnapshot describes the onboard computer.
type BoardSnapshot struct {
	Model    string   `json:"model,omitempty"`
	CPUTempC *float64 `json:"cpu_temp_c,omitempty"`
	TempErr  string   `json:"temp_error,omitempty"`
}

// parseCPUTempC accepts the kernel's milli-degree integer and, on some
// boards, a plain degree value.
func parseCPUTempC(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("cpu temp empty")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse cpu temp %q: %w", s, err)
	}
	if n > 1000 {
		return float64(n) / 1000.0, nil
	}
	return float64(n), nil
}

func parseBoardModel(b []byte) string {
	return strings.TrimSpace(strings.Trim(string(b), "\x00"))
}
