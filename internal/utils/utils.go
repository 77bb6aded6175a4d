package utils

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goombaio/namegenerator"
)

// GenerateDeviceName creates a random, memorable device name using namegenerator
func GenerateDeviceName() string {
	seed := time.Now().UTC().UnixNano()
	nameGenerator := namegenerator.NewNameGenerator(seed)

	// Generate a name like "wispy-dust"
	name := nameGenerator.Generate()

	// Some names might have underscores; convert to hyphens for consistency
	return strings.ReplaceAll(name, "_", "-")
}

// FormatTime renders t in local time, "-" when zero
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("Jan 02 15:04:05")
}

// FormatTimePtr is FormatTime for optional timestamps
func FormatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return FormatTime(*t)
}

// Truncate shortens s to maxLen runes, ending in "..."
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// IndentJSON pretty-prints raw JSON, returning it unchanged when invalid
func IndentJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Confirm asks a yes/no question on stdout and reads the answer from stdin
func Confirm(question string) bool {
	return ConfirmFrom(os.Stdin, question)
}

// ConfirmFrom is Confirm reading the answer from r
func ConfirmFrom(r io.Reader, question string) bool {
	fmt.Print(Theme.Subtle.Sprint(question + " [y/N]: "))

	answer, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
