package config

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/tildaslashalef/anchorsync/internal/loggy"
)

//go:embed env.sample
var configFS embed.FS

// EnvFileName is the env file read from the config directory
const EnvFileName = ".env"

// SampleResult describes what SetupConfigDirectory did with the env file
type SampleResult struct {
	EnvPath    string
	Written    bool   // false when an existing file was kept
	BackupPath string // set when an existing file was replaced
}

// SetupConfigDirectory creates configDir and writes the bundled env sample
// into it. An existing env file is kept unless replace is set, in which case
// it is copied aside first.
func SetupConfigDirectory(configDir string, replace bool) (*SampleResult, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	result := &SampleResult{EnvPath: filepath.Join(configDir, EnvFileName)}

	existing, err := os.ReadFile(result.EnvPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading existing env file: %w", err)
	case !replace:
		return result, nil
	default:
		result.BackupPath = fmt.Sprintf("%s.%s.bak", result.EnvPath, time.Now().Format("20060102-150405"))
		if err := os.WriteFile(result.BackupPath, existing, 0600); err != nil {
			return nil, fmt.Errorf("backing up env file: %w", err)
		}
	}

	sample, err := configFS.ReadFile("env.sample")
	if err != nil {
		return nil, fmt.Errorf("reading bundled env sample: %w", err)
	}

	// 0600: the env file may carry the upstream token
	if err := os.WriteFile(result.EnvPath, sample, 0600); err != nil {
		return nil, fmt.Errorf("writing env file: %w", err)
	}
	result.Written = true

	loggy.Info("Wrote sample env file", "path", result.EnvPath, "backup", result.BackupPath)
	return result, nil
}
