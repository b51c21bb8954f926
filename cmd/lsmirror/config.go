package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"

	"github.com/darknightghost/LinuxSourceMirror/internal/mirror"
)

// sectionTypos maps misspelled top-level sections to the expected ones.
var sectionTypos = map[string]string{
	"distro":          "distros",
	"client_protocol": "client_protocols",
	"server_protocol": "server_protocols",
	"logs":            "log",
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}
	return err.Error()
}

// analyzeUndecoded examines undecoded TOML keys and provides helpful suggestions
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	// misspelled sections grouped by their corrected root, e.g. "distro.debian"
	groups := make(map[string]int)

	for _, key := range undecoded {
		if len(key) >= 2 {
			if _, ok := sectionTypos[key[0]]; ok {
				groups[key[0]+"."+key[1]]++
				continue
			}
		}
		unknown = append(unknown, key.String())
	}

	roots := make([]string, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	for _, root := range roots {
		section, rest, _ := strings.Cut(root, ".")
		corrected := sectionTypos[section] + "." + rest
		if count := groups[root]; count == 1 {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s'", root, corrected))
		} else {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s' (affects %d keys)", root, corrected, count))
		}
	}
	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration contains sections that don't match expected structure:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: Configuration section names are case-sensitive and must match exactly.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown keys: ")
		} else {
			errorMsg.WriteString("configuration contains unknown keys: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
		errorMsg.WriteString("\nThese keys don't match any expected configuration structure.")
	}

	return errorMsg.String()
}

// decodeConfig reads path into a Config with defaults and rejects unknown keys.
func decodeConfig(path string) (*mirror.Config, error) {
	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(path, config)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(err, "configuration file not found")
		}
		return nil, errors.Wrap(err, "failed to decode config file")
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.New(formatUndecodedError(undecoded))
	}
	return config, nil
}

// loadConfig decodes, applies logging options and validates the
// configuration at configPath.
func loadConfig(quiet bool) (*mirror.Config, error) {
	config, err := decodeConfig(configPath)
	if err != nil {
		return nil, err
	}

	if err := config.Log.Apply(); err != nil {
		return nil, err
	}

	// Override log level if specified on command line
	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			return nil, errors.Wrap(err, "command-line log level")
		}
		slog.Debug("log level successfully overridden from command line", "level", logLevel)
	}

	if quiet {
		config.Log.Level = "error"
		if err := config.Log.Apply(); err != nil {
			return nil, err
		}
	}

	if err := config.Check(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return config, nil
}
