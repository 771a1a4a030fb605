package sandbox

import (
	"strings"

	appErr "codejudge/pkg/errors"

	"github.com/google/shlex"
)

// buildCommand expands a profile template into an argument vector.
func buildCommand(tpl, srcPath, binPath string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	// Paths are quoted so that directories containing spaces survive splitting.
	expanded := strings.ReplaceAll(tpl, "{src}", shellQuote(srcPath))
	expanded = strings.ReplaceAll(expanded, "{bin}", shellQuote(binPath))
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
